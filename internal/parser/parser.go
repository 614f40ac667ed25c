// Package parser turns spreadsheet uploads into a header row plus data rows.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strconv"
	"strings"

	"sheetvault/internal/sv"
)

// ErrUnsupportedFormat is returned for content that is neither CSV nor XLSX.
var ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")

// Format is a supported spreadsheet encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ctxCheckInterval is how many rows are read between context checks.
const ctxCheckInterval = 256

// Parser implements sv.Parser for CSV and XLSX content.
// The first non-empty row is the header. Blank header cells become
// column_<n> and repeated names get a _<k> suffix. Empty rows are skipped.
// At most MaxRows rows are kept; TotalRows counts all of them.
type Parser struct {
	MaxRows int
}

var _ sv.Parser = (*Parser)(nil)

// New creates a parser keeping at most maxRows data rows.
func New(maxRows int) *Parser {
	if maxRows <= 0 {
		maxRows = sv.DefaultMaxPreviewRows
	}
	return &Parser{MaxRows: maxRows}
}

// Parse reads r as the format implied by name and contentType.
func (p *Parser) Parse(ctx context.Context, r io.Reader, name, contentType string) (*sv.Preview, error) {
	format, err := DetectFormat(name, contentType)
	if err != nil {
		return nil, err
	}

	var next rowSource
	switch format {
	case FormatCSV:
		next = newCSVSource(r)
	case FormatXLSX:
		src, err := newXLSXSource(r)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		next = src.Next
	}
	return p.collect(ctx, next)
}

// DetectFormat picks a format from the file extension, falling back to the
// content type.
func DetectFormat(name, contentType string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case "text/csv", "application/csv", "text/comma-separated-values":
		return FormatCSV, nil
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel.sheet.macroenabled.12":
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%w: %s (%s)", ErrUnsupportedFormat, name, contentType)
}

// rowSource yields raw rows until io.EOF.
type rowSource func() ([]string, error)

func (p *Parser) collect(ctx context.Context, next rowSource) (*sv.Preview, error) {
	preview := &sv.Preview{}
	maxRows := p.MaxRows
	if maxRows <= 0 {
		maxRows = sv.DefaultMaxPreviewRows
	}

	for n := 0; ; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		cells, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row %d: %w", n+1, err)
		}
		if isEmptyRow(cells) {
			continue
		}
		if preview.Columns == nil {
			preview.Columns = headerNames(cells)
			continue
		}
		preview.TotalRows++
		if len(preview.Rows) < maxRows {
			preview.Rows = append(preview.Rows, makeRow(preview.Columns, cells))
		}
	}
	return preview, nil
}

func isEmptyRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// headerNames trims the header cells, fills blanks and makes names unique.
func headerNames(cells []string) []string {
	// Trailing blank header cells carry no column.
	last := len(cells)
	for last > 0 && strings.TrimSpace(cells[last-1]) == "" {
		last--
	}
	names := make([]string, last)
	seen := make(map[string]int, last)
	for i := 0; i < last; i++ {
		name := strings.TrimSpace(cells[i])
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		base := name
		for seen[name] > 0 {
			seen[base]++
			name = base + "_" + strconv.Itoa(seen[base])
		}
		seen[name]++
		names[i] = name
	}
	return names
}

// makeRow maps cells onto columns. Missing cells are "" and cells past the
// last column are dropped.
func makeRow(columns, cells []string) sv.Row {
	row := make(sv.Row, len(columns))
	for i, col := range columns {
		if i < len(cells) {
			row[col] = cells[i]
		} else {
			row[col] = ""
		}
	}
	return row
}

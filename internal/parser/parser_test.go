package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

// buildXLSX writes rows into the first sheet of a new workbook.
func buildXLSX(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("CoordinatesToCellName() error = %v", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("SetSheetRow() error = %v", err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		contentType string
		want        Format
		wantErr     bool
	}{
		{name: "csv extension", filename: "sales.CSV", want: FormatCSV},
		{name: "xlsx extension", filename: "sales.xlsx", want: FormatXLSX},
		{name: "extension wins over type", filename: "a.csv", contentType: "application/vnd.ms-excel", want: FormatCSV},
		{name: "csv content type with params", filename: "upload", contentType: "text/csv; charset=utf-8", want: FormatCSV},
		{name: "xlsx content type", filename: "upload", contentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", want: FormatXLSX},
		{name: "pdf", filename: "report.pdf", contentType: "application/pdf", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(tt.filename, tt.contentType)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedFormat) {
					t.Errorf("DetectFormat() error = %v, want ErrUnsupportedFormat", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DetectFormat() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DetectFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParser_CSV(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		input     string
		wantCols  []string
		wantRows  int
		wantTotal int
		check     func(t *testing.T, rows []map[string]string)
	}{
		{
			name:      "simple",
			input:     "region,total\nnorth,10\nsouth,20\n",
			wantCols:  []string{"region", "total"},
			wantRows:  2,
			wantTotal: 2,
			check: func(t *testing.T, rows []map[string]string) {
				if rows[1]["region"] != "south" || rows[1]["total"] != "20" {
					t.Errorf("row 1 = %v", rows[1])
				}
			},
		},
		{
			name:      "leading blank lines and bom",
			input:     "\ufeff\n,,\nname,age\nann,3\n",
			wantCols:  []string{"name", "age"},
			wantRows:  1,
			wantTotal: 1,
		},
		{
			name:      "blank and duplicate headers",
			input:     "a,,a,a\n1,2,3,4\n",
			wantCols:  []string{"a", "column_2", "a_2", "a_3"},
			wantRows:  1,
			wantTotal: 1,
			check: func(t *testing.T, rows []map[string]string) {
				if rows[0]["column_2"] != "2" || rows[0]["a_3"] != "4" {
					t.Errorf("row 0 = %v", rows[0])
				}
			},
		},
		{
			name:      "ragged rows",
			input:     "a,b,c\n1\n1,2,3,4\n",
			wantCols:  []string{"a", "b", "c"},
			wantRows:  2,
			wantTotal: 2,
			check: func(t *testing.T, rows []map[string]string) {
				if rows[0]["c"] != "" || len(rows[1]) != 3 {
					t.Errorf("rows = %v", rows)
				}
			},
		},
		{
			name:      "header only",
			input:     "a,b\n",
			wantCols:  []string{"a", "b"},
			wantRows:  0,
			wantTotal: 0,
		},
		{
			name:     "empty",
			input:    "",
			wantCols: nil,
		},
	}

	p := New(100)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Parse(ctx, strings.NewReader(tt.input), "data.csv", "text/csv")
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if fmt.Sprint(got.Columns) != fmt.Sprint(tt.wantCols) {
				t.Errorf("Columns = %q, want %q", got.Columns, tt.wantCols)
			}
			if len(got.Rows) != tt.wantRows {
				t.Errorf("len(Rows) = %d, want %d", len(got.Rows), tt.wantRows)
			}
			if got.TotalRows != tt.wantTotal {
				t.Errorf("TotalRows = %d, want %d", got.TotalRows, tt.wantTotal)
			}
			if tt.check != nil {
				rows := make([]map[string]string, len(got.Rows))
				for i, r := range got.Rows {
					rows[i] = r
				}
				tt.check(t, rows)
			}
		})
	}
}

func TestParser_MaxRows(t *testing.T) {
	var b strings.Builder
	b.WriteString("n\n")
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "%d\n", i)
	}

	got, err := New(10).Parse(context.Background(), strings.NewReader(b.String()), "n.csv", "")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(got.Rows) != 10 {
		t.Errorf("len(Rows) = %d, want 10", len(got.Rows))
	}
	if got.TotalRows != 50 {
		t.Errorf("TotalRows = %d, want 50", got.TotalRows)
	}
	if got.Rows[9]["n"] != "9" {
		t.Errorf("last kept row = %v, want n=9", got.Rows[9])
	}
}

func TestParser_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(10).Parse(ctx, strings.NewReader("a\n1\n"), "a.csv", "")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Parse() error = %v, want context.Canceled", err)
	}
}

func TestParser_XLSX(t *testing.T) {
	data := buildXLSX(t, [][]any{
		{},
		{"region", "total", ""},
		{"north", 10},
		{},
		{"south", 20.5},
	})

	got, err := New(100).Parse(context.Background(), bytes.NewReader(data), "sales.xlsx", "")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if fmt.Sprint(got.Columns) != "[region total]" {
		t.Errorf("Columns = %q, want [region total]", got.Columns)
	}
	if got.TotalRows != 2 || len(got.Rows) != 2 {
		t.Fatalf("TotalRows = %d, len(Rows) = %d, want 2 and 2", got.TotalRows, len(got.Rows))
	}
	if got.Rows[0]["region"] != "north" || got.Rows[0]["total"] != "10" {
		t.Errorf("row 0 = %v", got.Rows[0])
	}
	if got.Rows[1]["total"] != "20.5" {
		t.Errorf("row 1 total = %q, want 20.5", got.Rows[1]["total"])
	}
}

func TestParser_XLSXUsesFirstSheet(t *testing.T) {
	f := excelize.NewFile()
	first := f.GetSheetName(0)
	f.SetCellValue(first, "A1", "first")
	f.SetCellValue(first, "A2", "x")
	if _, err := f.NewSheet("Other"); err != nil {
		t.Fatalf("NewSheet() error = %v", err)
	}
	f.SetCellValue("Other", "A1", "second")
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	f.Close()

	got, err := New(10).Parse(context.Background(), &buf, "book.xlsx", "")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(got.Columns) != 1 || got.Columns[0] != "first" {
		t.Errorf("Columns = %q, want [first]", got.Columns)
	}
}

func TestParser_CorruptXLSX(t *testing.T) {
	_, err := New(10).Parse(context.Background(), strings.NewReader("not a zip"), "bad.xlsx", "")
	if err == nil {
		t.Error("Parse() of corrupt workbook succeeded, want error")
	}
}

func TestParser_Unsupported(t *testing.T) {
	_, err := New(10).Parse(context.Background(), strings.NewReader("%PDF"), "a.pdf", "application/pdf")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Parse() error = %v, want ErrUnsupportedFormat", err)
	}
}

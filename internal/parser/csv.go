package parser

import (
	"bufio"
	"encoding/csv"
	"io"
)

func newCSVSource(r io.Reader) rowSource {
	br := bufio.NewReader(r)
	// A UTF-8 byte order mark would otherwise stick to the first header.
	if bom, err := br.Peek(3); err == nil && string(bom) == "\ufeff" {
		br.Discard(3)
	}
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return cr.Read
}

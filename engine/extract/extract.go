// Package extract turns spreadsheet workbooks into normalized records ready
// for embedding. Extraction is best-effort: malformed rows are silently
// dropped rather than failing the whole workbook.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/bidsmith-ai/bidsmith/pkg/fn"
	"github.com/xuri/excelize/v2"
)

// Uncategorized is the category bucket for rows without a Category field.
const Uncategorized = "uncategorized"

// categoryField is the header whose value groups rows within a sheet.
const categoryField = "Category"

// Record is one normalized spreadsheet row.
type Record struct {
	Category string
	Sheet    string
	Text     string
	Fields   map[string]string
}

// Workbook parses an in-memory spreadsheet document and returns the extracted
// records plus the sheet names encountered, preserving sheet and row order.
// An unreadable document is the only error case.
func Workbook(data []byte) ([]Record, []string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("extract: open workbook: %w", err)
	}
	defer f.Close()

	var records []Record
	var sheets []string

	for _, sheet := range f.GetSheetList() {
		sheets = append(sheets, sheet)

		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) < 2 {
			continue
		}

		headers := headerRow(rows[0])
		if len(headers) == 0 {
			continue
		}

		records = append(records, fn.FilterMap(rows[1:], func(row []string) (Record, bool) {
			return rowRecord(sheet, headers, row)
		})...)
	}

	return records, fn.Unique(sheets), nil
}

// header pairs a column index with its trimmed name.
type header struct {
	col  int
	name string
}

// headerRow reads row 1 as column headers, dropping empty cells positionally.
func headerRow(row []string) []header {
	var out []header
	for i, cell := range row {
		name := strings.TrimSpace(cell)
		if name == "" {
			continue
		}
		out = append(out, header{col: i, name: name})
	}
	return out
}

// rowRecord builds a Record from one data row. Returns false for rows that
// yield no fields or whose rendered text is empty.
func rowRecord(sheet string, headers []header, row []string) (Record, bool) {
	fields := make(map[string]string, len(headers))
	var text strings.Builder

	for _, h := range headers {
		if h.col >= len(row) {
			continue
		}
		val := strings.TrimSpace(row[h.col])
		if val == "" {
			continue
		}
		fields[h.name] = val
		if text.Len() > 0 {
			text.WriteByte('\n')
		}
		text.WriteString(h.name)
		text.WriteString(": ")
		text.WriteString(val)
	}

	if len(fields) == 0 {
		return Record{}, false
	}
	rendered := strings.TrimSpace(text.String())
	if rendered == "" {
		return Record{}, false
	}

	category := fields[categoryField]
	if category == "" {
		category = Uncategorized
	}

	return Record{
		Category: category,
		Sheet:    sheet,
		Text:     rendered,
		Fields:   fields,
	}, true
}

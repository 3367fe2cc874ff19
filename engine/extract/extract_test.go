package extract

import (
	"testing"

	"github.com/xuri/excelize/v2"
)

// buildWorkbook creates an xlsx document from per-sheet cell grids.
func buildWorkbook(t *testing.T, sheets map[string][][]string) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	first := true
	for name, rows := range sheets {
		if first {
			f.SetSheetName("Sheet1", name)
			first = false
		} else {
			if _, err := f.NewSheet(name); err != nil {
				t.Fatalf("new sheet: %v", err)
			}
		}
		for r, row := range rows {
			for c, val := range row {
				cell, _ := excelize.CoordinatesToCellName(c+1, r+1)
				if err := f.SetCellValue(name, cell, val); err != nil {
					t.Fatalf("set cell: %v", err)
				}
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf.Bytes()
}

func TestWorkbook_Basic(t *testing.T) {
	data := buildWorkbook(t, map[string][][]string{
		"Security": {
			{"Category", "Question", "Answer"},
			{"Compliance", "Is data encrypted at rest?", "Yes, AES-256"},
			{"Access", "Do you support SSO?", "Yes, SAML and OIDC"},
		},
	})

	records, sheets, err := Workbook(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sheets) != 1 || sheets[0] != "Security" {
		t.Fatalf("sheets: %v", sheets)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	r := records[0]
	if r.Category != "Compliance" || r.Sheet != "Security" {
		t.Errorf("record meta: %+v", r)
	}
	want := "Category: Compliance\nQuestion: Is data encrypted at rest?\nAnswer: Yes, AES-256"
	if r.Text != want {
		t.Errorf("text rendering:\ngot  %q\nwant %q", r.Text, want)
	}
	if r.Fields["Question"] != "Is data encrypted at rest?" {
		t.Errorf("fields: %v", r.Fields)
	}
}

func TestWorkbook_Uncategorized(t *testing.T) {
	data := buildWorkbook(t, map[string][][]string{
		"General": {
			{"Question", "Answer"},
			{"What is your SLA?", "99.9%"},
		},
	})

	records, _, err := Workbook(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Category != Uncategorized {
		t.Errorf("expected %q, got %q", Uncategorized, records[0].Category)
	}
}

func TestWorkbook_EmptyHeadersDroppedPositionally(t *testing.T) {
	data := buildWorkbook(t, map[string][][]string{
		"S": {
			{"A", "", "C"},
			{"one", "ignored", "three"},
		},
	})

	records, _, err := Workbook(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if _, ok := r.Fields[""]; ok {
		t.Error("empty header must be dropped")
	}
	if r.Fields["A"] != "one" || r.Fields["C"] != "three" {
		t.Errorf("positional mapping broken: %v", r.Fields)
	}
	if r.Text != "A: one\nC: three" {
		t.Errorf("text: %q", r.Text)
	}
}

func TestWorkbook_BlankRowsDropped(t *testing.T) {
	data := buildWorkbook(t, map[string][][]string{
		"S": {
			{"Question", "Answer"},
			{"  ", " "},
			{"real question", "real answer"},
		},
	})

	records, _, err := Workbook(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("blank rows must be excluded, got %d records", len(records))
	}
}

func TestWorkbook_MalformedDocument(t *testing.T) {
	if _, _, err := Workbook([]byte("not a workbook")); err == nil {
		t.Fatal("expected error for unreadable document")
	}
}

func TestWorkbook_ShortRows(t *testing.T) {
	data := buildWorkbook(t, map[string][][]string{
		"S": {
			{"Category", "Question", "Answer"},
			{"Legal", "Indemnification terms?"},
		},
	})

	records, _, err := Workbook(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if _, ok := records[0].Fields["Answer"]; ok {
		t.Error("missing trailing cell must not appear in fields")
	}
}

package formats

import (
	"errors"
	"strings"
	"testing"
)

func TestCSVParser_WithHeader(t *testing.T) {
	input := "MemberID,ServiceDate,cpt_code\nM-001,2024-03-01,99213\nM-002,2024-03-02,99214\n"
	p := &CSVParser{}

	records, err := p.Parse(strings.NewReader(input), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0]["MemberID"] != "M-001" || records[1]["cpt_code"] != "99214" {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestCSVParser_PipeDelimiterNoHeader(t *testing.T) {
	input := "M-001|2024-03-01|99213\n"
	p := &CSVParser{}

	records, err := p.Parse(strings.NewReader(input), map[string]any{
		"delimiter":  "|",
		"has_header": false,
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0]["col_0"] != "M-001" || records[0]["col_2"] != "99213" {
		t.Errorf("unexpected record: %+v", records[0])
	}
}

func TestCSVParser_RaggedRows(t *testing.T) {
	input := "a,b,c\n1,2,3\n4,5\n"
	p := &CSVParser{}

	records, err := p.Parse(strings.NewReader(input), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if _, ok := records[1]["c"]; ok {
		t.Errorf("short row grew a column: %+v", records[1])
	}
}

func TestCSVParser_BadDelimiter(t *testing.T) {
	p := &CSVParser{}
	_, err := p.Parse(strings.NewReader("a,b\n"), map[string]any{"delimiter": "||"})
	if err == nil {
		t.Fatal("multi-character delimiter accepted")
	}
}

func TestJSONParser_Array(t *testing.T) {
	input := `[{"id": "1"}, {"id": "2"}]`
	p := &JSONParser{}

	records, err := p.Parse(strings.NewReader(input), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 2 || records[1]["id"] != "2" {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestJSONParser_SingleObject(t *testing.T) {
	p := &JSONParser{}
	records, err := p.Parse(strings.NewReader(`{"id": "1", "amount": 12.5}`), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 1 || records[0]["amount"] != 12.5 {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestJSONParser_NDJSON(t *testing.T) {
	input := "{\"id\": \"1\"}\n{\"id\": \"2\"}\n{\"id\": \"3\"}\n"
	p := &JSONParser{}

	records, err := p.Parse(strings.NewReader(input), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 3 || records[2]["id"] != "3" {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestJSONParser_Empty(t *testing.T) {
	p := &JSONParser{}
	records, err := p.Parse(strings.NewReader("  \n"), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
}

func TestFor_UnsupportedFormat(t *testing.T) {
	_, err := For("edi_837p")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestSupported(t *testing.T) {
	names := Supported()
	want := map[string]bool{"csv": false, "json": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Errorf("%s not registered", n)
		}
	}
}

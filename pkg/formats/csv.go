package formats

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// CSVParser reads delimited files. Options: "delimiter" (single character,
// default ","), "has_header" (default true). Without a header row, columns
// are named col_0, col_1, ...
type CSVParser struct{}

func (p *CSVParser) Parse(r io.Reader, options map[string]any) ([]map[string]any, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	if d := optString(options, "delimiter", ","); d != "" {
		runes := []rune(d)
		if len(runes) != 1 {
			return nil, fmt.Errorf("delimiter must be a single character, got %q", d)
		}
		reader.Comma = runes[0]
	}
	hasHeader := optBool(options, "has_header", true)

	var header []string
	var records []map[string]any
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if header == nil {
			if hasHeader {
				header = make([]string, len(row))
				for i, h := range row {
					header[i] = strings.TrimSpace(h)
				}
				continue
			}
			header = make([]string, len(row))
			for i := range row {
				header[i] = fmt.Sprintf("col_%d", i)
			}
		}

		rec := make(map[string]any, len(header))
		for i, val := range row {
			name := fmt.Sprintf("col_%d", i)
			if i < len(header) {
				name = header[i]
			}
			rec[name] = val
		}
		records = append(records, rec)
	}
	return records, nil
}

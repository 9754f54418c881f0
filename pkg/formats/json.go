package formats

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// JSONParser reads JSON claim files in three shapes: a top-level array of
// objects, a single object, or newline-delimited JSON. The shape is
// detected from the first non-whitespace byte.
type JSONParser struct{}

func (p *JSONParser) Parse(r io.Reader, options map[string]any) ([]map[string]any, error) {
	br := bufio.NewReader(r)

	first, err := firstNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	if first == '[' {
		var arr []map[string]any
		if err := json.NewDecoder(br).Decode(&arr); err != nil {
			return nil, fmt.Errorf("decode json array: %w", err)
		}
		return arr, nil
	}

	// Object start: either one record or NDJSON. Decode objects until the
	// stream ends; a stream of one is a single-object file.
	dec := json.NewDecoder(br)
	var records []map[string]any
	for {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode json object: %w", err)
		}
		records = append(records, obj)
	}
	return records, nil
}

func firstNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

package mapper

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/meridianhealth/ingest/pkg/schema"
)

// itemKeys are the source keys treated as claim-line collections.
var itemKeys = []string{"items", "lines", "claim_lines", "service_lines", "details"}

// Flatten flattens nested maps with dot notation. Each leaf key is also
// surfaced unqualified (first occurrence wins) so aliases match either form.
// List values are passed through untouched.
func Flatten(record map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", record)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		qualified := k
		if prefix != "" {
			qualified = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, qualified, nested)
			continue
		}
		out[qualified] = v
		if prefix != "" {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
	}
}

// Transform normalizes one source record into canonical shape: successfully
// mapped fields merged with grouped sub-structures (member, provider, items).
func (m *Mapper) Transform(ctx context.Context, record map[string]any, overrides map[string]string) (map[string]any, error) {
	items, rest := splitItems(record)

	out := make(map[string]any)
	member := make(map[string]any)
	provider := make(map[string]any)
	implicitItem := make(map[string]any)

	flat := Flatten(rest)
	for field, value := range flat {
		// Dot-qualified duplicates of an unqualified leaf resolve to the
		// same canonical name; the unqualified pass is enough.
		res, err := m.Resolve(ctx, leafName(field), overrides, nil)
		if err != nil {
			return nil, err
		}
		if res == nil {
			continue
		}
		def, ok := m.catalog.Field(res.TargetField)
		if !ok {
			continue
		}
		coerced := coerceValue(def.Type, value)
		switch def.Group {
		case schema.GroupMember:
			member[res.TargetField] = coerced
		case schema.GroupProvider:
			provider[res.TargetField] = coerced
		case schema.GroupItem:
			implicitItem[res.TargetField] = coerced
		default:
			out[res.TargetField] = coerced
		}
	}

	var mappedItems []map[string]any
	for _, item := range items {
		mapped, err := m.transformItem(ctx, item, overrides)
		if err != nil {
			return nil, err
		}
		if len(mapped) > 0 {
			mappedItems = append(mappedItems, mapped)
		}
	}
	// A flat record with line fields at the top level becomes one item.
	if len(mappedItems) == 0 && len(implicitItem) > 0 {
		mappedItems = append(mappedItems, implicitItem)
	}

	if len(member) > 0 {
		out["member"] = member
	}
	if len(provider) > 0 {
		out["provider"] = provider
	}
	if len(mappedItems) > 0 {
		out["items"] = mappedItems
	}
	return out, nil
}

// transformItem flattens and maps a single claim line via the same rules.
func (m *Mapper) transformItem(ctx context.Context, item map[string]any, overrides map[string]string) (map[string]any, error) {
	out := make(map[string]any)
	for field, value := range Flatten(item) {
		res, err := m.Resolve(ctx, leafName(field), overrides, nil)
		if err != nil {
			return nil, err
		}
		if res == nil {
			continue
		}
		def, ok := m.catalog.Field(res.TargetField)
		if !ok {
			continue
		}
		out[res.TargetField] = coerceValue(def.Type, value)
	}
	return out, nil
}

// splitItems extracts claim-line collections from a record.
func splitItems(record map[string]any) (items []map[string]any, rest map[string]any) {
	rest = make(map[string]any, len(record))
	for k, v := range record {
		if isItemKey(k) {
			switch lines := v.(type) {
			case []map[string]any:
				items = append(items, lines...)
				continue
			case []any:
				for _, line := range lines {
					if lm, ok := line.(map[string]any); ok {
						items = append(items, lm)
					}
				}
				continue
			}
		}
		rest[k] = v
	}
	return items, rest
}

func isItemKey(k string) bool {
	for _, key := range itemKeys {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

func leafName(field string) string {
	if i := strings.LastIndex(field, "."); i >= 0 {
		return field[i+1:]
	}
	return field
}

// coerceValue converts a raw value to the canonical field type, leaving it
// untouched when conversion is not possible.
func coerceValue(t schema.FieldType, v any) any {
	switch t {
	case schema.TypeInt:
		switch n := v.(type) {
		case int, int32, int64:
			return v
		case float64:
			return int(n)
		case float32:
			return int(n)
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return i
			}
		}
	case schema.TypeNumber:
		switch n := v.(type) {
		case float64, float32:
			return v
		case int:
			return float64(n)
		case int64:
			return float64(n)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f
			}
		}
	case schema.TypeDate:
		if ts, ok := v.(time.Time); ok {
			return ts.UTC().Format("2006-01-02")
		}
	case schema.TypeStringList:
		switch list := v.(type) {
		case []string:
			return v
		case []any:
			out := make([]string, 0, len(list))
			for _, e := range list {
				out = append(out, fmt.Sprint(e))
			}
			return out
		case string:
			if list == "" {
				return []string{}
			}
			parts := strings.Split(list, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return parts
		}
	}
	return v
}

// NormalizeValue applies the light pass-through normalization used when no
// mapping is loaded: timestamps to ISO strings, bytes to UTF-8 or hex.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case []byte:
		if utf8.Valid(val) {
			return string(val)
		}
		return hex.EncodeToString(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

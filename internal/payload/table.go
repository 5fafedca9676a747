package payload

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// DocIDPattern matches ERP-style document identifiers such as
// ACC-SINV-2025-00001. Values matching it are treated as exact document
// references and never fuzzy-matched.
var DocIDPattern = regexp.MustCompile(`\b[A-Z]{2,}-[A-Z0-9]+-\d{4}-\d+\b`)

// numericFieldtypes are source-system column types that always carry
// numbers.
var numericFieldtypes = map[string]struct{}{
	"currency": {},
	"float":    {},
	"int":      {},
	"percent":  {},
	"number":   {},
}

// IsNumericFieldtype reports whether a column fieldtype is numeric.
func IsNumericFieldtype(fieldtype string) bool {
	_, ok := numericFieldtypes[strings.ToLower(strings.TrimSpace(fieldtype))]
	return ok
}

// ParseNumber converts a cell value to float64. Strings are parsed
// after stripping thousands separators and currency-style whitespace.
// The second return is false when the value is not numeric.
func ParseNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case bool, nil:
		return 0, false
	default:
		return 0, false
	}
}

// IsNumericColumn reports whether the column holds numbers, either by
// declared fieldtype or because at least half of a value sample parses
// as a number.
func IsNumericColumn(col Column, rows []Row) bool {
	if IsNumericFieldtype(col.Fieldtype) {
		return true
	}
	sample := rows
	if len(sample) > 20 {
		sample = sample[:20]
	}
	seen, numeric := 0, 0
	for _, r := range sample {
		v, ok := r[col.Fieldname]
		if !ok || v == nil {
			continue
		}
		seen++
		if _, ok := ParseNumber(v); ok {
			numeric++
		}
	}
	return seen > 0 && numeric*2 >= seen
}

// ColumnByField returns the column with the given fieldname, matched
// case-insensitively. The second return is false when absent.
func (t Table) ColumnByField(fieldname string) (Column, bool) {
	want := strings.ToLower(strings.TrimSpace(fieldname))
	for _, c := range t.Columns {
		if strings.ToLower(c.Fieldname) == want {
			return c, true
		}
	}
	return Column{}, false
}

// CellString renders a row value for matching and display.
func CellString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		if s {
			return "true"
		}
		return "false"
	default:
		return strings.TrimSpace(stringify(v))
	}
}

func stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}

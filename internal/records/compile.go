package records

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/tally/internal/pipeline"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var comparisonOps = map[string]string{
	"=":    "=",
	"!=":   "!=",
	"<":    "<",
	"<=":   "<=",
	">":    ">",
	">=":   ">=",
	"like": "LIKE",
	"in":   "IN",
}

// compileListing builds one parameterized SELECT for a listing query.
// Values are never interpolated; every query carries a deterministic
// ORDER BY with a rowid tiebreaker. Filter and order fields must be
// actual table columns.
func compileListing(table string, cols []string, q pipeline.RecordQuery) (string, []any, error) {
	colSet := make(map[string]bool, len(cols))
	for _, c := range cols {
		colSet[c] = true
	}

	selectClause, err := compileFields(q.Fields, colSet)
	if err != nil {
		return "", nil, err
	}

	whereClause, params, err := compileFilters(q.Filters, colSet)
	if err != nil {
		return "", nil, err
	}

	orderClause, err := compileOrderBy(q.OrderBy, colSet)
	if err != nil {
		return "", nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	params = append(params, limit)

	stmt := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT ?",
		selectClause, quoteIdent(table), whereClause, orderClause)
	return stmt, params, nil
}

func compileFields(fields []string, colSet map[string]bool) (string, error) {
	if len(fields) == 0 {
		return "*", nil
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if !identPattern.MatchString(f) {
			return "", fmt.Errorf("invalid field name %q", f)
		}
		if !colSet[f] {
			return "", fmt.Errorf("unknown field %q", f)
		}
		parts = append(parts, quoteIdent(f))
	}
	return strings.Join(parts, ", "), nil
}

// compileFilters renders the WHERE clause. Filter values are either a
// scalar (equality), an [op, value] pair, or ["between", [lo, hi]].
// Keys are sorted so the statement text is stable.
func compileFilters(filters map[string]any, colSet map[string]bool) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	var params []any
	for _, field := range keys {
		if !identPattern.MatchString(field) {
			return "", nil, fmt.Errorf("invalid filter field %q", field)
		}
		if !colSet[field] {
			return "", nil, fmt.Errorf("unknown filter field %q", field)
		}

		frag, fragParams, err := compileCondition(field, filters[field])
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, frag)
		params = append(params, fragParams...)
	}
	return " WHERE " + strings.Join(parts, " AND "), params, nil
}

func compileCondition(field string, value any) (string, []any, error) {
	col := quoteIdent(field)

	pair, ok := value.([]any)
	if !ok {
		return col + " = ?", []any{value}, nil
	}
	if len(pair) != 2 {
		return "", nil, fmt.Errorf("filter %s: want [op, value], got %d element(s)", field, len(pair))
	}

	op := strings.ToLower(strings.TrimSpace(fmt.Sprint(pair[0])))
	if op == "between" {
		span, ok := pair[1].([]any)
		if !ok || len(span) != 2 {
			return "", nil, fmt.Errorf("filter %s: between wants [lo, hi]", field)
		}
		return col + " BETWEEN ? AND ?", []any{span[0], span[1]}, nil
	}

	sqlOp, ok := comparisonOps[op]
	if !ok {
		return "", nil, fmt.Errorf("filter %s: unsupported operator %q", field, op)
	}
	if sqlOp == "IN" {
		vals, ok := pair[1].([]any)
		if !ok || len(vals) == 0 {
			return "", nil, fmt.Errorf("filter %s: in wants a non-empty list", field)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
		return fmt.Sprintf("%s IN (%s)", col, placeholders), vals, nil
	}
	return fmt.Sprintf("%s %s ?", col, sqlOp), []any{pair[1]}, nil
}

// compileOrderBy validates "field [asc|desc], ..." clauses against the
// table's columns, dropping unknown fields, and appends a rowid
// tiebreaker so result order is deterministic.
func compileOrderBy(orderBy string, colSet map[string]bool) (string, error) {
	var parts []string
	for _, term := range strings.Split(orderBy, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		fields := strings.Fields(term)
		name := fields[0]
		if !identPattern.MatchString(name) {
			return "", fmt.Errorf("invalid order field %q", name)
		}
		if !colSet[name] {
			continue
		}
		dir := "ASC"
		if len(fields) > 1 {
			switch strings.ToUpper(fields[1]) {
			case "ASC":
			case "DESC":
				dir = "DESC"
			default:
				return "", fmt.Errorf("invalid order direction %q", fields[1])
			}
		}
		parts = append(parts, quoteIdent(name)+" "+dir)
	}
	parts = append(parts, "rowid ASC")
	return strings.Join(parts, ", "), nil
}

// quoteIdent wraps an identifier in double quotes. Table names may
// carry spaces ("tabSales Invoice"); embedded quotes are doubled.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

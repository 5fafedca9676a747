package records

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/pipeline"
)

func invoiceColumns() []string {
	return []string{"name", "posting_date", "customer", "grand_total", "company", "status", "modified", "creation"}
}

func TestCompileListing(t *testing.T) {
	stmt, params, err := compileListing("tabSales Invoice", invoiceColumns(), pipeline.RecordQuery{
		Doctype: "Sales Invoice",
		Fields:  []string{"name", "posting_date"},
		Filters: map[string]any{
			"company":      "ACME",
			"posting_date": []any{"between", []any{"2025-06-01", "2025-06-30"}},
		},
		OrderBy: "posting_date desc, modified desc",
		Limit:   5,
	})
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT "name", "posting_date" FROM "tabSales Invoice"`+
			` WHERE "company" = ? AND "posting_date" BETWEEN ? AND ?`+
			` ORDER BY "posting_date" DESC, "modified" DESC, rowid ASC LIMIT ?`,
		stmt)
	assert.Equal(t, []any{"ACME", "2025-06-01", "2025-06-30", 5}, params)
}

func TestCompileListingDefaults(t *testing.T) {
	stmt, params, err := compileListing("tabToDo", []string{"name", "status"}, pipeline.RecordQuery{})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "tabToDo" ORDER BY rowid ASC LIMIT ?`, stmt)
	assert.Equal(t, []any{20}, params)
}

func TestCompileListingStableFilterOrder(t *testing.T) {
	q := pipeline.RecordQuery{
		Fields:  []string{"name"},
		Filters: map[string]any{"status": "Paid", "company": "ACME", "customer": "Globex"},
		Limit:   1,
	}
	first, _, err := compileListing("tabSales Invoice", invoiceColumns(), q)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, _, err := compileListing("tabSales Invoice", invoiceColumns(), q)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCompileCondition(t *testing.T) {
	tests := []struct {
		name       string
		value      any
		wantSQL    string
		wantParams []any
		wantErr    bool
	}{
		{name: "scalar equality", value: "ACME", wantSQL: `"f" = ?`, wantParams: []any{"ACME"}},
		{name: "comparison", value: []any{">=", 100}, wantSQL: `"f" >= ?`, wantParams: []any{100}},
		{name: "like", value: []any{"like", "%inv%"}, wantSQL: `"f" LIKE ?`, wantParams: []any{"%inv%"}},
		{name: "in list", value: []any{"in", []any{"a", "b"}}, wantSQL: `"f" IN (?, ?)`, wantParams: []any{"a", "b"}},
		{name: "between", value: []any{"between", []any{1, 2}}, wantSQL: `"f" BETWEEN ? AND ?`, wantParams: []any{1, 2}},
		{name: "bad operator", value: []any{"~", 1}, wantErr: true},
		{name: "bad between span", value: []any{"between", "2025"}, wantErr: true},
		{name: "empty in list", value: []any{"in", []any{}}, wantErr: true},
		{name: "wrong arity", value: []any{"="}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := compileCondition("f", tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantParams, params)
		})
	}
}

func TestCompileOrderBy(t *testing.T) {
	cols := map[string]bool{"posting_date": true, "modified": true}

	clause, err := compileOrderBy("posting_date desc, missing desc, modified asc", cols)
	require.NoError(t, err)
	assert.Equal(t, `"posting_date" DESC, "modified" ASC, rowid ASC`, clause)

	clause, err = compileOrderBy("", cols)
	require.NoError(t, err)
	assert.Equal(t, "rowid ASC", clause)

	_, err = compileOrderBy("posting_date sideways", cols)
	require.Error(t, err)

	_, err = compileOrderBy(`posting_date"; DROP TABLE x`, cols)
	require.Error(t, err)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"tabSales Invoice"`, quoteIdent("tabSales Invoice"))
	assert.Equal(t, `"a""b"`, quoteIdent(`a"b`))
}

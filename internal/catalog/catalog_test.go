package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/artifact"
	"github.com/roach88/tally/internal/constraint"
	"github.com/roach88/tally/internal/spec"
)

func demoCatalog() *Catalog {
	return &Catalog{
		Tables: []Table{
			{
				Doctype:    "Sales Invoice",
				Tokens:     []string{"sales", "invoice", "revenue"},
				FieldNames: []string{"customer", "company", "posting_date"},
			},
			{
				Doctype:    "Purchase Invoice",
				Tokens:     []string{"purchase", "invoice", "supplier"},
				FieldNames: []string{"supplier", "company"},
			},
			{
				Doctype:    "Warehouse",
				Tokens:     []string{"warehouse", "stock"},
				FieldNames: []string{"company"},
			},
			{
				Doctype:    "Holiday List",
				Tokens:     []string{"holiday"},
				FieldNames: []string{"holiday_date"},
			},
		},
		Joins: []Join{
			{FromDoctype: "Sales Invoice", Fieldname: "parent", ToDoctype: "Sales Invoice Item", JoinType: "child"},
			{FromDoctype: "Purchase Invoice", Fieldname: "set_warehouse", ToDoctype: "Warehouse"},
		},
		CapabilityProjection: Projection{
			Domains:     []string{"Sales", "Purchasing"},
			Dimensions:  []string{"customer", "supplier"},
			FilterKinds: []string{"company"},
		},
	}
}

func revenueRequest() (spec.BusinessSpec, constraint.Set) {
	sp := spec.Defaults()
	sp.Subject = "revenue by customer"
	sp.Metric = "revenue"
	cs := constraint.Set{
		Domain:              "sales",
		Metric:              "revenue",
		RequestedDimensions: []string{"customer"},
		HardFilterKinds:     []string{"company"},
	}
	return sp, cs
}

func TestRetrieveScoresAndSelects(t *testing.T) {
	sp, cs := revenueRequest()
	got := demoCatalog().Retrieve(sp, cs, DefaultTopK)

	require.True(t, got.CatalogAvailable)
	assert.Equal(t, []string{"revenue", "by", "customer", "sales", "company"}, got.QueryTokens)

	// Sales Invoice: 2 token overlaps (10) + dimension hit (4) +
	// filter-kind hit (3) + domain-in-name bonus (2).
	require.Len(t, got.SelectedTables, 3)
	top := got.SelectedTables[0]
	assert.Equal(t, "Sales Invoice", top.Doctype)
	assert.Equal(t, 19.0, top.Score)
	assert.Equal(t, []string{"revenue", "sales"}, top.OverlapTokens)

	// Purchase Invoice and Warehouse both score 3 on the company
	// field; the tie orders by doctype.
	assert.Equal(t, "Purchase Invoice", got.SelectedTables[1].Doctype)
	assert.Equal(t, "Warehouse", got.SelectedTables[2].Doctype)
	assert.Equal(t, 3.0, got.SelectedTables[1].Score)

	assert.Equal(t, 25.0, got.RetrievalScore)

	// Holiday List scores zero and must not appear.
	for _, s := range got.SelectedTables {
		assert.NotEqual(t, "Holiday List", s.Doctype)
	}
}

func TestRetrieveJoinsRequireBothEndpoints(t *testing.T) {
	sp, cs := revenueRequest()
	got := demoCatalog().Retrieve(sp, cs, DefaultTopK)

	// Sales Invoice Item is not a selected table, so its edge is
	// dropped; the Purchase Invoice -> Warehouse edge survives with
	// the default join type filled in.
	require.Len(t, got.JoinPaths, 1)
	assert.Equal(t, Join{
		FromDoctype: "Purchase Invoice",
		Fieldname:   "set_warehouse",
		ToDoctype:   "Warehouse",
		JoinType:    "link",
	}, got.JoinPaths[0])
}

func TestRetrieveTopKClamp(t *testing.T) {
	sp, cs := revenueRequest()

	got := demoCatalog().Retrieve(sp, cs, 1)
	require.Len(t, got.SelectedTables, 1)
	assert.Equal(t, "Sales Invoice", got.SelectedTables[0].Doctype)
	assert.Empty(t, got.JoinPaths)

	// topK below one still selects the single best table.
	got = demoCatalog().Retrieve(sp, cs, 0)
	require.Len(t, got.SelectedTables, 1)
}

func TestRetrieveUnavailableCatalog(t *testing.T) {
	sp, cs := revenueRequest()

	var nilCat *Catalog
	got := nilCat.Retrieve(sp, cs, DefaultTopK)
	assert.False(t, got.CatalogAvailable)
	assert.Empty(t, got.SelectedTables)
	assert.Empty(t, got.JoinPaths)
	assert.Zero(t, got.RetrievalScore)
	assert.Empty(t, got.QueryTokens)

	got = (&Catalog{}).Retrieve(sp, cs, DefaultTopK)
	assert.False(t, got.CatalogAvailable)
}

func TestRetrieveCrossFunctionalDomainNoBonus(t *testing.T) {
	sp, cs := revenueRequest()
	cs.Domain = "cross functional"
	got := demoCatalog().Retrieve(sp, cs, DefaultTopK)
	require.NotEmpty(t, got.SelectedTables)
	// Without the sales-domain bonus: 10 + 4 + 3.
	assert.Equal(t, 17.0, got.SelectedTables[0].Score)
}

func TestRetrieveProjectionLowered(t *testing.T) {
	sp, cs := revenueRequest()
	got := demoCatalog().Retrieve(sp, cs, DefaultTopK)
	assert.Equal(t, []string{"sales", "purchasing"}, got.PreferredDomains)
	assert.Equal(t, []string{"customer", "supplier"}, got.PreferredDimensions)
	assert.Equal(t, []string{"company"}, got.PreferredFilterKinds)
}

func TestQueryTokensSplitsIdentifiers(t *testing.T) {
	sp := spec.Defaults()
	sp.Subject = "sold_quantity"
	tokens := QueryTokens(sp, constraint.Set{})
	assert.Equal(t, []string{"sold", "quantity"}, tokens)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	loader := artifact.NewLoader()

	good := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(good, []byte(`{
		"schema_version": "db_semantic_catalog_v1",
		"catalog": {
			"tables": [{"doctype": "Sales Invoice", "tokens": ["sales"], "field_names": ["customer"]}],
			"joins": [{"from_doctype": "Sales Invoice", "to_doctype": "Sales Invoice Item", "fieldname": "parent", "join_type": "child"}]
		}
	}`), 0o644))

	cat, err := Load(loader, good)
	require.NoError(t, err)
	require.Len(t, cat.Tables, 1)
	assert.Equal(t, "Sales Invoice", cat.Tables[0].Doctype)
	require.Len(t, cat.Joins, 1)

	stale := filepath.Join(dir, "stale.json")
	require.NoError(t, os.WriteFile(stale, []byte(`{"schema_version": "db_semantic_catalog_v0", "catalog": {"tables": []}}`), 0o644))
	_, err = Load(loader, stale)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema_version")

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"schema_version": "db_semantic_catalog_v1", "catalog": {"tables": [{"tokens": ["x"]}]}}`), 0o644))
	_, err = Load(loader, invalid)
	require.Error(t, err)
}

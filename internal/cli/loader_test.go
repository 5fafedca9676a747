package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/artifact"
	"github.com/roach88/tally/internal/ontology"
)

const capabilityArtifact = `{
	"version": "v1",
	"rows": [
		{
			"name": "Sales Register",
			"family": "Accounts",
			"confidence": 0.85,
			"requirements_known": true,
			"supported_filters": [
				{"name": "company", "kind": "company", "required": true},
				{"name": "customer", "kind": "customer"},
				{"name": "from_date", "kind": "from_date"},
				{"name": "to_date", "kind": "to_date"}
			],
			"metrics": ["revenue"],
			"dimensions": ["customer"],
			"primary_dimension": "customer",
			"domains": ["sales"],
			"time_modes": ["range", "as_of"]
		},
		{
			"name": "Stock Balance",
			"family": "Stock",
			"stale": true
		}
	]
}`

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCapabilities(t *testing.T) {
	path := writeTempFile(t, "capabilities.json", capabilityArtifact)

	idx, err := LoadCapabilities(artifact.NewLoader(), ontology.Default(), path, time.Now())
	require.NoError(t, err)
	require.NotNil(t, idx)
	assert.Equal(t, 2, idx.ReportCount)

	row, ok := idx.Row("Sales Register")
	require.True(t, ok)
	assert.Equal(t, "Accounts", row.ReportFamily)
	assert.Equal(t, []string{"company"}, row.Constraints.RequiredFilterKinds)
	assert.Contains(t, row.Constraints.SupportedFilterKinds, "customer")
	assert.Equal(t, []string{"sales"}, row.Semantics.DomainHints)
	assert.Equal(t, "customer", row.Semantics.PrimaryDimension)
	assert.InDelta(t, 0.85, row.Metadata.Confidence, 1e-9)
	assert.True(t, row.Metadata.Fresh)
	assert.True(t, row.TimeSupport.Range)
	assert.True(t, row.TimeSupport.AsOf)
	assert.True(t, row.TimeSupport.Any)
	assert.False(t, row.Constraints.RequirementsUnknown)

	stale, ok := idx.Row("Stock Balance")
	require.True(t, ok)
	assert.False(t, stale.Metadata.Fresh)
	assert.True(t, stale.Constraints.RequirementsUnknown)
}

func TestLoadCapabilitiesRejectsBadArtifact(t *testing.T) {
	path := writeTempFile(t, "capabilities.json", `{"rows": [{"name": "X"}]}`)

	_, err := LoadCapabilities(artifact.NewLoader(), ontology.Default(), path, time.Now())
	require.Error(t, err)

	loadErr, ok := err.(*LoadError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeSchemaInvalid, loadErr.Code)
}

func TestLoadCapabilitiesMissingFile(t *testing.T) {
	_, err := LoadCapabilities(artifact.NewLoader(), ontology.Default(), filepath.Join(t.TempDir(), "nope.json"), time.Now())
	require.Error(t, err)

	loadErr, ok := err.(*LoadError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeNotFound, loadErr.Code)
}

func TestLoadSpecObject(t *testing.T) {
	path := writeTempFile(t, "spec.json", `{"intent": "READ", "metric": "revenue"}`)

	obj, err := LoadSpecObject(path)
	require.NoError(t, err)
	assert.Equal(t, "READ", obj["intent"])

	_, err = LoadSpecObject(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	bad := writeTempFile(t, "bad.json", `not json`)
	_, err = LoadSpecObject(bad)
	require.Error(t, err)
}

func TestResolveKind(t *testing.T) {
	tests := []struct {
		flag string
		path string
		want artifact.Kind
		ok   bool
	}{
		{flag: "capability_rows", path: "x.json", want: artifact.KindCapability, ok: true},
		{flag: "", path: "prod_capabilities.json", want: artifact.KindCapability, ok: true},
		{flag: "", path: "ontology_overlay.json", want: artifact.KindOntology, ok: true},
		{flag: "", path: "contract.json", want: artifact.KindContract, ok: true},
		{flag: "", path: "semantic_catalog.json", want: artifact.KindCatalog, ok: true},
		{flag: "bogus", path: "x.json", ok: false},
		{flag: "", path: "mystery.json", ok: false},
	}
	for _, tt := range tests {
		kind, err := resolveKind(tt.flag, tt.path)
		if !tt.ok {
			assert.Error(t, err, "flag=%q path=%q", tt.flag, tt.path)
			continue
		}
		require.NoError(t, err, "flag=%q path=%q", tt.flag, tt.path)
		assert.Equal(t, tt.want, kind)
	}
}

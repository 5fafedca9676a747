package contract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	r := Defaults()

	intents := r.AllowedSpecValues("intents")
	assert.Contains(t, intents, "read")
	assert.Contains(t, intents, "transform_last")
	assert.NotContains(t, intents, "write")

	assert.Contains(t, r.CanonicalDimensionSet(), "warehouse")
	assert.Equal(t, "inventory", r.DomainFromDimension("warehouse"))
	assert.Equal(t, "", r.DomainFromDimension("item"))

	assert.True(t, r.AllowedBlockerReason("entity_ambiguous"))
	assert.False(t, r.AllowedBlockerReason("model_uncertain"))
}

func TestQuestions(t *testing.T) {
	r := Defaults()

	assert.Equal(t, "Which warehouse should I use?", r.QuestionForFilterKind("warehouse"))
	assert.Equal(t, "Which value should I use for fiscal year?", r.QuestionForFilterKind("fiscal_year"))
	assert.Equal(t, r.Clarification.FallbackQuestion, r.QuestionForFilterKind(""))
	assert.Equal(t, r.Clarification.FallbackQuestion, r.DefaultQuestion("resolver_pipeline_error"))
	assert.NotEmpty(t, r.DefaultQuestion("entity_no_match"))
}

func TestLoadOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.json")
	overlay := `{
		"spec_contract": {
			"version": "spec_contract_v2",
			"allowed": {"domains": ["logistics"]}
		},
		"clarification_contract": {
			"questions_by_filter_kind": {"cost_center": "Which cost center should I use?"}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(overlay), 0o644))

	r, err := Load(path, filepath.Join(dir, "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, "spec_contract_v2", r.Spec.Version)
	assert.Contains(t, r.AllowedSpecValues("domains"), "logistics")
	assert.Contains(t, r.AllowedSpecValues("domains"), "sales")
	assert.Equal(t, "Which cost center should I use?", r.QuestionForFilterKind("cost_center"))
}

func TestLoadRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

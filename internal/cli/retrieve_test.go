package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/catalog"
)

const catalogArtifact = `{
  "schema_version": "db_semantic_catalog_v1",
  "catalog": {
    "tables": [
      {
        "doctype": "Sales Invoice",
        "tokens": ["sales", "invoice", "revenue", "customer"],
        "field_names": ["customer", "grand_total", "posting_date"],
        "link_targets": ["Customer", "Company"]
      },
      {
        "doctype": "Stock Ledger Entry",
        "tokens": ["stock", "warehouse", "qty"],
        "field_names": ["item_code", "warehouse", "actual_qty"]
      }
    ],
    "joins": [
      {
        "from_doctype": "Sales Invoice",
        "fieldname": "customer",
        "to_doctype": "Customer",
        "join_type": "link"
      }
    ]
  }
}`

func TestRetrieveCommandSelectsMatchingTables(t *testing.T) {
	path := writeTempFile(t, "catalog.json", catalogArtifact)

	out, err := executeCommand(t, "--format", "json", "retrieve",
		"--catalog", path,
		"-m", "sales revenue by customer")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var envelope catalog.Context
	require.NoError(t, json.Unmarshal(data, &envelope))

	assert.True(t, envelope.CatalogAvailable)
	require.NotEmpty(t, envelope.SelectedTables)
	assert.Equal(t, "Sales Invoice", envelope.SelectedTables[0].Doctype)
	assert.Greater(t, envelope.SelectedTables[0].Score, 0.0)
}

func TestRetrieveCommandTextOutput(t *testing.T) {
	path := writeTempFile(t, "catalog.json", catalogArtifact)

	out, err := executeCommand(t, "retrieve", "--catalog", path, "-m", "sales revenue")
	require.NoError(t, err)
	assert.Contains(t, out, "Sales Invoice")
	assert.Contains(t, out, "query tokens:")
}

func TestRetrieveCommandNeedsMessageOrSpec(t *testing.T) {
	path := writeTempFile(t, "catalog.json", catalogArtifact)

	_, err := executeCommand(t, "retrieve", "--catalog", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRetrieveCommandMissingCatalogFile(t *testing.T) {
	_, err := executeCommand(t, "retrieve", "--catalog", "no_such_catalog.json", "-m", "sales")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRetrieveCommandHonorsTopK(t *testing.T) {
	path := writeTempFile(t, "catalog.json", catalogArtifact)

	out, err := executeCommand(t, "--format", "json", "retrieve",
		"--catalog", path,
		"-m", "sales stock warehouse revenue",
		"--top-k", "1")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var envelope catalog.Context
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.LessOrEqual(t, len(envelope.SelectedTables), 1)
}

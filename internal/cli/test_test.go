package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestCommandRunsScenarios(t *testing.T) {
	out, err := executeCommand(t, "test", filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ clarify")
	assert.Contains(t, out, "1 passed, 0 failed")
}

func TestTestCommandJSONOutput(t *testing.T) {
	out, err := executeCommand(t, "--format", "json", "test", filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var summaries []ScenarioSummary
	require.NoError(t, json.Unmarshal(data, &summaries))
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].Pass)
	assert.Equal(t, 1, summaries[0].Turns)
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := t.TempDir()
	body := `name: wrong_expectation
turns:
  - message: numbers please
    spec:
      intent: READ
    expect:
      payload_type: report_table
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(body), 0o644))

	out, err := executeCommand(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_expectation")
}

func TestTestCommandEmptyDir(t *testing.T) {
	_, err := executeCommand(t, "test", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandMissingDir(t *testing.T) {
	_, err := executeCommand(t, "test", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

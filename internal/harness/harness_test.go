package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runScenarioFile(t *testing.T, name string) *Result {
	t.Helper()
	sc, err := LoadScenario(filepath.Join("testdata", "scenarios", name))
	require.NoError(t, err)
	return NewRunner().Run(context.Background(), sc)
}

func TestRunSalesRanking(t *testing.T) {
	res := runScenarioFile(t, "sales_ranking.yaml")
	assert.True(t, res.Pass, "errors: %v", res.Errors)
	require.Len(t, res.Turns, 1)

	rec := res.Turns[0]
	assert.Equal(t, "report_table", string(rec.Payload.Type))
	assert.Equal(t, "Sales Register", rec.Payload.ReportName)
	assert.Equal(t, 3, rec.RowCount())
	assert.Equal(t, "Sales Register", rec.State.ActiveTopic.ReportName)
	assert.Contains(t, rec.AuditKinds, "resolver")
	assert.Contains(t, rec.AuditKinds, "quality_gate")
}

func TestRunWriteDraftConfirm(t *testing.T) {
	res := runScenarioFile(t, "write_todo_delete.yaml")
	assert.True(t, res.Pass, "errors: %v", res.Errors)
	require.Len(t, res.Turns, 2)

	assert.Equal(t, "write_confirmation", res.Turns[0].PendingMode())
	assert.True(t, res.Turns[1].Payload.ClearPendingState)
	require.NotNil(t, res.Turns[1].Payload.WriteResult)
	assert.Equal(t, "success", res.Turns[1].Payload.WriteResult.Status)
}

func TestRunLowSignalClarify(t *testing.T) {
	res := runScenarioFile(t, "low_signal_clarify.yaml")
	assert.True(t, res.Pass, "errors: %v", res.Errors)
	require.Len(t, res.Turns, 1)
	assert.Equal(t, "planner_clarify", res.Turns[0].PendingMode())
}

func TestRunAllScenariosPass(t *testing.T) {
	results, err := NewRunner().RunAll(context.Background(), filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.True(t, res.Pass, "%s: %v", res.Scenario, res.Errors)
	}
}

func TestRunReportsExpectationFailure(t *testing.T) {
	sc := &Scenario{
		Name: "mismatch",
		Turns: []Turn{{
			Message: "numbers please",
			Spec:    map[string]any{"intent": "READ"},
			Expect:  Expectation{PayloadType: "report_table"},
		}},
	}
	require.NoError(t, sc.Validate())

	res := NewRunner().Run(context.Background(), sc)
	assert.False(t, res.Pass)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "payload_type")
}

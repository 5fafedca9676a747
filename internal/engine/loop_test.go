package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/resolver"
	"github.com/roach88/tally/internal/spec"
)

func salesTable() *payload.Table {
	return &payload.Table{
		Columns: []payload.Column{
			{Fieldname: "customer", Label: "Customer", Fieldtype: "Data"},
			{Fieldname: "revenue", Label: "Revenue", Fieldtype: "Currency"},
		},
		Rows: []payload.Row{
			{"customer": "Acme", "revenue": 2500000.0},
			{"customer": "Beta", "revenue": 7500000.0},
			{"customer": "Gamma", "revenue": 5000000.0},
		},
	}
}

func rankingSpec() spec.BusinessSpec {
	sp := spec.Defaults()
	sp.Intent = spec.IntentRead
	sp.TaskType = "ranking"
	sp.TaskClass = "analytical_report"
	sp.Subject = "top customers"
	sp.Metric = "revenue"
	sp.TopN = 5
	sp.Output.Mode = "top_n"
	sp.Output.MinimalColumns = []string{"customer", "revenue"}
	return sp
}

func resolutionFor(selected string, names ...string) resolver.Resolution {
	res := resolver.Resolution{SelectedReport: selected}
	for i, name := range names {
		score := 40 - i
		res.CandidateReports = append(res.CandidateReports, resolver.Candidate{
			ReportName: name,
			Score:      score,
			Confidence: 0.8,
		})
	}
	if len(res.CandidateReports) > 0 {
		s := res.CandidateReports[0].Score
		res.SelectedScore = &s
	}
	return res
}

func tableRunner(tables map[string]*payload.Table) Runner {
	return func(_ context.Context, reportName string, _ spec.BusinessSpec) (*payload.Payload, error) {
		t, ok := tables[reportName]
		if !ok {
			return nil, nil
		}
		p := payload.Payload{Type: payload.TypeReportTable, ReportName: reportName, Table: t}
		return &p, nil
	}
}

func TestBuildCandidateState(t *testing.T) {
	res := resolver.Resolution{
		SelectedReport: "Sales Register",
		CandidateReports: []resolver.Candidate{
			{ReportName: "Sales Analytics", Score: 38, HardBlockers: []string{"dimension_unsupported:project"}},
			{ReportName: "Sales Register", Score: 34},
			{ReportName: "Sales Register", Score: 34},
			{ReportName: "Gross Profit", Score: 20},
		},
	}
	state := BuildCandidateState(res)

	assert.Equal(t, []string{"Sales Register", "Gross Profit"}, state.Reports)
	assert.Equal(t, 0, state.Cursor)
	assert.Equal(t, "Sales Register", state.Current())
	assert.Equal(t, 34, state.Scores["Sales Register"])
	require.Len(t, state.TopCandidates, 3)
	assert.Equal(t, "Sales Analytics", state.TopCandidates[0].ReportName)
}

func TestBuildCandidateStateInsertsSelected(t *testing.T) {
	res := resolver.Resolution{
		SelectedReport: "Stock Balance",
		CandidateReports: []resolver.Candidate{
			{ReportName: "Sales Analytics", Score: 30},
		},
	}
	state := BuildCandidateState(res)
	assert.Equal(t, []string{"Stock Balance", "Sales Analytics"}, state.Reports)
	assert.Equal(t, 0, state.Cursor)
}

func TestRunSingleStepPass(t *testing.T) {
	loop := NewLoop(Config{
		Runner: tableRunner(map[string]*payload.Table{"Sales Analytics": salesTable()}),
	})
	res := resolutionFor("Sales Analytics", "Sales Analytics")
	sp := rankingSpec()

	out := loop.Run(context.Background(), Request{
		Message:      "top customers by revenue",
		Spec:         sp,
		Resolution:   res,
		Source:       "run_report",
		InitialTrace: []TraceEntry{ResolverSelectedTrace(sp, res, BuildCandidateState(res))},
	})

	assert.True(t, out.Quality.Passed())
	assert.Equal(t, 1, out.ExecutedSteps)
	assert.Equal(t, 0, out.RepairAttempts)
	assert.Equal(t, "Sales Analytics", out.SelectedReport)
	require.True(t, out.Payload.HasRows())
	assert.Equal(t, "Beta", out.Payload.Table.Rows[0]["customer"])

	require.Len(t, out.StepTrace, 3)
	assert.Equal(t, "resolver_selected", out.StepTrace[0].Action)
	assert.Equal(t, "direct_selected_report", out.StepTrace[1].Action)
	assert.Equal(t, "PASS", out.StepTrace[2].QualityVerdict)
	require.NotNil(t, out.StepTrace[2].RowCount)
	assert.Equal(t, 3, *out.StepTrace[2].RowCount)
}

func TestRunSwitchesCandidateOnEmptyRows(t *testing.T) {
	loop := NewLoop(Config{
		Runner: tableRunner(map[string]*payload.Table{
			"Sales Register": {
				Columns: salesTable().Columns,
				Rows:    []payload.Row{},
			},
			"Sales Analytics": salesTable(),
		}),
	})
	res := resolutionFor("Sales Register", "Sales Register", "Sales Analytics")

	out := loop.Run(context.Background(), Request{
		Message:    "top customers by revenue",
		Spec:       rankingSpec(),
		Resolution: res,
		Source:     "run_report",
	})

	assert.True(t, out.Quality.Passed())
	assert.Equal(t, 2, out.ExecutedSteps)
	assert.Equal(t, 1, out.CandidateSwitchAttempts)
	assert.Equal(t, "Sales Analytics", out.SelectedReport)

	var switched bool
	for _, entry := range out.StepTrace {
		if entry.Action == "switch_candidate_after_quality_fail" {
			switched = true
			assert.Equal(t, "Sales Analytics", entry.SelectedReport)
		}
	}
	assert.True(t, switched)
}

func TestRunRepeatedSignatureGuard(t *testing.T) {
	loop := NewLoop(Config{
		Runner: func(_ context.Context, reportName string, _ spec.BusinessSpec) (*payload.Payload, error) {
			p := payload.Payload{
				Type:           payload.TypeReportTable,
				ReportName:     reportName,
				Table:          salesTable(),
				RetryRequested: true,
			}
			return &p, nil
		},
	})

	out := loop.Run(context.Background(), Request{
		Message:    "top customers by revenue",
		Spec:       rankingSpec(),
		Resolution: resolutionFor("Sales Analytics", "Sales Analytics"),
		Source:     "run_report",
	})

	assert.True(t, out.RepeatedGuardTriggered)
	assert.Equal(t, repeatedGuardText, out.Payload.Text)
	assert.True(t, out.Quality.Hard())
	assert.Contains(t, out.Quality.HardFailCheckIDs, "QG02_loop_guard_not_triggered")

	var guard bool
	for _, entry := range out.StepTrace {
		if entry.Action == "guard_stop" {
			guard = true
			assert.True(t, entry.SignatureRepeated)
		}
	}
	assert.True(t, guard)
}

func TestRunFallbackClarificationAfterRepairExhausted(t *testing.T) {
	loop := NewLoop(Config{
		Runner: tableRunner(map[string]*payload.Table{
			"Sales Register": {Columns: salesTable().Columns, Rows: []payload.Row{}},
		}),
	})
	sp := rankingSpec()
	sp.Subject = "sales orders"

	out := loop.Run(context.Background(), Request{
		Message:    "top customers by revenue",
		Spec:       sp,
		Resolution: resolutionFor("Sales Register", "Sales Register"),
		Source:     "run_report",
	})

	assert.Equal(t, 2, out.ExecutedSteps)
	assert.Equal(t, 1, out.RepairAttempts)
	require.NotNil(t, out.Payload.Pending)
	pending := out.Payload.Pending
	assert.Equal(t, "planner_clarify", pending.Mode)
	assert.Equal(t, "top customers by revenue", pending.BaseQuestion)
	assert.Equal(t, resolver.ReasonHardConstraint, pending.Reason)
	assert.Equal(t, []string{"Switch to compatible report", "Keep current scope"}, pending.Options)
	assert.Equal(t, "switch_report", pending.OptionActions["switch to compatible report"])
	assert.Equal(t, "keep_current", pending.OptionActions["keep current scope"])
	assert.Equal(t, 1, pending.ClarificationRound)
	assert.Contains(t, out.Payload.Text, "couldn't reliably produce")
	assert.True(t, out.Quality.Passed())
}

func TestRunSwitchAttemptsNeverExceedCap(t *testing.T) {
	empty := &payload.Table{Columns: salesTable().Columns, Rows: []payload.Row{}}
	tables := map[string]*payload.Table{}
	names := []string{"R1", "R2", "R3", "R4", "R5", "R6"}
	for _, n := range names {
		tables[n] = empty
	}
	loop := NewLoop(Config{
		Runner:   tableRunner(tables),
		MaxSteps: 8,
	})

	out := loop.Run(context.Background(), Request{
		Message:    "top customers by revenue",
		Spec:       rankingSpec(),
		Resolution: resolutionFor("R1", names...),
		Source:     "run_report",
	})

	assert.Equal(t, 4, out.CandidateSwitchAttempts)
	assert.LessOrEqual(t, out.ExecutedSteps, 8)
	require.NotNil(t, out.Payload.Pending)
	assert.Equal(t, "planner_clarify", out.Payload.Pending.Mode)
}

func TestRunTransformWithoutPriorResult(t *testing.T) {
	loop := NewLoop(Config{})
	sp := spec.Defaults()
	sp.Intent = spec.IntentTransformLast
	sp.TaskType = "detail"
	sp.TaskClass = "transform_followup"
	sp.Subject = "previous result"

	out := loop.Run(context.Background(), Request{
		Message:    "show it in millions",
		Spec:       sp,
		Resolution: resolver.Resolution{},
		Source:     "run_report",
	})

	assert.Equal(t, missingPriorResultText, out.Payload.Text)
	assert.True(t, out.Quality.Passed())

	var action string
	for _, entry := range out.StepTrace {
		if entry.Action != "" {
			action = entry.Action
		}
	}
	assert.Equal(t, "transform_without_prior_result", action)
}

func TestRunTransformAppliesScaleFromLastResult(t *testing.T) {
	last := payload.Payload{
		Type:       payload.TypeReportTable,
		ReportName: "Sales Analytics",
		Table:      salesTable(),
	}
	loop := NewLoop(Config{
		LoadLastResult: func(context.Context) *payload.Payload { return &last },
	})
	sp := spec.Defaults()
	sp.Intent = spec.IntentTransformLast
	sp.TaskType = "detail"
	sp.TaskClass = "transform_followup"
	sp.Subject = "previous result"
	sp.Metric = "revenue"
	sp.Ambiguities = []string{"transform_scale:million"}

	res := resolutionFor("Sales Analytics", "Sales Analytics")
	out := loop.Run(context.Background(), Request{
		Message:    "show it in millions",
		Spec:       sp,
		Resolution: res,
		Source:     "run_report",
	})

	require.True(t, out.Payload.HasRows())
	assert.Equal(t, "million", out.Payload.ScaledUnit)
	assert.Equal(t, 2.5, out.Payload.Table.Rows[0]["revenue"])
}

func TestRunAutoSwitchFromQualityPending(t *testing.T) {
	calls := []string{}
	loop := NewLoop(Config{
		Runner: func(_ context.Context, reportName string, _ spec.BusinessSpec) (*payload.Payload, error) {
			calls = append(calls, reportName)
			if reportName == "Sales Register" {
				p := payload.Payload{
					Type: payload.TypeText,
					Text: "switch needed",
					Pending: &payload.PendingState{
						Mode: "planner_clarify",
						QualityClarification: map[string]any{
							"intent":           "switch_report",
							"suggested_report": "Sales Analytics",
						},
					},
				}
				return &p, nil
			}
			p := payload.Payload{Type: payload.TypeReportTable, ReportName: reportName, Table: salesTable()}
			return &p, nil
		},
	})

	out := loop.Run(context.Background(), Request{
		Message:    "top customers by revenue",
		Spec:       rankingSpec(),
		Resolution: resolutionFor("Sales Register", "Sales Register", "Sales Analytics"),
		Source:     "run_report",
	})

	assert.Equal(t, []string{"Sales Register", "Sales Analytics"}, calls)
	assert.True(t, out.Quality.Passed())
	assert.Equal(t, 1, out.CandidateSwitchAttempts)

	var autoSwitched bool
	for _, entry := range out.StepTrace {
		if entry.Action == "auto_switch_report_from_quality_pending" {
			autoSwitched = true
			assert.Equal(t, "Sales Analytics", entry.SelectedReport)
			assert.Equal(t, 1, entry.SwitchAttempt)
		}
	}
	assert.True(t, autoSwitched)
}

func TestResultToolMessageCapsTrace(t *testing.T) {
	res := Result{
		SelectedReport: "Sales Analytics",
		MaxSteps:       4,
		ExecutedSteps:  2,
	}
	for i := 0; i < 10; i++ {
		res.StepTrace = append(res.StepTrace, TraceEntry{Step: i})
	}
	msg := res.ToolMessage("run_report", "")
	assert.Contains(t, msg, `"type":"read_engine"`)
	assert.Contains(t, msg, `"selected_report":"Sales Analytics"`)
	// Step 9 only appears in entries past the embedded trace cap.
	assert.NotContains(t, msg, `{"step":9}`)
}

func TestExtractAutoSwitchPending(t *testing.T) {
	p := payload.Payload{
		Pending: &payload.PendingState{
			Mode: "planner_clarify",
			QualityClarification: map[string]any{
				"intent": "switch_report",
			},
		},
	}
	require.NotNil(t, ExtractAutoSwitchPending(p))

	attempted := p.Clone()
	attempted.Pending.QualityClarification["switch_attempt"] = 1
	assert.Nil(t, ExtractAutoSwitchPending(attempted))

	wrongIntent := p.Clone()
	wrongIntent.Pending.QualityClarification["intent"] = "keep_current"
	assert.Nil(t, ExtractAutoSwitchPending(wrongIntent))

	assert.Nil(t, ExtractAutoSwitchPending(payload.TextPayload("no pending")))
}

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/capability"
	"github.com/roach88/tally/internal/payload"
)

func fixedClock() time.Time {
	return time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
}

func salesRegisterRow() capability.Row {
	return capability.Row{
		SchemaVersion: capability.SchemaVersion,
		ReportName:    "Sales Register",
		ReportFamily:  "Accounts",
		Constraints: capability.Constraints{
			SupportedFilterKinds: []string{"company", "customer", "date", "from_date", "to_date"},
			RequiredFilterKinds:  []string{"company"},
		},
		TimeSupport: capability.TimeSupport{AsOf: true, Range: true, Any: true},
		Semantics: capability.Semantics{
			DomainHints:      []string{"sales"},
			DimensionHints:   []string{"customer"},
			MetricHints:      []string{"revenue", "sold_quantity"},
			PrimaryDimension: "customer",
		},
		Metadata: capability.Metadata{Confidence: 0.8, Fresh: true},
	}
}

func salesIndex() *capability.Index {
	rows := []capability.Row{salesRegisterRow()}
	return &capability.Index{Reports: rows, ReportCount: len(rows)}
}

func rankingRawSpec() map[string]any {
	return map[string]any{
		"intent":     "READ",
		"task_type":  "ranking",
		"task_class": "analytical_read",
		"domain":     "sales",
		"subject":    "top customers by revenue",
		"metric":     "revenue",
		"group_by":   []any{"customer"},
		"time_scope": map[string]any{"mode": "relative", "value": "last month"},
		"filters":    map[string]any{"company": "ACME"},
		"top_n":      5,
		"output_contract": map[string]any{
			"mode":            "top_n",
			"minimal_columns": []any{},
		},
	}
}

func salesTable() *payload.Payload {
	return &payload.Payload{
		Type:       payload.TypeReportTable,
		ReportName: "Sales Register",
		Table: &payload.Table{
			Columns: []payload.Column{
				{Fieldname: "customer", Label: "Customer"},
				{Fieldname: "total", Label: "Total", Fieldtype: "Currency"},
			},
			Rows: []payload.Row{
				{"customer": "Acme Industries", "total": 90000.0},
				{"customer": "Globex", "total": 60000.0},
				{"customer": "Initech", "total": 30000.0},
			},
		},
	}
}

func runReportExecutor(t *testing.T) ExecutorFunc {
	t.Helper()
	return func(_ context.Context, reportName string, filters map[string]any, _ bool, _ string) (*payload.Payload, error) {
		require.Equal(t, "Sales Register", reportName)
		assert.Equal(t, "ACME", filters["company"])
		return salesTable(), nil
	}
}

func auditKinds(msgs []AuditMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Kind)
	}
	return out
}

func TestTurnRunsSelectedReport(t *testing.T) {
	p := New(Config{
		Capabilities: salesIndex(),
		Executor:     runReportExecutor(t),
		Clock:        fixedClock,
	})

	resp, err := p.Turn(context.Background(), Request{
		SessionID: "s1",
		Message:   "top 5 customers by revenue last month",
		RawSpec:   rankingRawSpec(),
		Source:    SourceStart,
	})
	require.NoError(t, err)

	assert.Equal(t, payload.TypeReportTable, resp.Payload.Type)
	assert.Equal(t, "Sales Register", resp.Payload.ReportName)
	require.NotNil(t, resp.Payload.Table)
	assert.Len(t, resp.Payload.Table.Rows, 3)
	assert.Nil(t, resp.Payload.Pending)

	assert.Equal(t, "Sales Register", resp.State.ActiveTopic.ReportName)
	assert.False(t, resp.State.Unresolved.Present)

	kinds := auditKinds(resp.Audit)
	assert.Equal(t, []string{
		"business_request_spec",
		"constraint_set",
		"resolver",
		"clarification_policy",
		"transform_last",
		"response_shaper",
		"quality_gate",
		"topic_state",
		"read_engine",
	}, kinds)

	// The result is persisted for follow-up transforms.
	last, err := p.Store().LastResult(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "Sales Register", last.ReportName)
}

func TestTurnLowSignalStartAsksBlockerQuestion(t *testing.T) {
	p := New(Config{Capabilities: salesIndex(), Clock: fixedClock})

	resp, err := p.Turn(context.Background(), Request{
		SessionID: "s1",
		Message:   "numbers please",
		RawSpec:   map[string]any{"intent": "READ"},
		Source:    SourceStart,
	})
	require.NoError(t, err)

	assert.Equal(t, payload.TypeText, resp.Payload.Type)
	assert.Equal(t, lowSignalQuestion, resp.Payload.Text)
	require.NotNil(t, resp.Payload.Pending)
	assert.Equal(t, "planner_clarify", resp.Payload.Pending.Mode)
	assert.Equal(t, []string{"Switch to compatible report", "Keep current scope"}, resp.Payload.Pending.Options)
	assert.NotEmpty(t, resp.Payload.Pending.OptionActions)
	assert.Equal(t, 1, resp.Payload.Pending.ClarificationRound)

	assert.True(t, resp.State.Unresolved.Present)
	require.NotEmpty(t, resp.StepTrace)
	assert.Equal(t, "clarify_blocker", resp.StepTrace[len(resp.StepTrace)-1].Action)
}

func TestTurnTutorIntent(t *testing.T) {
	p := New(Config{Clock: fixedClock})

	resp, err := p.Turn(context.Background(), Request{
		SessionID: "s1",
		Message:   "what can you do?",
		RawSpec:   map[string]any{"intent": "TUTOR"},
		Source:    SourceStart,
	})
	require.NoError(t, err)

	assert.Equal(t, payload.TypeText, resp.Payload.Type)
	assert.Equal(t, tutorText, resp.Payload.Text)
	assert.Nil(t, resp.Payload.Pending)
}

func TestWriteDraftDeleteTodoThenConfirm(t *testing.T) {
	p := New(Config{WriteEnabled: true, Clock: fixedClock})
	ctx := context.Background()

	draft, err := p.Turn(ctx, Request{
		SessionID: "s1",
		Message:   "delete todo TD-10203",
		RawSpec:   map[string]any{"intent": "READ"},
		Source:    SourceStart,
	})
	require.NoError(t, err)

	assert.Equal(t, "Delete ToDo with ID TD-10203? Reply **confirm** to execute or **cancel** to stop.", draft.Payload.Text)
	require.NotNil(t, draft.Payload.Pending)
	assert.Equal(t, "write_confirmation", draft.Payload.Pending.Mode)

	confirmed, err := p.Turn(ctx, Request{
		SessionID: "s1",
		Message:   "confirm",
		Source:    SourceContinue,
		Pending:   draft.Payload.Pending,
	})
	require.NoError(t, err)

	assert.Equal(t, "Confirmed. Deleted **ToDo** `TD-10203`.", confirmed.Payload.Text)
	assert.True(t, confirmed.Payload.ClearPendingState)
	require.NotNil(t, confirmed.Payload.WriteResult)
	assert.Equal(t, "success", confirmed.Payload.WriteResult.Status)

	// Replaying the same confirmation is idempotency-blocked.
	replayed, err := p.Turn(ctx, Request{
		SessionID: "s1",
		Message:   "confirm",
		Source:    SourceContinue,
		Pending:   draft.Payload.Pending,
	})
	require.NoError(t, err)
	require.NotNil(t, replayed.Payload.WriteResult)
	assert.Equal(t, "duplicate_blocked", replayed.Payload.WriteResult.Status)
}

func TestWriteConfirmRefusedWhenWritesDisabled(t *testing.T) {
	p := New(Config{WriteEnabled: false, Clock: fixedClock})
	ctx := context.Background()

	draft, err := p.Turn(ctx, Request{
		SessionID: "s1",
		Message:   "delete todo TD-10203",
		RawSpec:   map[string]any{"intent": "READ"},
		Source:    SourceStart,
	})
	require.NoError(t, err)
	require.NotNil(t, draft.Payload.Pending)

	refused, err := p.Turn(ctx, Request{
		SessionID: "s1",
		Message:   "confirm",
		Source:    SourceContinue,
		Pending:   draft.Payload.Pending,
	})
	require.NoError(t, err)
	assert.Equal(t, writeDisabledText, refused.Payload.Text)
	assert.True(t, refused.Payload.ClearPendingState)
	assert.Nil(t, refused.Payload.WriteResult)
}

func TestWriteCancel(t *testing.T) {
	p := New(Config{WriteEnabled: true, Clock: fixedClock})
	ctx := context.Background()

	draft, err := p.Turn(ctx, Request{
		SessionID: "s1",
		Message:   "delete todo TD-10203",
		RawSpec:   map[string]any{"intent": "READ"},
		Source:    SourceStart,
	})
	require.NoError(t, err)
	require.NotNil(t, draft.Payload.Pending)

	canceled, err := p.Turn(ctx, Request{
		SessionID: "s1",
		Message:   "cancel",
		Source:    SourceContinue,
		Pending:   draft.Payload.Pending,
	})
	require.NoError(t, err)
	assert.Equal(t, "Write action canceled.", canceled.Payload.Text)
	assert.True(t, canceled.Payload.ClearPendingState)
}

func TestWriteTargetUnclear(t *testing.T) {
	p := New(Config{WriteEnabled: true, Clock: fixedClock})

	resp, err := p.Turn(context.Background(), Request{
		SessionID: "s1",
		Message:   "go ahead and fix it",
		RawSpec:   map[string]any{"intent": "WRITE_DRAFT"},
		Source:    SourceStart,
	})
	require.NoError(t, err)
	assert.Equal(t, writeTargetUnclearText, resp.Payload.Text)
	assert.Nil(t, resp.Payload.Pending)
}

func TestAuditTrailStableAcrossRuns(t *testing.T) {
	run := func() []AuditMessage {
		p := New(Config{
			Capabilities: salesIndex(),
			Executor: ExecutorFunc(func(context.Context, string, map[string]any, bool, string) (*payload.Payload, error) {
				return salesTable(), nil
			}),
			Clock: fixedClock,
		})
		resp, err := p.Turn(context.Background(), Request{
			SessionID: "s1",
			Message:   "top 5 customers by revenue last month",
			RawSpec:   rankingRawSpec(),
			Source:    SourceStart,
		})
		require.NoError(t, err)
		return resp.Audit
	}

	first := run()
	second := run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].JSON, second[i].JSON, "audit message %d (%s) must be byte-stable", i, first[i].Kind)
	}
}

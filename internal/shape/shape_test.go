package shape

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/quality"
	"github.com/roach88/tally/internal/spec"
)

func revenueTable() *payload.Table {
	return &payload.Table{
		Columns: []payload.Column{
			{Fieldname: "customer", Label: "Customer", Fieldtype: "Data"},
			{Fieldname: "posting_date", Label: "Posting Date", Fieldtype: "Date"},
			{Fieldname: "revenue", Label: "Revenue", Fieldtype: "Currency"},
		},
		Rows: []payload.Row{
			{"customer": "Acme", "posting_date": "2026-01-05", "revenue": 2500000.0},
			{"customer": "Beta", "posting_date": "2026-02-10", "revenue": 7500000.0},
			{"customer": "Gamma", "posting_date": "2026-03-01", "revenue": 5000000.0},
		},
	}
}

func revenuePayload() payload.Payload {
	return payload.Payload{
		Type:       payload.TypeReportTable,
		ReportName: "Sales Analytics",
		Table:      revenueTable(),
	}
}

func rankingSpec() spec.BusinessSpec {
	sp := spec.Defaults()
	sp.Intent = spec.IntentRead
	sp.TaskType = "ranking"
	sp.Subject = "top customers"
	sp.Metric = "revenue"
	sp.GroupBy = []string{"customer"}
	sp.TopN = 2
	sp.Output.Mode = "top_n"
	return sp
}

func TestHasRepairableFailureClass(t *testing.T) {
	failed := quality.Report{FailedCheckIDs: []string{"QG06_non_empty_rows"}}

	assert.True(t, HasRepairableFailureClass(failed, []string{"shape", "data"}))
	assert.False(t, HasRepairableFailureClass(failed, nil))
	assert.False(t, HasRepairableFailureClass(
		quality.Report{FailedCheckIDs: []string{"QG01_resolver_blocker_absent"}},
		[]string{"shape"},
	))
}

func TestShouldSwitchCandidateOnRepairable(t *testing.T) {
	base := SwitchDecision{
		Quality: quality.Report{
			Verdict:        quality.VerdictRepairableFail,
			FailedCheckIDs: []string{"QG06_non_empty_rows"},
		},
		Intent:           spec.IntentRead,
		TaskClass:        "analytical_report",
		CandidateCursor:  0,
		CandidateReports: []string{"Sales Analytics", "Sales Register"},
	}
	assert.True(t, ShouldSwitchCandidateOnRepairable(base))

	transform := base
	transform.Intent = spec.IntentTransformLast
	assert.False(t, ShouldSwitchCandidateOnRepairable(transform))

	exhausted := base
	exhausted.CandidateCursor = 1
	assert.False(t, ShouldSwitchCandidateOnRepairable(exhausted))

	capped := base
	capped.CandidateSwitchAttempts = MaxCandidateSwitchAttempts
	assert.False(t, ShouldSwitchCandidateOnRepairable(capped))

	passed := base
	passed.Quality.Verdict = quality.VerdictPass
	assert.False(t, ShouldSwitchCandidateOnRepairable(passed))
}

func TestLooksLikeSystemErrorText(t *testing.T) {
	assert.True(t, LooksLikeSystemErrorText(payload.TextPayload("Company is mandatory")))
	assert.True(t, LooksLikeSystemErrorText(payload.Payload{Type: payload.TypeError, Error: "SQL syntax near SELECT"}))
	assert.False(t, LooksLikeSystemErrorText(payload.TextPayload("Here are your top customers.")))
	assert.False(t, LooksLikeSystemErrorText(revenuePayload()))
}

func TestUnsupportedMessageFromSpec(t *testing.T) {
	sp := spec.Defaults()
	sp.Subject = "sales orders"
	sp.Metric = "revenue"
	msg := UnsupportedMessageFromSpec(sp)
	assert.Contains(t, msg, "subject='sales orders'")
	assert.Contains(t, msg, "metric='revenue'")

	generic := UnsupportedMessageFromSpec(spec.Defaults())
	assert.Contains(t, generic, "refine the request")
}

func TestIsLowSignalReadSpec(t *testing.T) {
	sp := spec.Defaults()
	sp.Intent = spec.IntentRead
	sp.Subject = "reports"
	assert.True(t, IsLowSignalReadSpec(sp))

	scoped := sp
	scoped.Subject = "sales orders"
	assert.False(t, IsLowSignalReadSpec(scoped))

	withMetric := sp
	withMetric.Metric = "revenue"
	assert.False(t, IsLowSignalReadSpec(withMetric))

	transform := sp
	transform.Intent = spec.IntentTransformLast
	assert.False(t, IsLowSignalReadSpec(transform))
}

func TestSanitizeUserPayload(t *testing.T) {
	sp := spec.Defaults()
	sp.Subject = "sales orders"
	sp.Metric = "revenue"

	dup := payload.TextPayload("Here you go.\nHere you go.\nHere you go.")
	assert.Equal(t, "Here you go.", SanitizeUserPayload(dup, sp).Text)

	leaked := payload.TextPayload("Traceback (most recent call last): boom")
	leaked.Pending = &payload.PendingState{Mode: "planner_clarify"}
	clean := SanitizeUserPayload(leaked, sp)
	assert.Contains(t, clean.Text, "couldn't reliably produce")
	assert.Nil(t, clean.Pending)

	failed := SanitizeUserPayload(payload.ErrorPayload("connection refused"), sp)
	assert.Equal(t, payload.TypeText, failed.Type)
	assert.Contains(t, failed.Text, "couldn't reliably produce")
}

func TestShapeResponsePassThrough(t *testing.T) {
	s := NewShaper(nil)

	text := payload.TextPayload("plain answer")
	assert.Equal(t, text, s.ShapeResponse(text, rankingSpec()))

	direct := revenuePayload()
	direct.DirectDocumentLookup = true
	shaped := s.ShapeResponse(direct, rankingSpec())
	assert.Len(t, shaped.Table.Rows, 3)
}

func TestShapeResponseProjectsRequestedColumns(t *testing.T) {
	s := NewShaper(nil)
	sp := rankingSpec()
	sp.TopN = 0
	sp.Output.Mode = "detail"

	shaped := s.ShapeResponse(revenuePayload(), sp)
	require.NotNil(t, shaped.Table)
	require.Len(t, shaped.Table.Columns, 2)
	assert.Equal(t, "customer", shaped.Table.Columns[0].Fieldname)
	assert.Equal(t, "Customer", shaped.Table.Columns[0].Label)
	assert.Equal(t, "revenue", shaped.Table.Columns[1].Fieldname)
	assert.Equal(t, "Revenue", shaped.Table.Columns[1].Label)
	require.Len(t, shaped.Table.Rows, 3)
	_, hasDate := shaped.Table.Rows[0]["posting_date"]
	assert.False(t, hasDate)
}

func TestShapeResponseTopNRanksAndDropsRollupRows(t *testing.T) {
	s := NewShaper(nil)
	p := revenuePayload()
	p.Table.Rows = append(p.Table.Rows, payload.Row{
		"customer": "Grand Total", "posting_date": "", "revenue": 15000000.0,
	})

	shaped := s.ShapeResponse(p, rankingSpec())
	require.NotNil(t, shaped.Table)
	require.Len(t, shaped.Table.Rows, 2)
	assert.Equal(t, "Beta", shaped.Table.Rows[0]["customer"])
	assert.Equal(t, 7500000.0, shaped.Table.Rows[0]["revenue"])
	assert.Equal(t, "Gamma", shaped.Table.Rows[1]["customer"])
}

func TestShapeResponseTopNAscendingSort(t *testing.T) {
	s := NewShaper(nil)
	sp := rankingSpec()
	sp.Ambiguities = []string{"transform_sort:asc"}

	shaped := s.ShapeResponse(revenuePayload(), sp)
	require.Len(t, shaped.Table.Rows, 2)
	assert.Equal(t, "Acme", shaped.Table.Rows[0]["customer"])
	assert.Equal(t, "Gamma", shaped.Table.Rows[1]["customer"])
}

func TestShapeResponseLatestRecordsSortTemporal(t *testing.T) {
	s := NewShaper(nil)
	sp := spec.Defaults()
	sp.Intent = spec.IntentRead
	sp.TaskClass = "list_latest_records"
	sp.Subject = "latest invoices"
	sp.TopN = 2
	sp.Output.Mode = "top_n"

	shaped := s.ShapeResponse(revenuePayload(), sp)
	require.Len(t, shaped.Table.Rows, 2)
	assert.Equal(t, "Gamma", shaped.Table.Rows[0]["customer"])
	assert.Equal(t, "Beta", shaped.Table.Rows[1]["customer"])
}

func TestShapeResponseTopNBackfillsFromSource(t *testing.T) {
	s := NewShaper(nil)
	sp := rankingSpec()
	sp.TopN = 3

	p := payload.Payload{
		Type:       payload.TypeReportTable,
		ReportName: "Sales Analytics",
		ScaledUnit: "million",
		Table: &payload.Table{
			Columns: []payload.Column{
				{Fieldname: "customer", Label: "Customer", Fieldtype: "Data"},
				{Fieldname: "revenue", Label: "Revenue", Fieldtype: "Currency"},
			},
			Rows: []payload.Row{{"customer": "Beta", "revenue": 7.5}},
		},
		SourceTable: &payload.Table{
			Columns: []payload.Column{
				{Fieldname: "customer", Label: "Customer", Fieldtype: "Data"},
				{Fieldname: "revenue", Label: "Revenue", Fieldtype: "Currency"},
			},
			Rows: []payload.Row{
				{"customer": "Acme", "revenue": 2500000.0},
				{"customer": "Beta", "revenue": 7500000.0},
				{"customer": "Gamma", "revenue": 5000000.0},
			},
		},
	}

	shaped := s.ShapeResponse(p, sp)
	require.Len(t, shaped.Table.Rows, 3)
	assert.Equal(t, "Beta", shaped.Table.Rows[0]["customer"])
	assert.Equal(t, 7.5, shaped.Table.Rows[0]["revenue"])
	assert.Equal(t, 2.5, shaped.Table.Rows[2]["revenue"])
}

func TestShapeResponseKPICollapse(t *testing.T) {
	s := NewShaper(nil)
	sp := rankingSpec()
	sp.TopN = 0
	sp.TaskType = "kpi"
	sp.Output.Mode = "kpi"
	sp.GroupBy = nil

	shaped := s.ShapeResponse(revenuePayload(), sp)
	require.NotNil(t, shaped.Table)
	require.Len(t, shaped.Table.Rows, 1)
	require.Len(t, shaped.Table.Columns, 2)
	assert.Equal(t, "revenue", shaped.Table.Rows[0]["metric"])
	assert.Equal(t, 15000000.0, shaped.Table.Rows[0]["value"])
}

func TestShapeResponseDocumentRowFilter(t *testing.T) {
	s := NewShaper(nil)
	sp := spec.Defaults()
	sp.Intent = spec.IntentRead
	sp.Subject = "invoice detail"
	sp.Filters = map[string]any{"document_id": "ACC-SINV-2026-00042"}

	p := payload.Payload{
		Type:       payload.TypeReportTable,
		ReportName: "Sales Register",
		Table: &payload.Table{
			Columns: []payload.Column{
				{Fieldname: "name", Label: "Invoice", Fieldtype: "Link"},
				{Fieldname: "grand_total", Label: "Grand Total", Fieldtype: "Currency"},
			},
			Rows: []payload.Row{
				{"name": "ACC-SINV-2026-00042", "grand_total": 1200.0},
				{"name": "ACC-SINV-2026-00099", "grand_total": 900.0},
			},
		},
	}

	shaped := s.ShapeResponse(p, sp)
	require.Len(t, shaped.Table.Rows, 1)
	assert.Equal(t, "ACC-SINV-2026-00042", shaped.Table.Rows[0]["name"])

	sp.Filters = map[string]any{"document_id": "ACC-SINV-2026-00001"}
	unmatched := s.ShapeResponse(p, sp)
	assert.Len(t, unmatched.Table.Rows, 2)
}

func TestShapeResponseScaleOnlyFollowupKeepsStoredMode(t *testing.T) {
	s := NewShaper(nil)
	sp := rankingSpec()
	sp.Intent = spec.IntentTransformLast
	sp.Output.Mode = "detail"
	sp.Ambiguities = []string{"transform_scale:million"}

	p := revenuePayload()
	p.OutputMode = "top_n"
	shaped := s.ShapeResponse(p, sp)
	assert.Len(t, shaped.Table.Rows, 2)

	sp.Ambiguities = []string{"transform_scale:million", "transform_sort:desc"}
	reshaped := s.ShapeResponse(p, sp)
	assert.Len(t, reshaped.Table.Rows, 3)
}

func TestFormatNumericValuesForDisplay(t *testing.T) {
	p := payload.Payload{
		Type: payload.TypeReportTable,
		Table: &payload.Table{
			Columns: []payload.Column{
				{Fieldname: "customer", Fieldtype: "Data"},
				{Fieldname: "revenue", Fieldtype: "Currency"},
				{Fieldname: "delta", Fieldtype: "Float"},
			},
			Rows: []payload.Row{
				{"customer": "Acme", "revenue": 2500000.0, "delta": -1234.5},
			},
		},
	}
	out := FormatNumericValuesForDisplay(p)
	assert.Equal(t, "Acme", out.Table.Rows[0]["customer"])
	assert.Equal(t, "2,500,000.00", out.Table.Rows[0]["revenue"])
	assert.Equal(t, "-1,234.50", out.Table.Rows[0]["delta"])
}

func TestShaperToolMessage(t *testing.T) {
	msg := ToolMessage("run_report", "top_n", revenuePayload())
	assert.Contains(t, msg, `"type":"response_shaper"`)
	assert.Contains(t, msg, `"report_name":"Sales Analytics"`)
}

package transform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/spec"
)

func followupSpec() spec.BusinessSpec {
	sp := spec.Defaults()
	sp.Intent = spec.IntentTransformLast
	sp.TaskClass = "transform_followup"
	sp.Metric = "revenue"
	sp.GroupBy = []string{"customer"}
	return sp
}

func revenueTable() *payload.Table {
	return &payload.Table{
		Columns: []payload.Column{
			{Fieldname: "customer", Label: "Customer", Fieldtype: "Link"},
			{Fieldname: "posting_date", Label: "Posting Date", Fieldtype: "Date"},
			{Fieldname: "revenue", Label: "Revenue", Fieldtype: "Currency"},
		},
		Rows: []payload.Row{
			{"customer": "Alpha", "posting_date": "2026-01-05", "revenue": 2500000},
			{"customer": "Beta", "posting_date": "2026-01-09", "revenue": 7500000},
			{"customer": "Gamma", "posting_date": "2026-01-12", "revenue": 5000000},
		},
	}
}

func TestApplyIgnoresNonTransformIntents(t *testing.T) {
	sp := followupSpec()
	sp.Intent = spec.IntentRead
	in := payload.Payload{Type: payload.TypeReportTable, Table: revenueTable()}

	out := Apply(in, sp)
	assert.Equal(t, in.Table, out.Table)
	assert.Empty(t, out.TransformApplied)

	out = Apply(payload.TextPayload("nothing tabular"), followupSpec())
	assert.Equal(t, payload.TypeText, out.Type)
}

func TestApplyTopN(t *testing.T) {
	sp := followupSpec()
	sp.TaskType = "ranking"
	sp.TopN = 2
	sp.Output.Mode = "top_n"
	sp.Ambiguities = []string{HintSortDesc}

	out := Apply(payload.Payload{Type: payload.TypeReportTable, Table: revenueTable()}, sp)

	require.NotNil(t, out.Table)
	require.Len(t, out.Table.Rows, 2)
	assert.Equal(t, "Beta", out.Table.Rows[0]["customer"])
	assert.Equal(t, "Gamma", out.Table.Rows[1]["customer"])
	assert.Equal(t, AppliedTopN, out.TransformApplied)
	assert.Equal(t, "top_n", out.OutputMode)

	// The full pre-transform table is preserved for later follow-ups.
	require.NotNil(t, out.SourceTable)
	assert.Len(t, out.SourceTable.Rows, 3)
	assert.Equal(t, []string{"customer", "posting_date", "revenue"}, out.SourceColumns)
}

func TestApplyKPITotal(t *testing.T) {
	sp := followupSpec()
	sp.TaskType = "kpi"
	sp.Aggregation = "sum"
	sp.Output.Mode = "kpi"

	out := Apply(payload.Payload{Type: payload.TypeReportTable, Table: revenueTable()}, sp)

	require.NotNil(t, out.Table)
	require.Len(t, out.Table.Rows, 1)
	assert.Equal(t, "revenue", out.Table.Rows[0]["metric"])
	assert.InDelta(t, 15000000.0, out.Table.Rows[0]["value"], 0.001)
	assert.Equal(t, AppliedKPITotal, out.TransformApplied)
}

func TestApplyDetailProjection(t *testing.T) {
	sp := followupSpec()
	sp.Output.Mode = "detail"

	out := Apply(payload.Payload{Type: payload.TypeReportTable, Table: revenueTable()}, sp)

	require.NotNil(t, out.Table)
	require.Len(t, out.Table.Columns, 2)
	assert.Equal(t, "customer", out.Table.Columns[0].Fieldname)
	assert.Equal(t, "revenue", out.Table.Columns[1].Fieldname)
	require.Len(t, out.Table.Rows, 3)
	assert.NotContains(t, out.Table.Rows[0], "posting_date")
	assert.Equal(t, AppliedDetailProject, out.TransformApplied)
}

func TestApplyScaleMillionIdempotent(t *testing.T) {
	sp := followupSpec()
	sp.Output.Mode = "detail"
	sp.Ambiguities = []string{HintScaleMillion}

	first := Apply(payload.Payload{Type: payload.TypeReportTable, Table: revenueTable()}, sp)

	require.NotNil(t, first.Table)
	assert.Equal(t, ScaledUnitMillion, first.ScaledUnit)
	assert.InDelta(t, 2.5, first.Table.Rows[0]["revenue"], 0.0001)
	assert.InDelta(t, 7.5, first.Table.Rows[1]["revenue"], 0.0001)

	second := Apply(first, sp)
	assert.Equal(t, ScaledUnitMillion, second.ScaledUnit)
	assert.Equal(t, first.Table, second.Table)
}

func TestApplyScaleWithoutSourceLeavesValues(t *testing.T) {
	sp := followupSpec()
	sp.Output.Mode = "detail"
	sp.Ambiguities = []string{HintScaleMillion}

	in := payload.Payload{
		Type:       payload.TypeReportTable,
		ScaledUnit: ScaledUnitMillion,
		Table: &payload.Table{
			Columns: []payload.Column{
				{Fieldname: "customer", Label: "Customer"},
				{Fieldname: "revenue", Label: "Revenue", Fieldtype: "Currency"},
			},
			Rows: []payload.Row{{"customer": "Alpha", "revenue": 2.5}},
		},
	}
	out := Apply(in, sp)
	assert.InDelta(t, 2.5, out.Table.Rows[0]["revenue"], 0.0001)
	assert.Equal(t, ScaledUnitMillion, out.ScaledUnit)
}

func TestApplyKPIDemotionForMultiRowScale(t *testing.T) {
	sp := followupSpec()
	sp.TaskType = "kpi"
	sp.Output.Mode = "kpi"
	sp.Ambiguities = []string{HintScaleMillion}

	out := Apply(payload.Payload{Type: payload.TypeReportTable, Table: revenueTable()}, sp)

	// "in millions" over many rows is a display ask, not a total.
	assert.Equal(t, "detail", out.OutputMode)
	require.NotNil(t, out.Table)
	assert.Len(t, out.Table.Rows, 3)
	assert.InDelta(t, 2.5, out.Table.Rows[0]["revenue"], 0.0001)
}

func TestApplyPromotesColumnFromSource(t *testing.T) {
	sp := followupSpec()
	sp.Metric = "qty"
	sp.TaskType = "ranking"
	sp.TopN = 2
	sp.Output.Mode = "top_n"

	source := payload.Table{
		Columns: []payload.Column{
			{Fieldname: "customer", Label: "Customer"},
			{Fieldname: "revenue", Label: "Revenue", Fieldtype: "Currency"},
			{Fieldname: "qty", Label: "Qty", Fieldtype: "Float"},
		},
		Rows: []payload.Row{
			{"customer": "Alpha", "revenue": 100, "qty": 4},
			{"customer": "Beta", "revenue": 900, "qty": 12},
			{"customer": "Gamma", "revenue": 500, "qty": 7},
		},
	}
	visible := payload.Table{
		Columns: source.Columns[:2],
		Rows: []payload.Row{
			{"customer": "Beta", "revenue": 900},
			{"customer": "Gamma", "revenue": 500},
		},
	}
	in := payload.Payload{Type: payload.TypeReportTable, Table: &visible, SourceTable: &source}

	out := Apply(in, sp)

	require.NotNil(t, out.Table)
	require.Len(t, out.Table.Columns, 3)
	require.Len(t, out.Table.Rows, 2)
	assert.Equal(t, "Beta", out.Table.Rows[0]["customer"])
	assert.Equal(t, "Gamma", out.Table.Rows[1]["customer"])
	assert.Equal(t, 12, out.Table.Rows[0]["qty"])
}

func TestToolMessage(t *testing.T) {
	p := payload.Payload{TransformApplied: AppliedScaleMillion}

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(ToolMessage("run_report", "transform", p)), &decoded))
	assert.Equal(t, "transform_last", decoded["type"])
	assert.Equal(t, "run_report", decoded["tool"])
	assert.Equal(t, "transform", decoded["mode"])
	assert.Equal(t, "scale_million", decoded["applied"])
}

package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/contract"
	"github.com/roach88/tally/internal/ontology"
)

func newNormalizer() *Normalizer {
	return NewNormalizer(contract.Defaults(), ontology.Default())
}

func TestNormalizeDefaultsOnNonObject(t *testing.T) {
	n := newNormalizer()

	out, errs := n.Normalize("not an object")
	assert.Equal(t, []string{ErrSpecNotObject}, errs)
	assert.Equal(t, IntentRead, out.Intent)
	assert.Equal(t, "detail", out.TaskType)
	assert.Equal(t, ClassAnalyticalRead, out.TaskClass)
}

func TestNormalizeValidRankingRequest(t *testing.T) {
	n := newNormalizer()

	out, errs := n.Normalize(map[string]any{
		"intent":      "READ",
		"task_type":   "ranking",
		"subject":     "customers",
		"metric":      "revenue",
		"group_by":    []any{"customer"},
		"top_n":       5,
		"aggregation": "sum",
		"time_scope":  map[string]any{"mode": "relative", "value": "last month"},
		"output_contract": map[string]any{
			"mode":            "top_n",
			"minimal_columns": []any{"customer", "revenue"},
		},
		"confidence": 0.92,
	})

	require.Empty(t, errs)
	assert.Equal(t, "ranking", out.TaskType)
	assert.Equal(t, ClassAnalyticalRead, out.TaskClass)
	assert.Equal(t, 5, out.TopN)
	assert.Equal(t, []string{"customer"}, out.Dimensions)
	assert.Equal(t, "sales", out.Domain) // customer dimension infers sales
	assert.InDelta(t, 0.92, out.Confidence, 1e-9)
}

func TestNormalizeErrorTags(t *testing.T) {
	n := newNormalizer()

	tests := []struct {
		name string
		raw  map[string]any
		want string
	}{
		{name: "bad intent", raw: map[string]any{"intent": "GUESS"}, want: ErrIntentInvalid},
		{name: "bad task type", raw: map[string]any{"intent": "READ", "task_type": "forecast"}, want: ErrTaskTypeInvalid},
		{name: "bad aggregation", raw: map[string]any{"intent": "READ", "aggregation": "median"}, want: ErrAggregationInvalid},
		{name: "bad domain", raw: map[string]any{"intent": "READ", "domain": "astrology"}, want: ErrDomainInvalid},
		{name: "bad time mode", raw: map[string]any{"intent": "READ", "time_scope": map[string]any{"mode": "sometime"}}, want: ErrTimeScopeModeInvalid},
		{name: "time scope not object", raw: map[string]any{"intent": "READ", "time_scope": "last month"}, want: ErrTimeScopeNotObject},
		{name: "filters not object", raw: map[string]any{"intent": "READ", "filters": []any{"x"}}, want: ErrFiltersNotObject},
		{name: "top_n not int", raw: map[string]any{"intent": "READ", "top_n": "five"}, want: ErrTopNNotInt},
		{name: "bad output mode", raw: map[string]any{"intent": "READ", "output_contract": map[string]any{"mode": "chart"}}, want: ErrOutputModeInvalid},
		{name: "confidence not number", raw: map[string]any{"intent": "READ", "confidence": "high"}, want: ErrConfidenceNotNumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := n.Normalize(tt.raw)
			assert.Contains(t, errs, tt.want)
		})
	}
}

func TestNormalizeNeverRaisesConfidenceFallback(t *testing.T) {
	n := newNormalizer()

	clean, errs := n.Normalize(map[string]any{"intent": "READ"})
	require.Empty(t, errs)
	assert.InDelta(t, 0.7, clean.Confidence, 1e-9)

	dirty, errs := n.Normalize(map[string]any{"intent": "READ", "domain": "astrology"})
	require.NotEmpty(t, errs)
	assert.InDelta(t, 0.4, dirty.Confidence, 1e-9)
}

func TestNormalizeClamps(t *testing.T) {
	n := newNormalizer()

	out, _ := n.Normalize(map[string]any{
		"intent":     "READ",
		"top_n":      9999,
		"confidence": 7.5,
	})
	assert.Equal(t, 200, out.TopN)
	assert.InDelta(t, 1.0, out.Confidence, 1e-9)
}

func TestNormalizeIntentAliases(t *testing.T) {
	n := newNormalizer()

	out, errs := n.Normalize(map[string]any{"intent": "TRANSFORM"})
	require.Empty(t, errs)
	assert.Equal(t, IntentTransformLast, out.Intent)
	assert.Equal(t, ClassTransformFollowup, out.TaskClass)

	out, errs = n.Normalize(map[string]any{"intent": "write", "task_type": "detail"})
	require.Empty(t, errs)
	assert.Equal(t, IntentWriteDraft, out.Intent)
}

func TestConsistencyRules(t *testing.T) {
	n := newNormalizer()

	t.Run("top_n mode without limit gets default of five", func(t *testing.T) {
		out, _ := n.Normalize(map[string]any{
			"intent":          "READ",
			"output_contract": map[string]any{"mode": "top_n"},
		})
		assert.Equal(t, 5, out.TopN)
	})

	t.Run("explicit limit promotes detail mode", func(t *testing.T) {
		out, _ := n.Normalize(map[string]any{"intent": "READ", "metric": "revenue", "top_n": 3})
		assert.Equal(t, "top_n", out.Output.Mode)
	})

	t.Run("kpi mode defaults aggregation to sum", func(t *testing.T) {
		out, _ := n.Normalize(map[string]any{
			"intent":          "READ",
			"task_type":       "kpi",
			"output_contract": map[string]any{"mode": "kpi"},
		})
		assert.Equal(t, "sum", out.Aggregation)
	})

	t.Run("dimensions inferred from group_by and minimal columns", func(t *testing.T) {
		out, _ := n.Normalize(map[string]any{
			"intent":   "READ",
			"group_by": []any{"warehouse"},
			"output_contract": map[string]any{
				"mode":            "detail",
				"minimal_columns": []any{"item", "stock balance"},
			},
		})
		assert.Equal(t, []string{"warehouse", "item"}, out.Dimensions)
		assert.Equal(t, "inventory", out.Domain)
	})
}

func TestTaskClassInference(t *testing.T) {
	n := newNormalizer()

	t.Run("latest records when limit without known metric", func(t *testing.T) {
		out, _ := n.Normalize(map[string]any{
			"intent":  "READ",
			"subject": "invoices",
			"top_n":   10,
		})
		assert.Equal(t, ClassListLatestRecords, out.TaskClass)
	})

	t.Run("analytical when metric is known", func(t *testing.T) {
		out, _ := n.Normalize(map[string]any{
			"intent":      "READ",
			"task_type":   "ranking",
			"metric":      "revenue",
			"group_by":    []any{"customer"},
			"aggregation": "sum",
			"top_n":       5,
		})
		assert.Equal(t, ClassAnalyticalRead, out.TaskClass)
	})

	t.Run("detail projection on projection shape", func(t *testing.T) {
		out, _ := n.Normalize(map[string]any{
			"intent":    "READ",
			"task_type": "detail",
			"subject":   "sales invoice",
			"output_contract": map[string]any{
				"mode":            "detail",
				"minimal_columns": []any{"posting_date", "grand_total"},
			},
		})
		assert.Equal(t, ClassDetailProjection, out.TaskClass)
	})

	t.Run("explicit class is never overridden", func(t *testing.T) {
		out, _ := n.Normalize(map[string]any{
			"intent":     "TRANSFORM_LAST",
			"task_class": "detail_projection",
		})
		assert.Equal(t, ClassDetailProjection, out.TaskClass)
	})
}

func TestClarificationQuestionDefaulted(t *testing.T) {
	n := newNormalizer()

	out, _ := n.Normalize(map[string]any{
		"intent":              "READ",
		"needs_clarification": true,
	})
	assert.True(t, out.NeedsClarification)
	assert.NotEmpty(t, out.ClarificationQuestion)
}

func TestCloneIsDeep(t *testing.T) {
	original := Defaults()
	original.Filters["company"] = "Acme"
	original.GroupBy = []string{"customer"}

	cp := original.Clone()
	cp.Filters["company"] = "Other"
	cp.GroupBy[0] = "supplier"

	assert.Equal(t, "Acme", original.Filters["company"])
	assert.Equal(t, "customer", original.GroupBy[0])
}

func TestSignalStrength(t *testing.T) {
	s := Defaults()
	assert.Equal(t, 0, s.SignalStrength())

	s.Subject = "customers"
	s.Metric = "revenue"
	s.TopN = 5
	s.TimeScope = TimeScope{Mode: "relative", Value: "last month"}
	assert.Equal(t, 5, s.SignalStrength())
}

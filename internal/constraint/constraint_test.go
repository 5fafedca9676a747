package constraint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/ontology"
	"github.com/roach88/tally/internal/spec"
	"github.com/roach88/tally/internal/topic"
)

func rankingSpec() spec.BusinessSpec {
	s := spec.Defaults()
	s.TaskType = "ranking"
	s.Subject = "top customers"
	s.Metric = "revenue"
	s.GroupBy = []string{"customer"}
	s.Dimensions = []string{"customer"}
	s.Aggregation = "sum"
	s.TopN = 5
	s.Output.Mode = "top_n"
	s.TimeScope = spec.TimeScope{Mode: "relative", Value: "last month"}
	s.Filters = map[string]any{"company": "Acme Ltd"}
	return s
}

func TestBuildRanking(t *testing.T) {
	e := NewEngine(ontology.Default())

	cs := e.Build(rankingSpec(), topic.State{})

	assert.Equal(t, SchemaVersion, cs.SchemaVersion)
	assert.Equal(t, "revenue", cs.Metric)
	assert.Equal(t, "sales", cs.Domain)
	assert.Equal(t, "top_n", cs.OutputMode)
	assert.Equal(t, 5, cs.RequestedLimit)
	assert.Equal(t, "relative", cs.TimeMode)
	assert.Equal(t, "", cs.SortIntent)
	assert.Equal(t, []string{"customer"}, cs.RequestedDimensions)
	assert.Equal(t, []string{"company"}, cs.HardFilterKinds)
	assert.Equal(t, []string{"top", "customers"}, cs.SubjectTokens)
}

func TestUnknownFilterKeyNeverBecomesHard(t *testing.T) {
	e := NewEngine(ontology.Default())

	s := rankingSpec()
	s.Filters["delivery_zone"] = "North"
	s.Filters["warehouse"] = "Main WH"

	cs := e.Build(s, topic.State{})

	assert.Contains(t, cs.Filters, "delivery_zone")
	assert.NotContains(t, cs.HardFilterKinds, "delivery_zone")
	assert.Contains(t, cs.HardFilterKinds, "warehouse")
	assert.Contains(t, cs.HardFilterKinds, "company")
}

func TestEmptyFilterValuesAreIgnoredForHardKinds(t *testing.T) {
	e := NewEngine(ontology.Default())

	s := spec.Defaults()
	s.Filters = map[string]any{"warehouse": "", "customer": []any{}}

	cs := e.Build(s, topic.State{})
	assert.Empty(t, cs.HardFilterKinds)
	assert.Len(t, cs.Filters, 2)
}

func TestSubjectNounIsNotAMetric(t *testing.T) {
	e := NewEngine(ontology.Default())

	s := spec.Defaults()
	s.Subject = "sales invoices"
	s.Metric = "invoice count" // not an ontology metric

	cs := e.Build(s, topic.State{})
	assert.Equal(t, "", cs.Metric)
}

func TestMetricFallsBackToSubject(t *testing.T) {
	e := NewEngine(ontology.Default())

	s := spec.Defaults()
	s.Subject = "outstanding amount by customer"

	cs := e.Build(s, topic.State{})
	assert.Equal(t, "outstanding_amount", cs.Metric)
	assert.Equal(t, "finance", cs.Domain)
}

func TestSubjectInfersMetricDomainAndDimension(t *testing.T) {
	e := NewEngine(ontology.Default())

	s := spec.Defaults()
	s.TaskType = "ranking"
	s.Subject = "Top 5 products by received quantity last month"
	s.Filters = map[string]any{"company": "MMOB"}
	s.TimeScope = spec.TimeScope{Mode: "relative", Value: "last_month"}
	s.Output.Mode = "top_n"

	cs := e.Build(s, topic.State{})
	assert.Equal(t, "received_quantity", cs.Metric)
	assert.Equal(t, "purchasing", cs.Domain)
	assert.Contains(t, cs.RequestedDimensions, "item")
}

func TestDomainResolutionOrder(t *testing.T) {
	e := NewEngine(ontology.Default())

	t.Run("explicit domain wins", func(t *testing.T) {
		s := rankingSpec()
		s.Domain = "operations"
		cs := e.Build(s, topic.State{})
		assert.Equal(t, "operations", cs.Domain)
	})

	t.Run("metric domain next", func(t *testing.T) {
		s := spec.Defaults()
		s.Metric = "stock_balance"
		cs := e.Build(s, topic.State{})
		assert.Equal(t, "inventory", cs.Domain)
	})

	t.Run("dimension heuristic next", func(t *testing.T) {
		s := spec.Defaults()
		s.Dimensions = []string{"supplier"}
		cs := e.Build(s, topic.State{})
		assert.Equal(t, "purchasing", cs.Domain)
	})

	t.Run("prior topic domain next", func(t *testing.T) {
		s := spec.Defaults()
		state := topic.State{}
		state.ActiveTopic.Domain = "sales"
		cs := e.Build(s, state)
		assert.Equal(t, "sales", cs.Domain)
	})

	t.Run("unknown last", func(t *testing.T) {
		cs := e.Build(spec.Defaults(), topic.State{})
		assert.Equal(t, "unknown", cs.Domain)
	})
}

func TestLatestRecordsSortIntent(t *testing.T) {
	e := NewEngine(ontology.Default())

	s := spec.Defaults()
	s.TaskClass = spec.ClassListLatestRecords
	s.TopN = 10

	cs := e.Build(s, topic.State{})
	assert.Equal(t, "latest_desc", cs.SortIntent)
}

func TestFollowupBindingsAndFilterContext(t *testing.T) {
	e := NewEngine(ontology.Default())

	state := topic.State{PreviousTopicKey: "old|rev|Sales Analytics"}
	state.ActiveTopic.TopicKey = "customers|revenue|Sales Analytics"
	state.ActiveTopic.Filters = map[string]any{"company": "Acme Ltd", "warehouse": ""}
	state.ActiveResult.ResultID = "ACC-SINV-2025-00001"

	cs := e.Build(spec.Defaults(), state)

	require.Equal(t, "customers|revenue|Sales Analytics", cs.Followup.ActiveTopicKey)
	assert.Equal(t, "old|rev|Sales Analytics", cs.Followup.PreviousTopicKey)
	assert.Equal(t, "ACC-SINV-2025-00001", cs.Followup.ActiveResultID)
	assert.Equal(t, map[string]any{"company": "Acme Ltd"}, cs.ActiveFilterContext)
}

func TestSubjectTokensFilterStopWords(t *testing.T) {
	assert.Equal(t, []string{"revenue", "customers"}, subjectTokens("revenue for the customers last month"))
	assert.Nil(t, subjectTokens(""))
	assert.Nil(t, subjectTokens("a an"))
}

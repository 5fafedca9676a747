package clarify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/contract"
	"github.com/roach88/tally/internal/entity"
	"github.com/roach88/tally/internal/resolver"
	"github.com/roach88/tally/internal/spec"
)

func policy() *Policy {
	return NewPolicy(contract.Defaults())
}

func TestEvaluateAllowedBlockerReason(t *testing.T) {
	sp := spec.Defaults()
	res := resolver.Resolution{
		NeedsClarification:    true,
		ClarificationReason:   resolver.ReasonMissingRequiredFilter,
		ClarificationQuestion: "Which warehouse should I use?",
	}
	d := policy().Evaluate(sp, res)

	require.True(t, d.ShouldClarify)
	assert.Equal(t, resolver.ReasonMissingRequiredFilter, d.Reason)
	// Resolver-level questions are replaced with the contract template.
	assert.Equal(t,
		"Which required filter value should I use (for example company, warehouse, customer, or supplier)?",
		d.Question)
	assert.Equal(t, PolicyVersion, d.PolicyVersion)
}

func TestEvaluateNoSignalNoClarification(t *testing.T) {
	sp := spec.Defaults()
	sp.Domain = "sales"
	d := policy().Evaluate(sp, resolver.Resolution{})
	assert.False(t, d.ShouldClarify)
	assert.Empty(t, d.Reason)
	assert.Empty(t, d.Question)
}

func TestEvaluateDisallowedReasonIsIgnored(t *testing.T) {
	sp := spec.Defaults()
	sp.Domain = "sales"
	res := resolver.Resolution{
		NeedsClarification:  true,
		ClarificationReason: "vibes_based_reason",
	}
	d := policy().Evaluate(sp, res)
	assert.False(t, d.ShouldClarify)
}

func TestEvaluateSoftBlockerOverride(t *testing.T) {
	sp := spec.Defaults()
	sp.Domain = "sales"
	score := 40
	res := resolver.Resolution{
		NeedsClarification:  true,
		ClarificationReason: resolver.ReasonHardConstraint,
		SelectedReport:      "Sales Register",
		SelectedScore:       &score,
		CandidateReports: []resolver.Candidate{{
			ReportName:   "Sales Register",
			Score:        40,
			HardBlockers: []string{"primary_dimension_mismatch", "unsupported_dimension"},
		}},
	}

	// Soft-only blockers with no missing required values: execute
	// anyway instead of asking.
	d := policy().Evaluate(sp, res)
	assert.False(t, d.ShouldClarify)

	// A genuinely hard blocker keeps the clarification.
	res.CandidateReports[0].HardBlockers = []string{"unsupported_filter_kind:warehouse"}
	d = policy().Evaluate(sp, res)
	require.True(t, d.ShouldClarify)
	assert.Equal(t,
		"I couldn't satisfy all requested constraints in one report. Should I switch to a compatible report or keep current scope?",
		d.Question)

	// Soft blockers plus a missing required value still clarify.
	res.CandidateReports[0].HardBlockers = []string{"unsupported_dimension"}
	res.CandidateReports[0].MissingRequiredFilterValues = []string{"company"}
	d = policy().Evaluate(sp, res)
	assert.True(t, d.ShouldClarify)
}

func TestEvaluateRecordTypeDisambiguation(t *testing.T) {
	sp := spec.Defaults()
	sp.TaskClass = spec.ClassListLatestRecords
	sp.TopN = 10

	d := policy().Evaluate(sp, resolver.Resolution{})
	require.True(t, d.ShouldClarify)
	assert.Equal(t, resolver.ReasonNoCandidate, d.Reason)
	assert.Contains(t, d.Question, "record type")

	// Any scope signal disarms the rule.
	scoped := sp.Clone()
	scoped.Metric = "revenue"
	d = policy().Evaluate(scoped, resolver.Resolution{})
	assert.False(t, d.ShouldClarify)

	// Detail projection triggers only with an id-like minimal column.
	detail := spec.Defaults()
	detail.TaskClass = spec.ClassDetailProjection
	detail.Output.MinimalColumns = []string{"posting_date", "amount"}
	d = policy().Evaluate(detail, resolver.Resolution{})
	assert.False(t, d.ShouldClarify)

	detail.Output.MinimalColumns = []string{"invoice_number"}
	d = policy().Evaluate(detail, resolver.Resolution{})
	assert.True(t, d.ShouldClarify)
}

func TestEvaluateMetaQuestionReplaced(t *testing.T) {
	sp := spec.Defaults()
	res := resolver.Resolution{
		NeedsClarification:    true,
		ClarificationReason:   resolver.ReasonLowConfidence,
		ClarificationQuestion: "Which metric or grouping do you want?",
	}
	d := policy().Evaluate(sp, res)
	require.True(t, d.ShouldClarify)
	// The meta-question is swapped for the contract fallback.
	assert.Equal(t, "Please provide one concrete missing detail so I can run the correct report.", d.Question)
}

func TestEvaluateContextualQuestionKept(t *testing.T) {
	sp := spec.Defaults()
	res := resolver.Resolution{
		NeedsClarification:    true,
		ClarificationReason:   resolver.ReasonLowConfidence,
		ClarificationQuestion: "Please specify the business domain and target metric so I can choose the right report.",
	}
	d := policy().Evaluate(sp, res)
	require.True(t, d.ShouldClarify)
	assert.Equal(t, res.ClarificationQuestion, d.Question)
}

func TestFromEntity(t *testing.T) {
	clar := &entity.Clarification{
		Reason:    "entity_ambiguous",
		Question:  `I found multiple matches for warehouse matching "Yangon": Yangon Main Warehouse - MMOB, Yangon Spare Warehouse - MMOB. Which one should I use?`,
		Options:   []string{"Yangon Main Warehouse - MMOB", "Yangon Spare Warehouse - MMOB"},
		FilterKey: "warehouse",
		RawValue:  "Yangon",
	}
	d := FromEntity(clar)
	require.True(t, d.ShouldClarify)
	assert.Equal(t, "entity_ambiguous", d.Reason)
	assert.Equal(t, clar.Question, d.Question)
	assert.Equal(t, clar.Options, d.Options)
	assert.Equal(t, "warehouse", d.TargetFilterKey)
	assert.Equal(t, "Yangon", d.RawValue)

	assert.False(t, FromEntity(nil).ShouldClarify)
}

func TestSuppressed(t *testing.T) {
	d := Suppressed()
	assert.False(t, d.ShouldClarify)
	assert.Equal(t, PolicyVersion, d.PolicyVersion)
}

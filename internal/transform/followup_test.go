package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/tally/internal/ontology"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/spec"
	"github.com/roach88/tally/internal/topic"
)

var followupNow = time.Date(2026, time.March, 14, 0, 0, 0, 0, time.UTC)

func TestMergeAmbiguities(t *testing.T) {
	ont := ontology.Default()
	sp := spec.Defaults()
	sp.Ambiguities = []string{HintSortDesc}

	hints := MergeAmbiguities(&sp, "show it as million", ont)
	assert.Equal(t, []string{HintScaleMillion}, hints)
	assert.Equal(t, []string{HintSortDesc, HintScaleMillion}, sp.Ambiguities)

	// Re-merging the same hint does not duplicate it.
	MergeAmbiguities(&sp, "as million please", ont)
	assert.Equal(t, []string{HintSortDesc, HintScaleMillion}, sp.Ambiguities)

	sp2 := spec.Defaults()
	assert.Nil(t, MergeAmbiguities(&sp2, "plain question", ont))
	assert.Empty(t, sp2.Ambiguities)
}

func TestFollowupStrength(t *testing.T) {
	ont := ontology.Default()

	assert.Equal(t, 0, FollowupStrength("", ont, followupNow))
	assert.Equal(t, 0, FollowupStrength("sort it high to low", ont, followupNow))
	assert.Equal(t, 1, FollowupStrength("for warehouse MMOB", ont, followupNow))
	assert.Equal(t, 2, FollowupStrength("status of ACC-SINV-2025-00042 today", ont, followupNow))
	assert.Equal(t, 4, FollowupStrength("top 5 customers by revenue last month for warehouse MMOB", ont, followupNow))
}

func promotionInput() PromotionInput {
	sp := spec.Defaults()
	sp.Ambiguities = []string{HintScaleMillion}
	return PromotionInput{
		Message:            "as million",
		Spec:               sp,
		Memory:             topic.AnchorMeta{AnchorsApplied: []string{"report"}, CurrStrength: 1, OverlapRatio: 0.5},
		HasReportTableRows: true,
		Now:                followupNow,
	}
}

func TestShouldPromote(t *testing.T) {
	ont := ontology.Default()

	assert.True(t, ShouldPromote(promotionInput(), ont))

	in := promotionInput()
	in.Spec.Intent = spec.IntentWriteDraft
	assert.False(t, ShouldPromote(in, ont), "non-read intents never promote")

	in = promotionInput()
	in.HasReportTableRows = false
	assert.False(t, ShouldPromote(in, ont), "nothing to transform without prior rows")

	// A standalone time-scoped read without transform hints stays a read.
	in = promotionInput()
	in.Spec.Ambiguities = nil
	in.Memory = topic.AnchorMeta{CurrStrength: 5}
	in.HasExplicitTimeScope = true
	in.Message = "sales from 2026-01-01 to 2026-01-31"
	assert.False(t, ShouldPromote(in, ont))

	// A bare sort flip after a top-N answer re-runs the ranking
	// instead of transforming it.
	in = promotionInput()
	in.Spec.Ambiguities = []string{HintSortAsc}
	in.LastPayload = &payload.Payload{OutputMode: "top_n"}
	assert.False(t, ShouldPromote(in, ont))

	// An aggregate ask over an anchored context promotes even without
	// an explicit transform hint.
	in = promotionInput()
	in.Spec.Ambiguities = nil
	in.Spec.TaskType = "kpi"
	in.Message = "total of those"
	assert.True(t, ShouldPromote(in, ont))

	// Projection follow-ups promote when the turn leans on context.
	in = promotionInput()
	in.Spec.Ambiguities = nil
	in.WantsProjectionFollowup = true
	in.Message = "just the names"
	assert.True(t, ShouldPromote(in, ont))

	// A strong standalone message with no anchors does not promote.
	in = promotionInput()
	in.Memory = topic.AnchorMeta{CurrStrength: 5}
	in.Message = "top 5 customers by revenue last month for warehouse MMOB"
	assert.False(t, ShouldPromote(in, ont))
}

func TestPromote(t *testing.T) {
	sp := spec.Defaults()
	sp.TaskType = "trend"
	sp.Ambiguities = []string{HintScaleMillion}

	// Scale-only follow-up after a top-N result keeps the ranking shape.
	out := Promote(sp, &payload.Payload{OutputMode: "top_n"})
	assert.Equal(t, spec.IntentTransformLast, out.Intent)
	assert.Equal(t, "transform_followup", out.TaskClass)
	assert.Equal(t, "ranking", out.TaskType)
	assert.Equal(t, "top_n", out.Output.Mode)

	// Already-scaled detail result keeps detail shape.
	prior := &payload.Payload{OutputMode: "detail", ScaledUnit: ScaledUnitMillion}
	sp2 := spec.Defaults()
	sp2.Ambiguities = []string{HintScaleMillion, HintSortDesc}
	out = Promote(sp2, prior)
	assert.Equal(t, "detail", out.TaskType)
	assert.Equal(t, "detail", out.Output.Mode)

	// KPI follow-ups default their aggregation to sum.
	sp3 := spec.Defaults()
	sp3.TaskType = "kpi"
	out = Promote(sp3, nil)
	assert.Equal(t, "sum", out.Aggregation)
	assert.Equal(t, spec.IntentTransformLast, out.Intent)

	// The input spec is never mutated.
	assert.Equal(t, spec.IntentRead, sp.Intent)
}

package transform

import (
	"regexp"
	"strings"
	"time"

	"github.com/roach88/tally/internal/dates"
	"github.com/roach88/tally/internal/ontology"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/spec"
	"github.com/roach88/tally/internal/topic"
)

// maxAmbiguities bounds the merged hint list carried on a spec.
const maxAmbiguities = 12

var (
	rankPhrasePattern = regexp.MustCompile(`\b(?:top|latest)\s+\d+\b`)

	documentIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b[A-Z]{2,}-[A-Z0-9]+-\d{4}-\d+\b`),
		regexp.MustCompile(`\b[A-Z]{2,}(?:-[A-Z0-9]{2,}){1,4}\b`),
	}
)

// MergeAmbiguities folds transform hints inferred from the message
// into the spec's ambiguity list, deduped with existing hints first.
// Returns the hints the message contributed.
func MergeAmbiguities(sp *spec.BusinessSpec, message string, ont *ontology.Catalog) []string {
	hints := loweredNonEmpty(ont.InferTransformAmbiguities(message))
	if len(hints) == 0 {
		return nil
	}
	existing := loweredNonEmpty(sp.Ambiguities)
	seen := make(map[string]struct{}, len(existing)+len(hints))
	var merged []string
	for _, v := range append(existing, hints...) {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		merged = append(merged, v)
	}
	if len(merged) > maxAmbiguities {
		merged = merged[:maxAmbiguities]
	}
	sp.Ambiguities = merged
	return hints
}

// FollowupStrength scores how much standalone business signal a
// follow-up message carries: a known metric, a timeframe, a scoped
// filter kind, a rank phrase, and a document id each score one.
// Messages at or below 2 read as contextual follow-ups.
func FollowupStrength(message string, ont *ontology.Catalog, ref time.Time) int {
	txt := strings.TrimSpace(message)
	if txt == "" {
		return 0
	}
	score := 0
	if ont.KnownMetric(txt) != "" {
		score++
	}
	if asOf, rng := dates.ExtractTimeframe(txt, ref); asOf != nil || rng != nil {
		score++
	}
	if hasScopedFilterKind(ont.InferFilterKinds(txt)) {
		score++
	}
	if rankPhrasePattern.MatchString(strings.ToLower(txt)) {
		score++
	}
	for _, p := range documentIDPatterns {
		if p.MatchString(txt) {
			score++
			break
		}
	}
	return score
}

// timeOnlyFilterKinds are filter kinds a timeframe already accounts
// for; they carry no scoping signal of their own.
var timeOnlyFilterKinds = map[string]struct{}{
	"date": {}, "from_date": {}, "to_date": {}, "report_date": {},
	"start_year": {}, "end_year": {}, "fiscal_year": {}, "year": {},
}

func hasScopedFilterKind(kinds []string) bool {
	for _, k := range kinds {
		kind := strings.ToLower(strings.TrimSpace(k))
		if kind == "" {
			continue
		}
		if _, timeOnly := timeOnlyFilterKinds[kind]; !timeOnly {
			return true
		}
	}
	return false
}

// PromotionInput bundles the evidence the promotion decision weighs.
type PromotionInput struct {
	Message string
	Spec    spec.BusinessSpec

	// Memory is the anchor metadata from topic continuity analysis.
	Memory topic.AnchorMeta

	// LastPayload is the previous turn's result, if any.
	LastPayload *payload.Payload

	// HasReportTableRows reports whether the previous result still
	// holds rows a transform could operate on.
	HasReportTableRows bool

	// WantsProjectionFollowup is set when the message asks to reshape
	// the previous columns ("just the names", "only totals").
	WantsProjectionFollowup bool

	// HasExplicitTimeScope is set when the current spec carries its
	// own timeframe.
	HasExplicitTimeScope bool

	// Now anchors relative-date parsing for the strength score.
	Now time.Time
}

// ShouldPromote decides whether a READ turn is really a transform
// follow-up over the previous result. Promotion requires both a
// transform-shaped ask (hint, aggregate, or projection) and evidence
// the message leans on the prior turn rather than standing alone.
func ShouldPromote(in PromotionInput, ont *ontology.Catalog) bool {
	sp := in.Spec
	if strings.ToUpper(strings.TrimSpace(sp.Intent)) != spec.IntentRead {
		return false
	}
	if !in.HasReportTableRows {
		return false
	}

	ambiguities := loweredNonEmpty(sp.Ambiguities)
	hasTransformHint := false
	hasSortDirectionHint := false
	for _, a := range ambiguities {
		if strings.HasPrefix(a, "transform_") {
			hasTransformHint = true
		}
		if a == HintSortAsc || a == HintSortDesc {
			hasSortDirectionHint = true
		}
	}

	taskType := strings.ToLower(strings.TrimSpace(sp.TaskType))
	aggregation := strings.ToLower(strings.TrimSpace(sp.Aggregation))
	wantsAggregate := taskType == "kpi" ||
		aggregation == "sum" || aggregation == "avg" || aggregation == "average" ||
		aggregation == "count" || aggregation == "min" || aggregation == "max"

	priorOutputMode := ""
	if in.LastPayload != nil {
		priorOutputMode = strings.ToLower(strings.TrimSpace(in.LastPayload.OutputMode))
	}

	currStrength := in.Memory.CurrStrength
	if currStrength <= 0 {
		currStrength = 9
	}

	weakCurrentTurn := currStrength <= 2
	anchoredFollowup := len(in.Memory.AnchorsApplied) > 0
	shortFollowupMessage := FollowupStrength(in.Message, ont, in.Now) <= 2
	contextualFollowup := anchoredFollowup || in.Memory.OverlapRatio >= 0.25
	freshTimeScopedRead := in.HasExplicitTimeScope && !anchoredFollowup && !weakCurrentTurn

	if freshTimeScopedRead && !hasTransformHint && !in.WantsProjectionFollowup {
		return false
	}
	if hasSortDirectionHint && priorOutputMode == "top_n" {
		return false
	}

	if hasTransformHint && (weakCurrentTurn || anchoredFollowup || (shortFollowupMessage && contextualFollowup)) {
		return true
	}
	if wantsAggregate && contextualFollowup && (weakCurrentTurn || shortFollowupMessage) {
		return true
	}
	if in.WantsProjectionFollowup && (weakCurrentTurn || anchoredFollowup || (shortFollowupMessage && contextualFollowup)) {
		return true
	}
	return false
}

// Promote rewrites a READ spec into a transform follow-up over the
// previous result, aligning the task shape with what that result
// looked like.
func Promote(sp spec.BusinessSpec, last *payload.Payload) spec.BusinessSpec {
	out := sp.Clone()
	out.Intent = spec.IntentTransformLast
	out.TaskClass = "transform_followup"

	priorOutputMode := ""
	priorScaledUnit := ""
	if last != nil {
		priorOutputMode = strings.ToLower(strings.TrimSpace(last.OutputMode))
		priorScaledUnit = strings.ToLower(strings.TrimSpace(last.ScaledUnit))
	}

	ambiguities := loweredNonEmpty(out.Ambiguities)
	scaleOnly := hasHint(ambiguities, HintScaleMillion) &&
		!hasHint(ambiguities, HintSortAsc) && !hasHint(ambiguities, HintSortDesc)

	taskType := strings.ToLower(strings.TrimSpace(out.TaskType))
	if taskType != "kpi" && taskType != "detail" && taskType != "ranking" {
		out.TaskType = "detail"
	}

	switch {
	case (priorOutputMode == "top_n" || priorOutputMode == "detail") &&
		(scaleOnly || priorScaledUnit == ScaledUnitMillion):
		if priorOutputMode == "top_n" {
			out.TaskType = "ranking"
		} else {
			out.TaskType = "detail"
		}
		out.Output.Mode = priorOutputMode
	case strings.ToLower(strings.TrimSpace(out.TaskType)) == "kpi":
		agg := strings.ToLower(strings.TrimSpace(out.Aggregation))
		if agg == "" || agg == "none" {
			out.Aggregation = "sum"
		}
	}
	return out
}

func loweredNonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if t := strings.ToLower(strings.TrimSpace(v)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

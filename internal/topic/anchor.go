package topic

import (
	"regexp"
	"strings"

	"github.com/roach88/tally/internal/spec"
)

// AnchorMeta reports what context anchoring did to a turn's spec.
type AnchorMeta struct {
	MemoryVersion    string   `json:"memory_version"`
	PrevDomain       string   `json:"prev_domain"`
	TopicSwitched    bool     `json:"topic_switched"`
	AnchorsApplied   []string `json:"anchors_applied"`
	CurrStrength     int      `json:"curr_strength"`
	AnchoredStrength int      `json:"anchored_strength"`
	OverlapRatio     float64  `json:"overlap_ratio"`
	MessageWords     int      `json:"message_words"`
}

const memoryVersion = "topic_memory_v1"

var signatureTokenPattern = regexp.MustCompile(`[a-z0-9_]+`)

// Anchor carries prior validated context into an underspecified turn.
// It never overwrites a field the current spec already sets, and it
// refuses to anchor at all when the turn looks like a strong fresh
// request on a different topic.
func Anchor(sp spec.BusinessSpec, message string, state State) (spec.BusinessSpec, AnchorMeta) {
	out := sp.Clone()
	prev := state.ActiveTopic

	currSig := signatureFromSpec(out)
	prevSig := signatureFromTopic(prev)
	currStrength := out.SignalStrength()

	prevStrength := 0
	if !prev.Empty() {
		stub := spec.BusinessSpec{
			Subject:   prev.Subject,
			Metric:    prev.Metric,
			GroupBy:   prev.GroupBy,
			Filters:   prev.Filters,
			TimeScope: prev.TimeScope,
			TopN:      prev.TopN,
		}
		prevStrength = stub.SignalStrength()
	}

	overlap := overlapRatio(currSig, prevSig)
	topicSwitched := !prev.Empty() && currStrength >= 3 && prevStrength >= 2 && overlap < 0.10

	var anchors []string
	canAnchor := !prev.Empty() && !topicSwitched && currStrength <= 2
	if canAnchor {
		if out.Subject == "" && prev.Subject != "" {
			out.Subject = prev.Subject
			anchors = append(anchors, "subject")
		}
		if out.Metric == "" && prev.Metric != "" {
			out.Metric = prev.Metric
			anchors = append(anchors, "metric")
		}
		if len(out.GroupBy) == 0 && len(prev.GroupBy) > 0 {
			out.GroupBy = capList(prev.GroupBy, 10)
			anchors = append(anchors, "group_by")
		}
		if out.TopN <= 0 && prev.TopN > 0 {
			out.TopN = prev.TopN
			if out.Output.Mode == "detail" {
				out.Output.Mode = "top_n"
			}
			anchors = append(anchors, "top_n")
		}
		if out.TimeScope.Empty() && !prev.TimeScope.Empty() {
			out.TimeScope = prev.TimeScope
			anchors = append(anchors, "time_scope")
		}
		if len(prev.Filters) > 0 {
			merged := false
			for k, v := range prev.Filters {
				if _, exists := out.Filters[k]; exists || emptyValue(v) {
					continue
				}
				out.Filters[k] = v
				merged = true
			}
			if merged {
				anchors = append(anchors, "filters")
			}
		}
		if documentIDFromFilters(out.Filters) == "" &&
			state.ActiveResult.DocumentID != "" && out.TaskType == "detail" {
			if _, exists := out.Filters["document_id"]; !exists {
				out.Filters["document_id"] = state.ActiveResult.DocumentID
				anchors = append(anchors, "document_id")
			}
		}
	}

	// Keep the output contract aligned with resolved semantic fields.
	if len(out.Output.MinimalColumns) == 0 {
		var wanted []string
		wanted = append(wanted, out.GroupBy...)
		if out.Metric != "" {
			wanted = append(wanted, out.Metric)
		}
		if len(wanted) > 0 {
			out.Output.MinimalColumns = capList(wanted, 12)
		}
	}

	meta := AnchorMeta{
		MemoryVersion:    memoryVersion,
		PrevDomain:       prev.Domain,
		TopicSwitched:    topicSwitched,
		AnchorsApplied:   anchors,
		CurrStrength:     currStrength,
		AnchoredStrength: out.SignalStrength(),
		OverlapRatio:     overlap,
		MessageWords:     len(strings.Fields(message)),
	}
	return out, meta
}

func signatureTokens(parts []string) map[string]struct{} {
	joined := strings.ToLower(strings.Join(parts, " "))
	out := make(map[string]struct{})
	for _, t := range signatureTokenPattern.FindAllString(joined, -1) {
		if len(t) >= 3 {
			out[t] = struct{}{}
		}
	}
	return out
}

func signatureFromSpec(sp spec.BusinessSpec) map[string]struct{} {
	parts := []string{
		sp.Subject, sp.Metric, sp.TaskType, sp.Aggregation,
		strings.Join(sp.GroupBy, " "),
		sp.TimeScope.Mode, sp.TimeScope.Value,
	}
	for k := range sp.Filters {
		parts = append(parts, k)
	}
	return signatureTokens(parts)
}

func signatureFromTopic(t Topic) map[string]struct{} {
	parts := []string{
		t.Subject, t.Metric,
		strings.Join(t.GroupBy, " "),
		t.TimeScope.Mode, t.TimeScope.Value,
	}
	for k := range t.Filters {
		parts = append(parts, k)
	}
	return signatureTokens(parts)
}

func overlapRatio(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter, union := 0, len(b)
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

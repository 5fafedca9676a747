// Package constraint derives the per-turn ConstraintSet from a
// normalized business spec and the prior topic state.
//
// Building a constraint set is a pure function: no I/O, no clock, no
// session access beyond the topic state passed in. Two calls with the
// same inputs always produce the same set.
package constraint

import (
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/tally/internal/ontology"
	"github.com/roach88/tally/internal/spec"
	"github.com/roach88/tally/internal/topic"
)

// SchemaVersion tags the constraint set wire format.
const SchemaVersion = "constraint_set_v1"

// FollowupBindings surface the prior-turn identifiers later stages use
// to detect continuation turns.
type FollowupBindings struct {
	ActiveTopicKey   string `json:"active_topic_key"`
	PreviousTopicKey string `json:"previous_topic_key"`
	ActiveResultID   string `json:"active_result_id"`
}

// Set is the derived constraint contract for one turn.
type Set struct {
	SchemaVersion  string `json:"schema_version"`
	Domain         string `json:"domain"`
	Metric         string `json:"metric"`
	TaskType       string `json:"task_type"`
	TaskClass      string `json:"task_class"`
	OutputMode     string `json:"output_mode"`
	RequestedLimit int    `json:"requested_limit"`
	SortIntent     string `json:"sort_intent"`
	TimeMode       string `json:"time_mode"`

	// Filters are the raw user filters, unknown keys included.
	Filters map[string]any `json:"filters"`

	// HardFilterKinds are the ontology-recognized kinds among the
	// filters. An unrecognized filter key never appears here.
	HardFilterKinds []string `json:"hard_filter_kinds"`

	RequestedDimensions []string         `json:"requested_dimensions"`
	SubjectTokens       []string         `json:"subject_tokens"`
	Followup            FollowupBindings `json:"followup_bindings"`

	// ActiveFilterContext re-exposes the previous topic's non-empty
	// filters for inheritance decisions downstream.
	ActiveFilterContext map[string]any `json:"active_filter_context"`
}

var unknownDomains = map[string]struct{}{
	"": {}, "unknown": {}, "none": {}, "generic": {}, "general": {}, "cross_functional": {},
}

var subjectStopTokens = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "that": {},
	"this": {}, "those": {}, "these": {}, "last": {}, "month": {},
	"week": {}, "year": {}, "today": {},
}

var tokenPattern = regexp.MustCompile(`[a-z0-9_]+`)

// Engine builds constraint sets against a vocabulary.
type Engine struct {
	ontology *ontology.Catalog
}

// NewEngine returns a constraint engine over the given vocabulary.
func NewEngine(cat *ontology.Catalog) *Engine {
	return &Engine{ontology: cat}
}

// Build derives the constraint set for one turn.
func (e *Engine) Build(sp spec.BusinessSpec, state topic.State) Set {
	reqDims := e.requestedDimensions(sp)
	metric := e.resolvedMetric(sp)

	taskClass := strings.ToLower(strings.TrimSpace(sp.TaskClass))
	if taskClass == "" {
		taskClass = spec.ClassAnalyticalRead
	}
	sortIntent := ""
	if taskClass == spec.ClassListLatestRecords {
		sortIntent = "latest_desc"
	}

	filters := make(map[string]any, len(sp.Filters))
	for k, v := range sp.Filters {
		filters[k] = v
	}

	return Set{
		SchemaVersion:  SchemaVersion,
		Domain:         e.resolveDomain(sp, metric, reqDims, state),
		Metric:         metric,
		TaskType:       strings.ToLower(strings.TrimSpace(sp.TaskType)),
		TaskClass:      taskClass,
		OutputMode:     strings.ToLower(strings.TrimSpace(sp.Output.Mode)),
		RequestedLimit: maxInt(0, sp.TopN),
		SortIntent:     sortIntent,
		TimeMode:       normalizeTimeMode(sp.TimeScope.Mode),
		Filters:        filters,

		HardFilterKinds:     e.hardFilterKinds(sp.Filters),
		RequestedDimensions: reqDims,
		SubjectTokens:       subjectTokens(sp.Subject),
		Followup: FollowupBindings{
			ActiveTopicKey:   state.ActiveTopic.TopicKey,
			PreviousTopicKey: state.PreviousTopicKey,
			ActiveResultID:   state.ActiveResult.ResultID,
		},
		ActiveFilterContext: activeFilterContext(state),
	}
}

// resolvedMetric accepts only ontology-known metrics, from the metric
// field first and the subject second. Arbitrary subject nouns never
// become metric constraints.
func (e *Engine) resolvedMetric(sp spec.BusinessSpec) string {
	if m := e.ontology.KnownMetric(sp.Metric); m != "" {
		return m
	}
	return e.ontology.KnownMetric(sp.Subject)
}

func (e *Engine) requestedDimensions(sp spec.BusinessSpec) []string {
	var out []string
	seen := make(map[string]struct{})
	sources := append(append(append([]string{}, sp.Dimensions...), sp.GroupBy...), sp.Output.MinimalColumns...)
	for _, raw := range sources {
		cd := e.ontology.KnownDimension(raw)
		if cd == "" {
			continue
		}
		if _, dup := seen[cd]; dup {
			continue
		}
		seen[cd] = struct{}{}
		out = append(out, cd)
	}
	if len(out) == 0 {
		if sdim := e.ontology.KnownDimension(sp.Subject); sdim != "" {
			out = append(out, sdim)
		}
	}
	return out
}

// hardFilterKinds keeps only ontology-recognized kinds. Unknown raw
// keys stay in Filters but must not become hard blockers.
func (e *Engine) hardFilterKinds(filters map[string]any) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, k := range sortedFilterKeys(filters) {
		if emptyFilterValue(filters[k]) {
			continue
		}
		for _, kind := range e.ontology.InferFilterKinds(k) {
			if _, dup := seen[kind]; dup {
				continue
			}
			seen[kind] = struct{}{}
			out = append(out, kind)
		}
	}
	return out
}

// resolveDomain picks the turn's domain: explicit spec domain, then
// the metric's domain, then a dimension heuristic, then the prior
// topic's domain, then unknown.
func (e *Engine) resolveDomain(sp spec.BusinessSpec, metric string, reqDims []string, state topic.State) string {
	domainRaw := e.ontology.CanonicalDomain(sp.Domain)
	if _, unk := unknownDomains[domainRaw]; !unk {
		return domainRaw
	}
	if md := e.ontology.MetricDomain(metric); md != "" {
		if _, unk := unknownDomains[md]; !unk {
			return md
		}
	}
	for _, d := range reqDims {
		switch d {
		case "customer":
			return "sales"
		case "supplier":
			return "purchasing"
		case "warehouse":
			return "inventory"
		case "company":
			return "finance"
		}
	}
	prevDomain := e.ontology.CanonicalDomain(state.ActiveTopic.Domain)
	if _, unk := unknownDomains[prevDomain]; !unk && prevDomain != "" {
		return prevDomain
	}
	return "unknown"
}

// subjectTokens extracts the subject's distinctive word tokens:
// lowercase, at least three characters, minus a small stop list.
func subjectTokens(subject string) []string {
	raw := strings.ToLower(strings.TrimSpace(subject))
	if raw == "" {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, t := range tokenPattern.FindAllString(raw, -1) {
		if len(t) < 3 {
			continue
		}
		if _, stop := subjectStopTokens[t]; stop {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func activeFilterContext(state topic.State) map[string]any {
	out := make(map[string]any)
	for k, v := range state.ActiveTopic.Filters {
		if !emptyFilterValue(v) {
			out[k] = v
		}
	}
	return out
}

func normalizeTimeMode(mode string) string {
	m := strings.ToLower(strings.TrimSpace(mode))
	switch m {
	case "as_of", "range", "relative", "none":
		return m
	default:
		return "none"
	}
}

func emptyFilterValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}

func sortedFilterKeys(filters map[string]any) []string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	// Deterministic hard-kind ordering regardless of map iteration.
	sort.Strings(keys)
	return keys
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

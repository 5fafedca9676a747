// Package contract holds the versioned allowed-value contracts the
// pipeline validates against: which intents, task types, aggregations,
// time modes, output modes, and domains a business spec may carry, and
// which blocker reasons a clarification may surface.
//
// Contracts are data, not code. The built-in defaults are complete;
// deployments may layer overlay JSON files on top (deep merge, overlay
// wins) without touching runtime logic.
package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// SpecContract bounds the value space of normalized business specs.
type SpecContract struct {
	Version string `json:"version"`

	Allowed struct {
		Intents      []string `json:"intents"`
		TaskTypes    []string `json:"task_types"`
		TaskClasses  []string `json:"task_classes"`
		Aggregations []string `json:"aggregations"`
		TimeModes    []string `json:"time_modes"`
		OutputModes  []string `json:"output_modes"`
		Domains      []string `json:"domains"`
	} `json:"allowed"`

	CanonicalDimensions []string          `json:"canonical_dimensions"`
	DimensionDomainMap  map[string]string `json:"dimension_domain_map"`
}

// ClarificationContract bounds what a clarification may ask.
type ClarificationContract struct {
	Version string `json:"version"`

	AllowedBlockerReasons    []string          `json:"allowed_blocker_reasons"`
	DefaultQuestionsByReason map[string]string `json:"default_questions_by_reason"`
	QuestionsByFilterKind    map[string]string `json:"questions_by_filter_kind"`
	FallbackQuestion         string            `json:"fallback_question"`
}

// Registry bundles the active contracts. Build with Defaults or Load.
type Registry struct {
	Spec          SpecContract
	Clarification ClarificationContract
}

// Defaults returns the built-in contracts.
func Defaults() *Registry {
	r := &Registry{}
	r.Spec.Version = "spec_contract_v1"
	r.Spec.Allowed.Intents = []string{"READ", "TRANSFORM_LAST", "TUTOR", "WRITE_DRAFT", "WRITE_CONFIRM", "EXPORT"}
	r.Spec.Allowed.TaskTypes = []string{"kpi", "ranking", "trend", "detail"}
	r.Spec.Allowed.TaskClasses = []string{"analytical_read", "list_latest_records", "detail_projection", "transform_followup"}
	r.Spec.Allowed.Aggregations = []string{"sum", "count", "avg", "none"}
	r.Spec.Allowed.TimeModes = []string{"as_of", "range", "relative", "none"}
	r.Spec.Allowed.OutputModes = []string{"kpi", "top_n", "detail"}
	r.Spec.Allowed.Domains = []string{"unknown", "sales", "finance", "inventory", "purchasing", "operations", "hr", "cross_functional"}
	r.Spec.CanonicalDimensions = []string{"customer", "supplier", "item", "warehouse", "company", "territory"}
	r.Spec.DimensionDomainMap = map[string]string{
		"customer":  "sales",
		"supplier":  "purchasing",
		"warehouse": "inventory",
		"company":   "finance",
	}

	r.Clarification.Version = "clarification_contract_v1"
	r.Clarification.AllowedBlockerReasons = []string{
		"missing_required_filter_value",
		"hard_constraint_not_supported",
		"entity_no_match",
		"entity_ambiguous",
		"no_candidate",
		"low_confidence_candidate",
		"resolver_pipeline_error",
	}
	r.Clarification.DefaultQuestionsByReason = map[string]string{
		"missing_required_filter_value": "Which required filter value should I use (for example company, warehouse, customer, or supplier)?",
		"hard_constraint_not_supported": "I couldn't satisfy all requested constraints in one report. Should I switch to a compatible report or keep current scope?",
		"entity_no_match":               "I couldn't find a matching value for that filter. Which exact value should I use?",
		"entity_ambiguous":              "I found multiple matches for that filter. Which one should I use?",
	}
	r.Clarification.QuestionsByFilterKind = map[string]string{
		"company":   "Which company should I use?",
		"warehouse": "Which warehouse should I use?",
		"customer":  "Which customer should I use?",
		"supplier":  "Which supplier should I use?",
		"item":      "Which item should I use?",
	}
	r.Clarification.FallbackQuestion = "Please provide one concrete missing detail so I can run the correct report."
	return r
}

// Load builds a registry from the defaults plus optional overlay JSON
// files (applied in order; missing files are skipped). Overlay files
// hold partial {"spec_contract": ..., "clarification_contract": ...}
// objects.
func Load(overlayPaths ...string) (*Registry, error) {
	r := Defaults()
	for _, p := range overlayPaths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read contract overlay %s: %w", p, err)
		}
		var overlay struct {
			Spec          *SpecContract          `json:"spec_contract"`
			Clarification *ClarificationContract `json:"clarification_contract"`
		}
		if err := json.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("parse contract overlay %s: %w", p, err)
		}
		r.apply(overlay.Spec, overlay.Clarification)
	}
	return r, nil
}

func (r *Registry) apply(spec *SpecContract, clar *ClarificationContract) {
	if spec != nil {
		if strings.TrimSpace(spec.Version) != "" {
			r.Spec.Version = spec.Version
		}
		mergeList(&r.Spec.Allowed.Intents, spec.Allowed.Intents)
		mergeList(&r.Spec.Allowed.TaskTypes, spec.Allowed.TaskTypes)
		mergeList(&r.Spec.Allowed.TaskClasses, spec.Allowed.TaskClasses)
		mergeList(&r.Spec.Allowed.Aggregations, spec.Allowed.Aggregations)
		mergeList(&r.Spec.Allowed.TimeModes, spec.Allowed.TimeModes)
		mergeList(&r.Spec.Allowed.OutputModes, spec.Allowed.OutputModes)
		mergeList(&r.Spec.Allowed.Domains, spec.Allowed.Domains)
		mergeList(&r.Spec.CanonicalDimensions, spec.CanonicalDimensions)
		for k, v := range spec.DimensionDomainMap {
			r.Spec.DimensionDomainMap[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
		}
	}
	if clar != nil {
		if strings.TrimSpace(clar.Version) != "" {
			r.Clarification.Version = clar.Version
		}
		mergeList(&r.Clarification.AllowedBlockerReasons, clar.AllowedBlockerReasons)
		for k, v := range clar.DefaultQuestionsByReason {
			r.Clarification.DefaultQuestionsByReason[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
		for k, v := range clar.QuestionsByFilterKind {
			r.Clarification.QuestionsByFilterKind[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
		if strings.TrimSpace(clar.FallbackQuestion) != "" {
			r.Clarification.FallbackQuestion = clar.FallbackQuestion
		}
	}
}

func mergeList(base *[]string, extra []string) {
	seen := make(map[string]struct{}, len(*base))
	for _, v := range *base {
		seen[strings.ToLower(v)] = struct{}{}
	}
	for _, v := range extra {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		lower := strings.ToLower(v)
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		*base = append(*base, v)
	}
}

// AllowedSpecValues returns the lowercase allowed set for a spec field
// ("intents", "task_types", ...).
func (r *Registry) AllowedSpecValues(key string) map[string]struct{} {
	var src []string
	switch key {
	case "intents":
		src = r.Spec.Allowed.Intents
	case "task_types":
		src = r.Spec.Allowed.TaskTypes
	case "task_classes":
		src = r.Spec.Allowed.TaskClasses
	case "aggregations":
		src = r.Spec.Allowed.Aggregations
	case "time_modes":
		src = r.Spec.Allowed.TimeModes
	case "output_modes":
		src = r.Spec.Allowed.OutputModes
	case "domains":
		src = r.Spec.Allowed.Domains
	}
	out := make(map[string]struct{}, len(src))
	for _, v := range src {
		out[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return out
}

// CanonicalDimensionSet returns the lowercase canonical dimension set.
func (r *Registry) CanonicalDimensionSet() map[string]struct{} {
	out := make(map[string]struct{}, len(r.Spec.CanonicalDimensions))
	for _, v := range r.Spec.CanonicalDimensions {
		out[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return out
}

// DomainFromDimension returns the contract's domain for a canonical
// dimension, or empty.
func (r *Registry) DomainFromDimension(dim string) string {
	return r.Spec.DimensionDomainMap[strings.ToLower(strings.TrimSpace(dim))]
}

// AllowedBlockerReason reports whether reason may surface to the user.
func (r *Registry) AllowedBlockerReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	for _, v := range r.Clarification.AllowedBlockerReasons {
		if strings.ToLower(v) == reason {
			return true
		}
	}
	return false
}

// DefaultQuestion returns the canonical question for a blocker reason,
// falling back to the generic one-detail question.
func (r *Registry) DefaultQuestion(reason string) string {
	if q := strings.TrimSpace(r.Clarification.DefaultQuestionsByReason[strings.ToLower(strings.TrimSpace(reason))]); q != "" {
		return q
	}
	return strings.TrimSpace(r.Clarification.FallbackQuestion)
}

var kindSeparators = regexp.MustCompile(`[_\-]+`)
var spaceRuns = regexp.MustCompile(`\s+`)

// QuestionForFilterKind returns the question to ask when a required
// filter value of the given kind is missing. Unknown kinds get a
// humanized generic question.
func (r *Registry) QuestionForFilterKind(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	if q := strings.TrimSpace(r.Clarification.QuestionsByFilterKind[k]); q != "" {
		return q
	}
	human := strings.TrimSpace(spaceRuns.ReplaceAllString(kindSeparators.ReplaceAllString(k, " "), " "))
	if human != "" {
		return fmt.Sprintf("Which value should I use for %s?", human)
	}
	return strings.TrimSpace(r.Clarification.FallbackQuestion)
}

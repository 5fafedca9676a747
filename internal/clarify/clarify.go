// Package clarify decides whether a turn must stop and ask the user a
// question. The policy is blocker-only: a clarification fires only for
// an allow-listed blocker reason signaled by the resolver (or an
// entity resolution blocker), never for soft semantic mismatches the
// selected report can execute through anyway.
package clarify

import (
	"strings"

	"github.com/roach88/tally/internal/contract"
	"github.com/roach88/tally/internal/entity"
	"github.com/roach88/tally/internal/resolver"
	"github.com/roach88/tally/internal/spec"
)

// PolicyVersion stamps every decision for audit trails.
const PolicyVersion = "blocker_only_v1"

const maxOptions = 8
const maxQuestionLen = 280

// Decision is the outcome of the clarification gate.
type Decision struct {
	ShouldClarify   bool     `json:"should_clarify"`
	Reason          string   `json:"reason"`
	Question        string   `json:"question"`
	Options         []string `json:"options,omitempty"`
	TargetFilterKey string   `json:"target_filter_key,omitempty"`
	RawValue        string   `json:"raw_value,omitempty"`
	PolicyVersion   string   `json:"policy_version"`
}

// softBlockers are semantic mismatch tags a report can execute
// through; on their own they never justify stopping the turn.
var softBlockers = map[string]bool{
	"unsupported_metric":         true,
	"metric_domain_mismatch":     true,
	"primary_dimension_mismatch": true,
	"unsupported_dimension":      true,
}

// Reasons whose questions are always replaced by the canonical
// contract template, never passed through as resolver free text.
var templatedReasons = map[string]bool{
	resolver.ReasonMissingRequiredFilter: true,
	resolver.ReasonHardConstraint:        true,
	resolver.ReasonPipelineError:         true,
}

// metaQuestionPhrases mark questions that ask the user to do the
// planner's job; they are replaced with a concrete template.
var metaQuestionPhrases = []string{
	"metric or grouping",
	"grouping or metric",
	"which metric",
	"which grouping",
}

// Policy evaluates clarification decisions against the contract
// registry's allow-lists and question templates.
type Policy struct {
	contracts *contract.Registry
}

// NewPolicy returns a policy over the given contract registry.
func NewPolicy(contracts *contract.Registry) *Policy {
	return &Policy{contracts: contracts}
}

// Evaluate applies the blocker-only gate to one resolved request.
func (p *Policy) Evaluate(sp spec.BusinessSpec, res resolver.Resolution) Decision {
	reason := strings.ToLower(strings.TrimSpace(res.ClarificationReason))
	should := (res.NeedsClarification || sp.NeedsClarification) &&
		(reason == "" || p.contracts.AllowedBlockerReason(reason))

	// A hard-constraint signal whose selected candidate is blocked only
	// by soft semantic tags and misses no required filter value is
	// executable; run it instead of asking.
	if should && reason == resolver.ReasonHardConstraint {
		if sel, ok := res.Selected(); ok && onlySoftBlockers(sel) && len(sel.MissingRequiredFilterValues) == 0 {
			should = false
			reason = ""
		}
	}

	// Record-type disambiguation: a record listing with no scope at all
	// cannot pick a record type deterministically, whatever the
	// resolver scored.
	if !should && p.recordTypeAmbiguous(sp) {
		return Decision{
			ShouldClarify: true,
			Reason:        resolver.ReasonNoCandidate,
			Question:      "Which record type should I list, and for which timeframe?",
			PolicyVersion: PolicyVersion,
		}
	}

	if !should {
		return Decision{PolicyVersion: PolicyVersion}
	}

	if reason == "" {
		reason = "needs_clarification"
	}
	question := strings.TrimSpace(res.ClarificationQuestion)
	if question == "" {
		question = strings.TrimSpace(sp.ClarificationQuestion)
	}
	return Decision{
		ShouldClarify: true,
		Reason:        reason,
		Question:      p.question(reason, question),
		PolicyVersion: PolicyVersion,
	}
}

// FromEntity converts an entity resolution blocker into a decision.
// Entity questions keep their contextual text since they name the
// exact value that failed to resolve.
func FromEntity(clar *entity.Clarification) Decision {
	if clar == nil {
		return Decision{PolicyVersion: PolicyVersion}
	}
	reason := strings.TrimSpace(clar.Reason)
	if reason == "" {
		reason = "entity_no_match"
	}
	options := make([]string, 0, len(clar.Options))
	for _, o := range clar.Options {
		if strings.TrimSpace(o) == "" {
			continue
		}
		options = append(options, o)
		if len(options) == maxOptions {
			break
		}
	}
	return Decision{
		ShouldClarify:   true,
		Reason:          reason,
		Question:        truncate(strings.TrimSpace(clar.Question), maxQuestionLen),
		Options:         options,
		TargetFilterKey: clar.FilterKey,
		RawValue:        clar.RawValue,
		PolicyVersion:   PolicyVersion,
	}
}

// Suppressed returns the explicit no-clarification decision, used when
// a deterministic path (transform follow-up, direct document lookup)
// bypasses the gate.
func Suppressed() Decision {
	return Decision{PolicyVersion: PolicyVersion}
}

func onlySoftBlockers(c resolver.Candidate) bool {
	if len(c.HardBlockers) == 0 {
		return false
	}
	for _, b := range c.HardBlockers {
		if !softBlockers[b] {
			return false
		}
	}
	return true
}

var unspecifiedDomains = map[string]bool{
	"": true, "unknown": true, "none": true,
	"generic": true, "general": true, "cross_functional": true,
}

// recordTypeAmbiguous reports whether the request is a record listing
// with no domain, metric, or dimension scope to choose a record type
// from.
func (p *Policy) recordTypeAmbiguous(sp spec.BusinessSpec) bool {
	if !unspecifiedDomains[strings.ToLower(strings.TrimSpace(sp.Domain))] {
		return false
	}
	if strings.TrimSpace(sp.Metric) != "" || len(sp.Dimensions) > 0 {
		return false
	}
	switch sp.TaskClass {
	case spec.ClassListLatestRecords:
		return true
	case spec.ClassDetailProjection:
		for _, col := range sp.Output.MinimalColumns {
			if idLikeColumn(col) {
				return true
			}
		}
	}
	return false
}

func idLikeColumn(col string) bool {
	c := strings.ToLower(strings.TrimSpace(col))
	if c == "name" || c == "id" {
		return true
	}
	return strings.HasSuffix(c, "_id") || strings.HasSuffix(c, "_no") ||
		strings.HasSuffix(c, "number") || strings.HasSuffix(c, "_name")
}

// question selects the user-facing text for a reason: canonical
// templates for resolver-level reasons, sanitized pass-through
// otherwise.
func (p *Policy) question(reason, raw string) string {
	if templatedReasons[reason] {
		return p.contracts.DefaultQuestion(reason)
	}
	q := strings.TrimSpace(raw)
	lower := strings.ToLower(q)
	meta := false
	for _, phrase := range metaQuestionPhrases {
		if strings.Contains(lower, phrase) {
			meta = true
			break
		}
	}
	if q == "" || meta {
		return p.contracts.DefaultQuestion(reason)
	}
	return truncate(q, maxQuestionLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

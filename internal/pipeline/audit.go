package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/roach88/tally/internal/catalog"
	"github.com/roach88/tally/internal/clarify"
	"github.com/roach88/tally/internal/constraint"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/quality"
	"github.com/roach88/tally/internal/resolver"
	"github.com/roach88/tally/internal/spec"
	"github.com/roach88/tally/internal/topic"
)

// AuditMessage is one persisted decision record for a turn. JSON is a
// single stable-keyed object; kind duplicates its "type" field for
// indexed lookup.
type AuditMessage struct {
	Kind string
	JSON string
}

// auditTrail accumulates the turn's audit messages in decision order.
type auditTrail struct {
	tool     string
	mode     string
	messages []AuditMessage
}

func newAuditTrail(tool, mode string) *auditTrail {
	return &auditTrail{tool: strings.TrimSpace(tool), mode: strings.TrimSpace(mode)}
}

func (a *auditTrail) add(kind string, body map[string]any) {
	body["type"] = kind
	body["tool"] = a.tool
	body["mode"] = a.mode
	b, err := json.Marshal(body)
	if err != nil {
		b = []byte(`{"type":"` + kind + `"}`)
	}
	a.messages = append(a.messages, AuditMessage{Kind: kind, JSON: string(b)})
}

func (a *auditTrail) raw(kind, jsonBody string) {
	if strings.TrimSpace(jsonBody) == "" {
		return
	}
	a.messages = append(a.messages, AuditMessage{Kind: kind, JSON: jsonBody})
}

func (a *auditTrail) spec(sp spec.BusinessSpec, issues []string) {
	a.add("business_request_spec", map[string]any{
		"spec":   sp,
		"issues": emptyIfNil(issues),
	})
}

func (a *auditTrail) constraints(cs constraint.Set) {
	a.add("constraint_set", map[string]any{
		"constraints": cs,
	})
}

func (a *auditTrail) dbCatalog(cx catalog.Context) {
	a.add("db_catalog", map[string]any{
		"context": cx,
	})
}

func (a *auditTrail) resolution(res resolver.Resolution) {
	candidates := make([]map[string]any, 0, len(res.CandidateReports))
	for _, c := range res.CandidateReports {
		candidates = append(candidates, map[string]any{
			"report_name": c.ReportName,
			"score":       c.Score,
		})
	}
	a.add("resolver", map[string]any{
		"selected_report":     res.SelectedReport,
		"selected_confidence": res.SelectedConfidence,
		"needs_clarification": res.NeedsClarification,
		"reason":              res.ClarificationReason,
		"candidates":          candidates,
	})
}

func (a *auditTrail) clarification(d clarify.Decision) {
	a.add("clarification_policy", map[string]any{
		"should_clarify": d.ShouldClarify,
		"reason":         d.Reason,
		"question":       d.Question,
		"options":        emptyIfNil(d.Options),
		"policy_version": d.PolicyVersion,
	})
}

func (a *auditTrail) quality(r quality.Report) {
	a.raw("quality_gate", r.ToolMessage(a.tool, a.mode))
}

func (a *auditTrail) topicState(state topic.State, meta topic.AnchorMeta) {
	a.add("topic_state", map[string]any{
		"state":  state,
		"anchor": meta,
	})
}

// resumeToolMessage records a resume-policy direct reply.
func resumeToolMessage(tool string, p payload.Payload) string {
	b, err := json.Marshal(map[string]any{
		"type":            "resume_policy",
		"tool":            strings.TrimSpace(tool),
		"payload_type":    string(p.Type),
		"cleared_pending": p.ClearPendingState,
		"has_pending":     p.Pending != nil,
	})
	if err != nil {
		return `{"type":"resume_policy"}`
	}
	return string(b)
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

package resolver

import (
	"strings"

	"github.com/roach88/tally/internal/spec"
)

// Plan actions.
const (
	ActionRunReport = "run_report"
	ActionClarify   = "clarify"
)

// Plan is the strict execution intent compiled from a resolution:
// either run the selected report with the request's filters, or ask
// exactly one clarification question.
type Plan struct {
	Action              string         `json:"action"`
	ReportName          string         `json:"report_name"`
	Filters             map[string]any `json:"filters,omitempty"`
	FiltersSoFar        map[string]any `json:"filters_so_far,omitempty"`
	Question            string         `json:"question,omitempty"`
	NeedsClarification  bool           `json:"needs_clarification"`
	ClarificationReason string         `json:"clarification_reason,omitempty"`
	SelectedScore       *int           `json:"selected_score,omitempty"`
	CandidateCount      int            `json:"candidate_count,omitempty"`
}

// CompilePlan turns a resolution into an execution plan for the given
// request. Filters are copied so plan consumers can annotate them
// without touching the spec.
func CompilePlan(res Resolution, sp spec.BusinessSpec) Plan {
	filters := make(map[string]any, len(sp.Filters))
	for k, v := range sp.Filters {
		filters[k] = v
	}

	if res.NeedsClarification || res.SelectedReport == "" {
		question := strings.TrimSpace(res.ClarificationQuestion)
		if question == "" {
			question = "Could you clarify the missing business detail so I can run the right report?"
		}
		reason := res.ClarificationReason
		if reason == "" {
			reason = ReasonNoCandidate
		}
		return Plan{
			Action:              ActionClarify,
			ReportName:          res.SelectedReport,
			FiltersSoFar:        filters,
			Question:            question,
			NeedsClarification:  true,
			ClarificationReason: reason,
			SelectedScore:       res.SelectedScore,
		}
	}

	return Plan{
		Action:         ActionRunReport,
		ReportName:     res.SelectedReport,
		Filters:        filters,
		SelectedScore:  res.SelectedScore,
		CandidateCount: len(res.CandidateReports),
	}
}

// Ranker is an optional model-assisted reranking collaborator. It may
// pick one of the offered candidate names, or return empty to keep the
// deterministic selection.
type Ranker interface {
	Choose(message string, sp spec.BusinessSpec, candidates []Candidate) (string, error)
}

const rerankMaxCandidates = 40

// rerankScoreSlack bounds how far below the deterministic best score a
// reranked pick may sit. Prevents low-score drift away from semantic
// ranking.
const rerankScoreSlack = 2

// Rerank lets a ranker choose among feasible candidates, bounded to
// picks within rerankScoreSlack of the best feasible score. Returns
// the resolution unchanged when the ranker declines, errors, or picks
// outside bounds.
func Rerank(res Resolution, sp spec.BusinessSpec, message string, ranker Ranker) Resolution {
	if ranker == nil || strings.TrimSpace(message) == "" {
		return res
	}
	feasible := []Candidate{}
	best := 0
	for _, c := range res.CandidateReports {
		if !c.Feasible() || c.ReportName == "" {
			continue
		}
		if len(feasible) == 0 || c.Score > best {
			best = c.Score
		}
		feasible = append(feasible, c)
		if len(feasible) == rerankMaxCandidates {
			break
		}
	}
	if len(feasible) < 2 {
		return res
	}

	chosen, err := ranker.Choose(message, sp, feasible)
	if err != nil {
		return res
	}
	chosen = strings.TrimSpace(chosen)
	if chosen == "" || chosen == res.SelectedReport {
		return res
	}
	for _, c := range feasible {
		if c.ReportName != chosen {
			continue
		}
		if c.Score < best-rerankScoreSlack {
			return res
		}
		score := c.Score
		res.SelectedReport = c.ReportName
		res.SelectedScore = &score
		res.SelectedConfidence = c.Confidence
		res.RerankedBy = "candidate_ranker"
		return res
	}
	return res
}

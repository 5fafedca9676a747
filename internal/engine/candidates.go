package engine

import (
	"encoding/json"
	"strings"

	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/resolver"
	"github.com/roach88/tally/internal/spec"
)

const maxTopCandidates = 6

const maxTraceReasons = 6

// traceStepLimit caps how many step-trace entries the tool message
// embeds.
const traceStepLimit = 6

// CandidateSummary is the audit digest of one scored report kept in
// the step trace.
type CandidateSummary struct {
	ReportName                  string   `json:"report_name"`
	Score                       int      `json:"score"`
	HardBlockers                []string `json:"hard_blockers"`
	MissingRequiredFilterValues []string `json:"missing_required_filter_values"`
	Reasons                     []string `json:"reasons"`
}

// CandidateState is the loop's switching window over the resolver's
// candidate list.
type CandidateState struct {
	// Reports is the ordered switch list. When any feasible candidate
	// exists the list holds only feasible ones.
	Reports []string

	// Cursor indexes the currently selected report in Reports.
	Cursor int

	// Scores maps report name to resolver score.
	Scores map[string]int

	// TopCandidates is the audit digest (capped).
	TopCandidates []CandidateSummary
}

// Current returns the report under the cursor, or empty.
func (s CandidateState) Current() string {
	if s.Cursor >= 0 && s.Cursor < len(s.Reports) {
		return s.Reports[s.Cursor]
	}
	return ""
}

// IndexOf returns the position of a report in the switch list, or -1.
func (s CandidateState) IndexOf(report string) int {
	for i, r := range s.Reports {
		if r == report {
			return i
		}
	}
	return -1
}

// BuildCandidateState derives the switch list from a resolution.
// Candidates are deduped by name; infeasible ones are dropped when at
// least one feasible candidate exists; the selected report is always
// present and the cursor starts on it.
func BuildCandidateState(res resolver.Resolution) CandidateState {
	state := CandidateState{Scores: map[string]int{}}
	var feasible []string
	seen := map[string]struct{}{}
	seenFeasible := map[string]struct{}{}

	for _, c := range res.CandidateReports {
		name := strings.TrimSpace(c.ReportName)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			state.Reports = append(state.Reports, name)
			state.Scores[name] = c.Score
		}
		if c.Feasible() {
			if _, dup := seenFeasible[name]; !dup {
				seenFeasible[name] = struct{}{}
				feasible = append(feasible, name)
			}
		}
		if len(state.TopCandidates) < maxTopCandidates {
			reasons := trimmedNonEmpty(c.Reasons)
			if len(reasons) > maxTraceReasons {
				reasons = reasons[:maxTraceReasons]
			}
			state.TopCandidates = append(state.TopCandidates, CandidateSummary{
				ReportName:                  name,
				Score:                       c.Score,
				HardBlockers:                trimmedNonEmpty(c.HardBlockers),
				MissingRequiredFilterValues: trimmedNonEmpty(c.MissingRequiredFilterValues),
				Reasons:                     reasons,
			})
		}
	}

	if len(feasible) > 0 {
		state.Reports = feasible
	}
	selected := strings.TrimSpace(res.SelectedReport)
	if selected != "" && state.IndexOf(selected) < 0 {
		state.Reports = append([]string{selected}, state.Reports...)
	}
	if idx := state.IndexOf(selected); selected != "" && idx >= 0 {
		state.Cursor = idx
	}
	return state
}

// TraceEntry is one audited loop decision. Entries of different kinds
// populate different field subsets.
type TraceEntry struct {
	Step                int                `json:"step"`
	Action              string             `json:"action,omitempty"`
	SignatureRepeated   bool               `json:"signature_repeated,omitempty"`
	RetryRequested      bool               `json:"retry_requested,omitempty"`
	Applied             *bool              `json:"applied,omitempty"`
	QualityVerdict      string             `json:"quality_verdict,omitempty"`
	FailedCheckIDs      []string           `json:"failed_check_ids,omitempty"`
	ReportName          string             `json:"report_name,omitempty"`
	RowCount            *int               `json:"row_count,omitempty"`
	ColumnLabels        []string           `json:"column_labels,omitempty"`
	RequestedMetric     string             `json:"requested_metric,omitempty"`
	RequestedDimensions []string           `json:"requested_dimensions,omitempty"`
	SelectedReport      string             `json:"selected_report,omitempty"`
	SwitchAttempt       int                `json:"switch_attempt,omitempty"`
	TopCandidates       []CandidateSummary `json:"top_candidates,omitempty"`
}

// ResolverSelectedTrace is the step-0 entry recording what the
// resolver picked and why, before any execution happens.
func ResolverSelectedTrace(sp spec.BusinessSpec, res resolver.Resolution, state CandidateState) TraceEntry {
	return TraceEntry{
		Step:                0,
		Action:              "resolver_selected",
		RequestedMetric:     strings.TrimSpace(sp.Metric),
		RequestedDimensions: append([]string(nil), res.HardConstraints.RequestedDimensions...),
		SelectedReport:      strings.TrimSpace(res.SelectedReport),
		TopCandidates:       state.TopCandidates,
	}
}

// ExtractAutoSwitchPending returns the pending state when a report
// executor asked for a report switch via an embedded quality
// clarification, and no switch was attempted for it yet.
func ExtractAutoSwitchPending(p payload.Payload) *payload.PendingState {
	pending := p.Pending
	if pending == nil || strings.TrimSpace(pending.Mode) != "planner_clarify" {
		return nil
	}
	qc := pending.QualityClarification
	if qc == nil {
		return nil
	}
	if strings.TrimSpace(payload.CellString(qc["intent"])) != "switch_report" {
		return nil
	}
	if attempt, ok := payload.ParseNumber(qc["switch_attempt"]); ok && attempt >= 1 {
		return nil
	}
	return pending
}

// suggestedSwitchReport reads the report an auto-switch pending asks
// for, in precedence order.
func suggestedSwitchReport(pending *payload.PendingState) string {
	if pending == nil {
		return ""
	}
	if qc := pending.QualityClarification; qc != nil {
		if name := strings.TrimSpace(payload.CellString(qc["suggested_report"])); name != "" {
			return name
		}
		if name := strings.TrimSpace(payload.CellString(qc["report_name"])); name != "" {
			return name
		}
	}
	return strings.TrimSpace(pending.ReportName)
}

// ToolMessage renders the loop's audit line for the session log.
func (r Result) ToolMessage(tool, mode string) string {
	trace := r.StepTrace
	if len(trace) > traceStepLimit {
		trace = trace[:traceStepLimit]
	}
	b, err := json.Marshal(map[string]any{
		"type":                          "read_engine",
		"mode":                          strings.TrimSpace(mode),
		"tool":                          strings.TrimSpace(tool),
		"selected_report":               strings.TrimSpace(r.SelectedReport),
		"selected_score":                r.Resolution.SelectedScore,
		"max_steps":                     r.MaxSteps,
		"executed_steps":                r.ExecutedSteps,
		"repair_attempts":               r.RepairAttempts,
		"quality_verdict":               r.Quality.Verdict,
		"failed_check_ids":              r.Quality.FailedCheckIDs,
		"repeated_call_guard_triggered": r.RepeatedGuardTriggered,
		"step_trace":                    trace,
	})
	if err != nil {
		return `{"type":"read_engine"}`
	}
	return string(b)
}

func trimmedNonEmpty(values []string) []string {
	out := []string{}
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

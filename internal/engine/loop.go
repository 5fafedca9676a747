package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/quality"
	"github.com/roach88/tally/internal/resolver"
	"github.com/roach88/tally/internal/shape"
	"github.com/roach88/tally/internal/spec"
	"github.com/roach88/tally/internal/transform"
)

// DefaultMaxSteps bounds loop iterations per turn.
const DefaultMaxSteps = 4

// maxSourceColumns caps the preserved pre-transform column list.
const maxSourceColumns = 40

const repeatedGuardText = "I couldn't progress this request safely due to a repeated execution path. " +
	"Please restate the request in one sentence."

const missingPriorResultText = "I need a previous result in this chat to apply that transform."

const executionIssueText = "I hit a report execution issue for this request. " +
	"Please adjust one filter (date/company/warehouse) and retry."

const unavailablePathText = "I couldn't reliably produce that result with the current execution path. " +
	"Please refine the request (target report/filters), and I'll retry."

const fallbackClarifyQuestion = "I couldn't satisfy all requested constraints in one report. " +
	"Should I switch to a compatible report or keep current scope?"

// Runner executes one report and returns its raw payload. A nil
// payload with nil error means the execution path is unavailable.
type Runner func(ctx context.Context, reportName string, sp spec.BusinessSpec) (*payload.Payload, error)

// LastResultLoader returns the prior turn's stored result, or nil.
type LastResultLoader func(ctx context.Context) *payload.Payload

// ReResolver re-runs report resolution for a repair attempt.
type ReResolver func(ctx context.Context, sp spec.BusinessSpec) resolver.Resolution

// RowFilter post-filters shaped rows (entity scoping).
type RowFilter func(p payload.Payload, sp spec.BusinessSpec) payload.Payload

// Config wires the loop's collaborators. Zero-value fields get safe
// defaults.
type Config struct {
	Gate                  *quality.Gate
	Shaper                *shape.Shaper
	Runner                Runner
	LoadLastResult        LastResultLoader
	ReResolve             ReResolver
	ApplyEntityRowFilters RowFilter

	// DefaultQuestion resolves a canonical clarification question for
	// a blocker reason (usually contract-backed).
	DefaultQuestion func(reason string) string

	MaxSteps int
	Logger   *zap.Logger
}

// Loop is the bounded read execution loop.
type Loop struct {
	cfg Config
}

// NewLoop builds a loop, defaulting the gate, shaper, step budget,
// and logger.
func NewLoop(cfg Config) *Loop {
	if cfg.Gate == nil {
		cfg.Gate = quality.NewGate(nil)
	}
	if cfg.Shaper == nil {
		cfg.Shaper = shape.NewShaper(nil)
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Loop{cfg: cfg}
}

// Request is one read turn handed to the loop.
type Request struct {
	Message    string
	Spec       spec.BusinessSpec
	Resolution resolver.Resolution

	// Mode is "" for a fresh turn or "continue" when resuming a
	// pending round against an already-selected report.
	Mode string

	// Source tags which tool initiated the turn, for signatures and
	// audit lines.
	Source string

	Export bool

	// Pending seeds the plan when the turn resumes a clarification.
	Pending *payload.PendingState

	// DirectDocPayload short-circuits execution for a document-id
	// lookup already performed upstream.
	DirectDocPayload *payload.Payload

	// DirectLatestPayload short-circuits execution for a direct
	// latest-records listing already performed upstream.
	DirectLatestPayload *payload.Payload

	// SelectedReport overrides the resolution's selection (resume).
	SelectedReport string

	// PlanSeed overrides the derived plan seed (resume turns carry
	// pinned filters the signature must reflect).
	PlanSeed map[string]any

	InitialTrace []TraceEntry
}

// Result is the loop outcome for one turn.
type Result struct {
	Payload                 payload.Payload
	Quality                 quality.Report
	TransformToolMessage    string
	ShaperToolMessage       string
	SelectedReport          string
	Resolution              resolver.Resolution
	StepTrace               []TraceEntry
	ExecutedSteps           int
	RepairAttempts          int
	CandidateSwitchAttempts int
	RepeatedGuardTriggered  bool
	MaxSteps                int
}

// PlannerPlan is the deterministic plan seed for a turn: resume plans
// replay the pending report and filters, fresh plans just run.
func PlannerPlan(export bool, pending *payload.PendingState) map[string]any {
	if pending != nil {
		filters := pending.FiltersSoFar
		if filters == nil {
			filters = map[string]any{}
		}
		return map[string]any{
			"action":      "run_report",
			"report_name": pending.ReportName,
			"filters":     filters,
		}
	}
	return map[string]any{"action": "run_report", "export": export}
}

func stepSignature(mode, source, selected, message string, planSeed map[string]any) string {
	seed, err := json.Marshal(planSeed)
	if err != nil {
		seed = []byte("{}")
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s",
		mode, source, selected, strings.ToLower(strings.TrimSpace(message)), seed)
}

func notEvaluatedReport() quality.Report {
	return quality.Report{
		Verdict:            quality.VerdictHardFail,
		FailedCheckIDs:     []string{"QG00_NOT_EVALUATED"},
		HardFailCheckIDs:   []string{"QG00_NOT_EVALUATED"},
		RepairableCheckIDs: []string{},
		Checks:             []quality.Check{},
	}
}

func unavailablePayload() payload.Payload {
	return payload.TextPayload(unavailablePathText)
}

// captureSourceColumns records the raw column fieldnames before any
// transform touches the table.
func captureSourceColumns(p payload.Payload) payload.Payload {
	if p.Type != payload.TypeReportTable || p.Table == nil || len(p.SourceColumns) > 0 {
		return p
	}
	var cols []string
	for _, c := range p.Table.Columns {
		if fn := strings.TrimSpace(c.Fieldname); fn != "" {
			cols = append(cols, fn)
		}
		if len(cols) >= maxSourceColumns {
			break
		}
	}
	p.SourceColumns = cols
	return p
}

func withSelected(res resolver.Resolution, report string, scores map[string]int) resolver.Resolution {
	res.SelectedReport = report
	if score, ok := scores[report]; ok {
		s := score
		res.SelectedScore = &s
	}
	return res
}

// Run drives one bounded read turn to a terminal payload and quality
// verdict.
func (l *Loop) Run(ctx context.Context, req Request) Result {
	sp := req.Spec
	res := req.Resolution
	state := BuildCandidateState(res)
	intent := strings.ToUpper(strings.TrimSpace(sp.Intent))

	selected := strings.TrimSpace(req.SelectedReport)
	if selected == "" {
		selected = strings.TrimSpace(res.SelectedReport)
	}
	if idx := state.IndexOf(selected); idx >= 0 {
		state.Cursor = idx
	}

	result := Result{
		Payload:    payload.TextPayload("No output generated."),
		Quality:    notEvaluatedReport(),
		Resolution: res,
		StepTrace:  append([]TraceEntry(nil), req.InitialTrace...),
		MaxSteps:   l.cfg.MaxSteps,
	}
	planSeed := req.PlanSeed
	if planSeed == nil {
		planSeed = PlannerPlan(req.Export, req.Pending)
	}
	seen := map[string]struct{}{}

	for step := 1; step <= l.cfg.MaxSteps; step++ {
		sig := stepSignature(req.Mode, req.Source, selected, req.Message, planSeed)
		if _, dup := seen[sig]; dup {
			result.RepeatedGuardTriggered = true
			result.StepTrace = append(result.StepTrace, TraceEntry{
				Step: step, Action: "guard_stop", SignatureRepeated: true,
			})
			result.Payload = payload.TextPayload(repeatedGuardText)
			result.Quality = l.cfg.Gate.Evaluate(quality.Input{
				Spec:                       sp,
				Resolution:                 res,
				Payload:                    result.Payload,
				RepeatedCallGuardTriggered: true,
			})
			l.cfg.Logger.Warn("read loop guard stop",
				zap.Int("step", step),
				zap.String("selected_report", selected))
			break
		}
		seen[sig] = struct{}{}

		raw, action := l.executeStep(ctx, req, sp, selected, intent)
		result.ExecutedSteps++

		if pending := ExtractAutoSwitchPending(raw); pending != nil {
			suggested := suggestedSwitchReport(pending)
			switched := false
			if suggested != "" {
				idx := state.IndexOf(suggested)
				if idx >= 0 && result.CandidateSwitchAttempts < shape.MaxCandidateSwitchAttempts &&
					(idx != state.Cursor || suggested != selected) {
					result.CandidateSwitchAttempts++
					state.Cursor = idx
					selected = suggested
					res = withSelected(res, selected, state.Scores)
					result.Resolution = res
					result.StepTrace = append(result.StepTrace, TraceEntry{
						Step:           step,
						Action:         "auto_switch_report_from_quality_pending",
						SelectedReport: selected,
						SwitchAttempt:  result.CandidateSwitchAttempts,
					})
					switched = true
				}
			}
			if switched {
				continue
			}
			if state.Cursor+1 < len(state.Reports) &&
				result.CandidateSwitchAttempts < shape.MaxCandidateSwitchAttempts {
				result.CandidateSwitchAttempts++
				state.Cursor++
				selected = state.Current()
				res = withSelected(res, selected, state.Scores)
				result.Resolution = res
				result.StepTrace = append(result.StepTrace, TraceEntry{
					Step:           step,
					Action:         "auto_switch_next_candidate_from_quality_pending",
					SelectedReport: selected,
					SwitchAttempt:  result.CandidateSwitchAttempts,
				})
				continue
			}
			raw = unavailablePayload()
			applied := false
			result.StepTrace = append(result.StepTrace, TraceEntry{
				Step: step, Action: "auto_switch_pending_exhausted", Applied: &applied,
			})
		}

		wantsRetry := raw.RetryRequested
		raw.RetryRequested = false
		result.StepTrace = append(result.StepTrace, TraceEntry{
			Step: step, Action: action, RetryRequested: wantsRetry,
		})

		p := captureSourceColumns(raw)
		p = transform.Apply(p, sp)
		if shape.LooksLikeSystemErrorText(p) {
			p = payload.TextPayload(executionIssueText)
		}
		result.TransformToolMessage = transform.ToolMessage(req.Source, req.Mode, p)
		p = l.cfg.Shaper.ShapeResponse(p, sp)
		p = shape.SanitizeUserPayload(p, sp)
		if l.cfg.ApplyEntityRowFilters != nil {
			p = l.cfg.ApplyEntityRowFilters(p, sp)
		}
		result.ShaperToolMessage = shape.ToolMessage(req.Source, req.Mode, p)

		if rn := strings.TrimSpace(p.ReportName); rn != "" {
			selected = rn
			res = withSelected(res, rn, state.Scores)
			result.Resolution = res
			if state.IndexOf(rn) < 0 {
				state.Reports = append(state.Reports, rn)
			}
			state.Cursor = state.IndexOf(rn)
		}

		result.Payload = p
		result.Quality = l.cfg.Gate.Evaluate(quality.Input{
			Spec:       sp,
			Resolution: res,
			Payload:    p,
		})
		rowCount, labels := tableDigest(p)
		result.StepTrace = append(result.StepTrace, TraceEntry{
			Step:           step,
			QualityVerdict: result.Quality.Verdict,
			FailedCheckIDs: append([]string(nil), result.Quality.FailedCheckIDs...),
			ReportName:     firstNonEmpty(p.ReportName, selected),
			RowCount:       &rowCount,
			ColumnLabels:   labels,
		})
		l.cfg.Logger.Debug("read loop step",
			zap.Int("step", step),
			zap.String("action", action),
			zap.String("selected_report", selected),
			zap.String("quality_verdict", result.Quality.Verdict),
			zap.Strings("failed_check_ids", result.Quality.FailedCheckIDs))

		if wantsRetry && result.RepairAttempts < 1 {
			result.RepairAttempts++
			continue
		}
		if result.Quality.Passed() || result.Quality.Hard() {
			break
		}

		if shape.ShouldSwitchCandidateOnRepairable(shape.SwitchDecision{
			Quality:                 result.Quality,
			Intent:                  intent,
			TaskClass:               sp.TaskClass,
			CandidateCursor:         state.Cursor,
			CandidateReports:        state.Reports,
			CandidateSwitchAttempts: result.CandidateSwitchAttempts,
		}) {
			result.CandidateSwitchAttempts++
			state.Cursor++
			selected = state.Current()
			res = withSelected(res, selected, state.Scores)
			result.Resolution = res
			result.StepTrace = append(result.StepTrace, TraceEntry{
				Step:           step,
				Action:         "switch_candidate_after_quality_fail",
				SelectedReport: selected,
			})
			continue
		}

		if result.Quality.Repairable() && result.RepairAttempts < 1 && intent != spec.IntentTransformLast {
			result.RepairAttempts++
			planSeed["_repair_attempt"] = result.RepairAttempts
			if l.cfg.ReResolve != nil {
				res = l.cfg.ReResolve(ctx, sp)
				result.Resolution = res
				selected = strings.TrimSpace(res.SelectedReport)
				state = BuildCandidateState(res)
			}
			continue
		}
		break
	}

	l.applyFinalFallback(&result, req, sp, res, selected, intent)
	result.SelectedReport = selected
	if result.Payload.ReportName != "" {
		result.SelectedReport = result.Payload.ReportName
	}
	return result
}

func (l *Loop) executeStep(ctx context.Context, req Request, sp spec.BusinessSpec, selected, intent string) (payload.Payload, string) {
	if req.Mode == "continue" {
		p, err := l.runReport(ctx, selected, sp)
		if p == nil || err != nil {
			return unavailablePayload(), "continue_unavailable"
		}
		return *p, "direct_selected_report_continue"
	}
	if intent == spec.IntentTransformLast {
		if l.cfg.LoadLastResult != nil {
			if last := l.cfg.LoadLastResult(ctx); last != nil {
				return last.Clone(), "transform_from_last_result"
			}
		}
		return payload.TextPayload(missingPriorResultText), "transform_without_prior_result"
	}
	if req.DirectDocPayload != nil {
		return req.DirectDocPayload.Clone(), "direct_document_lookup"
	}
	if req.DirectLatestPayload != nil {
		return req.DirectLatestPayload.Clone(), "direct_latest_records_lookup"
	}
	p, err := l.runReport(ctx, selected, sp)
	if p == nil || err != nil {
		return unavailablePayload(), "direct_selected_report_failed"
	}
	return *p, "direct_selected_report"
}

func (l *Loop) runReport(ctx context.Context, selected string, sp spec.BusinessSpec) (*payload.Payload, error) {
	if l.cfg.Runner == nil || strings.TrimSpace(selected) == "" {
		return nil, nil
	}
	return l.cfg.Runner(ctx, selected, sp)
}

// applyFinalFallback replaces a turn that ends in a repairable
// failure of a switchable class with a single clarification round
// offering to switch reports or keep scope.
func (l *Loop) applyFinalFallback(result *Result, req Request, sp spec.BusinessSpec, res resolver.Resolution, selected, intent string) {
	if !result.Quality.Repairable() || intent == spec.IntentTransformLast {
		return
	}
	if !shape.HasRepairableFailureClass(result.Quality, []string{"shape", "data", "constraint", "semantic"}) {
		return
	}

	unsupported := shape.UnsupportedMessageFromSpec(sp)
	clarifyText := fallbackClarifyQuestion
	if l.cfg.DefaultQuestion != nil {
		if q := strings.TrimSpace(l.cfg.DefaultQuestion("hard_constraint_not_supported")); q != "" {
			clarifyText = q
		}
	}
	question := unsupported + " " + clarifyText
	options := []string{"Switch to compatible report", "Keep current scope"}

	filters := make(map[string]any, len(sp.Filters))
	for k, v := range sp.Filters {
		filters[k] = v
	}
	out := payload.TextPayload(question)
	out.Pending = &payload.PendingState{
		Mode:          "planner_clarify",
		BaseQuestion:  strings.TrimSpace(req.Message),
		ReportName:    strings.TrimSpace(selected),
		FiltersSoFar:  filters,
		Question:      question,
		Options:       options,
		OptionActions: defaultOptionActions(options),
		Reason:        resolver.ReasonHardConstraint,
		SpecSoFar: map[string]any{
			"task_class": strings.ToLower(strings.TrimSpace(sp.TaskClass)),
			"subject":    strings.TrimSpace(sp.Subject),
			"metric":     strings.TrimSpace(sp.Metric),
			"domain":     strings.TrimSpace(sp.Domain),
			"top_n":      sp.TopN,
			"output_contract": map[string]any{
				"mode":            sp.Output.Mode,
				"minimal_columns": append([]string{}, sp.Output.MinimalColumns...),
			},
		},
		ClarificationRound: 1,
	}
	result.Payload = out
	result.Quality = l.cfg.Gate.Evaluate(quality.Input{
		Spec:       sp,
		Resolution: res,
		Payload:    out,
	})
	l.cfg.Logger.Info("read loop fallback clarification",
		zap.String("selected_report", selected),
		zap.Strings("failed_check_ids", result.Quality.FailedCheckIDs))
}

func defaultOptionActions(options []string) map[string]string {
	out := map[string]string{}
	if len(options) >= 2 {
		out[normalizeOptionLabel(options[0])] = "switch_report"
		out[normalizeOptionLabel(options[1])] = "keep_current"
	}
	return out
}

func normalizeOptionLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.ReplaceAll(v, "_", " ")
	v = strings.ReplaceAll(v, "-", " ")
	return strings.Join(strings.Fields(v), " ")
}

func tableDigest(p payload.Payload) (int, []string) {
	if p.Table == nil {
		return 0, nil
	}
	cols := p.Table.Columns
	if len(cols) > 10 {
		cols = cols[:10]
	}
	var labels []string
	for _, c := range cols {
		label := strings.TrimSpace(c.Label)
		if label == "" {
			label = strings.TrimSpace(c.Fieldname)
		}
		labels = append(labels, label)
	}
	return len(p.Table.Rows), labels
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}

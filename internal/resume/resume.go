// Package resume decides how a user reply interacts with stored
// pending state: picking a clarification option, answering a filter
// question, or abandoning the round for a fresh request.
package resume

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/spec"
	"github.com/roach88/tally/internal/topic"
)

const maxSeedColumns = 12

const maxLatestRecordLimit = 200

const defaultLatestRecordLimit = 20

// Hooks are the collaborators the resume policy consults. Any nil
// hook degrades to a conservative default.
type Hooks struct {
	// IsNewBusinessRequest decides whether a reply starts a new
	// request instead of answering the pending question.
	IsNewBusinessRequest func(message string) bool

	// RecordDoctypeCandidates maps a reply onto record types it may
	// name, given the interrupted request's context.
	RecordDoctypeCandidates func(message string, sp spec.BusinessSpec) []string

	// ExplicitDoctypeName resolves a reply that literally names a
	// record type.
	ExplicitDoctypeName func(message string) string

	// SubmittableDoctypes lists the record types direct listing
	// supports.
	SubmittableDoctypes func() []string

	// DefaultQuestion resolves the canonical question for a blocker
	// reason.
	DefaultQuestion func(reason string) string
}

// Outcome is the resume decision for one reply against pending state.
type Outcome struct {
	// Active means the turn should re-enter the read pipeline with
	// ResumeMessage and PlanSeed.
	Active bool

	ResumeMessage string
	PlanSeed      map[string]any
	ClearPending  bool
	Source        string

	// Reply is a direct payload ending the turn when Active is false
	// and the policy produced an answer itself.
	Reply *payload.Payload
}

func (h Hooks) isNewRequest(message string) bool {
	if h.IsNewBusinessRequest == nil {
		return false
	}
	return h.IsNewBusinessRequest(message)
}

func (h Hooks) defaultQuestion(reason string) string {
	if h.DefaultQuestion == nil {
		return "Could you clarify the missing business detail so I can run the right report?"
	}
	return h.DefaultQuestion(reason)
}

// PrepareFromPending resolves what a reply means for the stored
// pending round. Inactive with a nil Reply means the pending state
// does not apply and the turn proceeds normally.
func PrepareFromPending(message string, pending *payload.PendingState, hooks Hooks) Outcome {
	if pending == nil {
		return Outcome{}
	}
	mode := strings.ToLower(strings.TrimSpace(pending.Mode))
	baseQuestion := strings.TrimSpace(pending.BaseQuestion)
	if (mode != "need_filters" && mode != "planner_clarify") || baseQuestion == "" {
		return Outcome{}
	}

	raw := strings.TrimSpace(message)
	switch mode {
	case "planner_clarify":
		return preparePlannerClarify(raw, baseQuestion, pending, hooks)
	case "need_filters":
		return prepareNeedFilters(raw, baseQuestion, pending, hooks)
	}
	return Outcome{}
}

func preparePlannerClarify(raw, baseQuestion string, pending *payload.PendingState, hooks Hooks) Outcome {
	options := trimmedOptions(pending.Options)
	if len(options) == 0 {
		options = []string{"Switch to compatible report", "Keep current scope"}
	}
	actions := PlannerOptionActions(options, pending)
	chosen := MatchOptionChoice(raw, options)

	if chosen == "" {
		if LooksLikeScopeAnswerText(raw) {
			return resumeFromScopeAnswer(raw, baseQuestion, pending, hooks)
		}
		reason := strings.ToLower(strings.TrimSpace(pending.Reason))
		if reason == "no_candidate" {
			return Outcome{
				Active:        true,
				ResumeMessage: mergedQuestion(baseQuestion, raw),
				PlanSeed:      planSeedFromPending(pending, false),
				ClearPending:  true,
				Source:        "report_qa_start",
			}
		}
		if hooks.isNewRequest(raw) {
			return freshRequestOutcome(raw)
		}
		return Outcome{
			Active:        true,
			ResumeMessage: mergedQuestion(baseQuestion, raw),
			PlanSeed:      planSeedFromPending(pending, false),
			ClearPending:  true,
			Source:        "report_qa_start",
		}
	}

	if actions[NormalizeOptionLabel(chosen)] == "keep_current" {
		reply := payload.TextPayload(hooks.defaultQuestion("missing_required_filter_value"))
		reply.ClearPendingState = true
		return Outcome{Reply: &reply}
	}

	seed := planSeedFromPending(pending, true)
	seed["report_name"] = strings.TrimSpace(pending.ReportName)
	return Outcome{
		Active:        true,
		ResumeMessage: baseQuestion,
		PlanSeed:      seed,
		ClearPending:  true,
		Source:        "report_qa_start",
	}
}

// resumeFromScopeAnswer turns a short scope reply ("sales invoices")
// into a re-runnable request. A uniquely named record type becomes a
// direct latest-records listing.
func resumeFromScopeAnswer(raw, baseQuestion string, pending *payload.PendingState, hooks Hooks) Outcome {
	seed := planSeedFromPending(pending, false)
	merged := mergedQuestion(baseQuestion, raw)

	inferred := spec.Defaults()
	inferred.Subject = specSoFarString(pending, "subject")
	inferred.Metric = specSoFarString(pending, "metric")
	inferred.Domain = specSoFarString(pending, "domain")
	inferred.Filters = cloneFilters(pending.FiltersSoFar)

	var candidates []string
	if hooks.RecordDoctypeCandidates != nil {
		candidates = hooks.RecordDoctypeCandidates(raw, inferred)
	}
	explicit := ""
	if hooks.ExplicitDoctypeName != nil {
		explicit = strings.TrimSpace(hooks.ExplicitDoctypeName(raw))
	}
	if explicit != "" && hooks.SubmittableDoctypes != nil {
		for _, dt := range hooks.SubmittableDoctypes() {
			if dt == explicit {
				candidates = []string{explicit}
				break
			}
		}
	}
	if len(candidates) == 0 && explicit != "" {
		taskClass := specSoFarString(pending, "task_class")
		if taskClass == "list_latest_records" ||
			strings.Contains(strings.ToLower(baseQuestion), "invoice") {
			candidates = []string{explicit}
		}
	}

	synthetic := merged
	if len(candidates) == 1 {
		doctype := strings.TrimSpace(candidates[0])
		filters := map[string]any{}
		if existing, ok := seed["filters"].(map[string]any); ok {
			for k, v := range existing {
				filters[k] = v
			}
		}
		filters["doctype"] = doctype
		seed["filters"] = filters
		seed["task_class"] = "list_latest_records"
		seed["output_mode"] = "top_n"

		topN := specSoFarInt(pending, "top_n")
		if topN <= 0 {
			topN = FirstIntInText(baseQuestion)
		}
		if topN > 0 {
			topN = clampInt(topN, 1, maxLatestRecordLimit)
			seed["top_n"] = topN
			synthetic = fmt.Sprintf("Show me the latest %d %s", topN, doctype)
		} else {
			synthetic = fmt.Sprintf("Show me the latest records for %s", doctype)
		}
	}

	return Outcome{
		Active:        true,
		ResumeMessage: synthetic,
		PlanSeed:      seed,
		ClearPending:  true,
		Source:        "report_qa_start",
	}
}

func prepareNeedFilters(raw, baseQuestion string, pending *payload.PendingState, hooks Hooks) Outcome {
	options := trimmedOptions(pending.Options)
	filters := cloneFilters(pending.FiltersSoFar)
	targetKey := strings.TrimSpace(pending.FilterKey)

	var selected string
	if len(options) > 0 {
		selected = MatchOptionChoice(raw, options)
		if selected == "" {
			if hooks.isNewRequest(raw) {
				return freshRequestOutcome(raw)
			}
			text := hooks.defaultQuestion("entity_ambiguous")
			reply := payload.TextPayload(text)
			round := pending.ClarificationRound
			if round <= 0 {
				round = 1
			}
			reply.Pending = &payload.PendingState{
				Mode:               "need_filters",
				BaseQuestion:       baseQuestion,
				ReportName:         strings.TrimSpace(pending.ReportName),
				FiltersSoFar:       filters,
				Question:           text,
				Options:            options,
				FilterKey:          targetKey,
				ClarificationRound: round,
			}
			return Outcome{Reply: &reply}
		}
	} else {
		if hooks.isNewRequest(raw) {
			return freshRequestOutcome(raw)
		}
		selected = raw
	}

	if selected != "" {
		if targetKey != "" {
			filters[targetKey] = selected
		} else {
			for _, key := range sortedKeys(filters) {
				if strings.TrimSpace(key) != "" {
					filters[key] = selected
					break
				}
			}
		}
	}

	return Outcome{
		Active:        true,
		ResumeMessage: baseQuestion,
		PlanSeed: map[string]any{
			"action":      "run_report",
			"report_name": strings.TrimSpace(pending.ReportName),
			"filters":     filters,
		},
		ClearPending: true,
		Source:       "report_qa_start",
	}
}

// RecoverLatestRecordFollowup rebuilds a listing request when the
// prior turn ended on a record-type question and the reply names the
// record type, even though pending state was lost.
func RecoverLatestRecordFollowup(sp spec.BusinessSpec, message string, prev topic.State, hooks Hooks) spec.BusinessSpec {
	if !prev.Unresolved.Present || !LooksLikeScopeAnswerText(message) {
		return sp
	}
	activeTask := strings.ToLower(strings.TrimSpace(prev.ActiveTopic.TaskClass))
	activeSubject := strings.ToLower(strings.TrimSpace(prev.ActiveTopic.Subject))
	unresolvedQ := strings.ToLower(strings.TrimSpace(prev.Unresolved.Question))
	if activeTask != "list_latest_records" &&
		!strings.Contains(activeSubject, "invoice") &&
		!strings.Contains(unresolvedQ, "record type") {
		return sp
	}

	inferred := spec.Defaults()
	inferred.Subject = firstNonEmpty(prev.ActiveTopic.Subject, sp.Subject)
	inferred.Metric = firstNonEmpty(prev.ActiveTopic.Metric, sp.Metric)
	inferred.Domain = firstNonEmpty(prev.ActiveTopic.Domain, sp.Domain)
	inferred.Filters = cloneFilters(sp.Filters)

	var candidates []string
	if hooks.RecordDoctypeCandidates != nil {
		candidates = hooks.RecordDoctypeCandidates(message, inferred)
	}
	typed := strings.ToLower(strings.TrimSpace(message))
	if hooks.SubmittableDoctypes != nil {
		for _, dt := range hooks.SubmittableDoctypes() {
			if strings.ToLower(strings.TrimSpace(dt)) == typed {
				candidates = []string{strings.TrimSpace(dt)}
				break
			}
		}
	}
	if len(candidates) == 0 {
		return sp
	}

	chosen := strings.TrimSpace(candidates[0])
	if len(candidates) > 1 {
		domainHint := strings.ToLower(firstNonEmpty(prev.ActiveTopic.Domain, inferred.Domain))
		keyword := ""
		switch domainHint {
		case "sales":
			keyword = "sales"
		case "purchasing", "purchase":
			keyword = "purchase"
		}
		if keyword != "" {
			for _, dt := range candidates {
				if strings.Contains(strings.ToLower(dt), keyword) {
					chosen = strings.TrimSpace(dt)
					break
				}
			}
		}
	}
	if chosen == "" {
		return sp
	}

	out := sp.Clone()
	out.Intent = spec.IntentRead
	out.TaskType = "detail"
	out.TaskClass = "list_latest_records"
	out.Output.Mode = "top_n"
	if out.Filters == nil {
		out.Filters = map[string]any{}
	}
	out.Filters["doctype"] = chosen

	topN := out.TopN
	if topN <= 0 {
		topN = prev.ActiveTopic.TopN
	}
	if topN <= 0 {
		topN = FirstIntInText(prev.Turn.MessagePreview)
	}
	if topN <= 0 {
		topN = defaultLatestRecordLimit
	}
	out.TopN = clampInt(topN, 1, maxLatestRecordLimit)

	if strings.TrimSpace(out.Subject) == "" {
		out.Subject = firstNonEmpty(prev.ActiveTopic.Subject, "invoices")
	}
	if strings.TrimSpace(out.Domain) == "" {
		out.Domain = firstNonEmpty(prev.ActiveTopic.Domain, inferred.Domain, "sales")
	}
	return out
}

// planSeedFromPending carries the interrupted request's shape into the
// resumed plan.
func planSeedFromPending(pending *payload.PendingState, includeFilters bool) map[string]any {
	seed := map[string]any{"action": "run_report"}
	if taskClass := specSoFarString(pending, "task_class"); taskClass != "" {
		seed["task_class"] = strings.ToLower(taskClass)
	}
	if topN := specSoFarInt(pending, "top_n"); topN > 0 {
		seed["top_n"] = topN
		seed["output_mode"] = "top_n"
	}
	if cols := specSoFarMinimalColumns(pending); len(cols) > 0 {
		if len(cols) > maxSeedColumns {
			cols = cols[:maxSeedColumns]
		}
		seed["minimal_columns"] = cols
	}
	if includeFilters && len(pending.FiltersSoFar) > 0 {
		seed["filters"] = cloneFilters(pending.FiltersSoFar)
	}
	return seed
}

func freshRequestOutcome(raw string) Outcome {
	return Outcome{
		Active:        true,
		ResumeMessage: raw,
		PlanSeed:      map[string]any{"action": "run_report"},
		ClearPending:  true,
		Source:        "report_qa_start",
	}
}

func mergedQuestion(baseQuestion, raw string) string {
	return strings.TrimSpace(baseQuestion + ". " + raw)
}

func specSoFarString(pending *payload.PendingState, key string) string {
	if pending == nil || pending.SpecSoFar == nil {
		return ""
	}
	return strings.TrimSpace(payload.CellString(pending.SpecSoFar[key]))
}

func specSoFarInt(pending *payload.PendingState, key string) int {
	if pending == nil || pending.SpecSoFar == nil {
		return 0
	}
	n, ok := payload.ParseNumber(pending.SpecSoFar[key])
	if !ok {
		return 0
	}
	return int(n)
}

func specSoFarMinimalColumns(pending *payload.PendingState) []string {
	if pending == nil || pending.SpecSoFar == nil {
		return nil
	}
	contract, ok := pending.SpecSoFar["output_contract"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := contract["minimal_columns"].([]string)
	if ok {
		return trimmedOptions(raw)
	}
	anyList, ok := contract["minimal_columns"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range anyList {
		if t := strings.TrimSpace(payload.CellString(v)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func trimmedOptions(values []string) []string {
	var out []string
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func cloneFilters(filters map[string]any) map[string]any {
	out := make(map[string]any, len(filters))
	for k, v := range filters {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}

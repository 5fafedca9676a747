// Package pipeline orchestrates one chat turn end to end: spec
// normalization, topic-memory anchoring, entity resolution, transform
// promotion, report resolution, the blocker-only clarification gate,
// and the bounded read execution loop, with write turns diverted to
// the isolated write engine. Every decision renders an audit message
// persisted alongside the session's topic state.
package pipeline

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/tally/internal/capability"
	"github.com/roach88/tally/internal/catalog"
	"github.com/roach88/tally/internal/clarify"
	"github.com/roach88/tally/internal/constraint"
	"github.com/roach88/tally/internal/contract"
	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/entity"
	"github.com/roach88/tally/internal/ontology"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/quality"
	"github.com/roach88/tally/internal/resolver"
	"github.com/roach88/tally/internal/resume"
	"github.com/roach88/tally/internal/shape"
	"github.com/roach88/tally/internal/spec"
	"github.com/roach88/tally/internal/topic"
	"github.com/roach88/tally/internal/transform"
	"github.com/roach88/tally/internal/write"
)

// Source tool tags.
const (
	SourceStart    = "report_qa_start"
	SourceContinue = "report_qa_continue"
)

const (
	maxClarifyOptions = 8
	retrieveTopK      = 5

	lowSignalQuestion = "Which business report should I run, and for which timeframe?"

	tutorText = "I can help with business analytics across sales, purchasing, inventory, " +
		"receivables, and payables. Examples: top customers/products, outstanding amounts, " +
		"aging, warehouse stock, trends by week/month, and invoice/detail lookups."

	writeDisabledText = "Write-actions are disabled in this environment. Please ask an administrator to enable them."

	writeTargetUnclearText = "Please provide the target document and action clearly before confirm/cancel."
)

// Executor runs a named report against filters and returns its table.
// A nil result with a nil error means the report path is unavailable.
type Executor interface {
	RunReport(ctx context.Context, reportName string, filters map[string]any, export bool, user string) (*payload.Payload, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, reportName string, filters map[string]any, export bool, user string) (*payload.Payload, error)

func (f ExecutorFunc) RunReport(ctx context.Context, reportName string, filters map[string]any, export bool, user string) (*payload.Payload, error) {
	return f(ctx, reportName, filters, export, user)
}

// Config wires the pipeline's collaborators. Zero-value fields get
// safe defaults; nil optional collaborators disable their paths.
type Config struct {
	Ontology  *ontology.Catalog
	Contracts *contract.Registry

	// Capabilities is the report capability snapshot resolution runs
	// against.
	Capabilities *capability.Index

	// Retriever is the db semantic catalog; when set, each read turn
	// records the retrieved table context in the audit trail.
	Retriever *catalog.Catalog

	// Entities supplies master data for entity filter verification;
	// nil passes filter values through unverified.
	Entities entity.Provider

	// Executor runs reports; nil makes every execution path
	// unavailable (the loop falls back deterministically).
	Executor Executor

	// Records backs the direct document and latest-record lookups;
	// nil disables both.
	Records RecordSource

	// Store persists topic state, results, write keys, and audit
	// messages; nil gets an in-memory store.
	Store topic.Store

	// WriteExecutor performs confirmed writes; nil simulates success.
	WriteExecutor write.Executor

	// WriteEnabled gates write execution. Drafts are still staged when
	// disabled so the refusal happens at confirm time, matching the
	// draft-first contract.
	WriteEnabled bool

	Gate     *quality.Gate
	Shaper   *shape.Shaper
	MaxSteps int
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Pipeline executes chat turns.
type Pipeline struct {
	cfg Config

	ont         *ontology.Catalog
	contracts   *contract.Registry
	normalizer  *spec.Normalizer
	constraints *constraint.Engine
	entities    *entity.Resolver
	resolver    *resolver.Resolver
	clarifier   *clarify.Policy
	gate        *quality.Gate
	shaper      *shape.Shaper
	store       topic.Store
	clock       func() time.Time
	logger      *zap.Logger
}

// New builds a pipeline, defaulting every ambient collaborator.
func New(cfg Config) *Pipeline {
	if cfg.Ontology == nil {
		cfg.Ontology = ontology.Default()
	}
	if cfg.Contracts == nil {
		cfg.Contracts = contract.Defaults()
	}
	if cfg.Gate == nil {
		cfg.Gate = quality.NewGate(cfg.Ontology)
	}
	if cfg.Shaper == nil {
		cfg.Shaper = shape.NewShaper(cfg.Ontology)
	}
	if cfg.Store == nil {
		cfg.Store = topic.NewMemoryStore()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = engine.DefaultMaxSteps
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pipeline{
		cfg:         cfg,
		ont:         cfg.Ontology,
		contracts:   cfg.Contracts,
		normalizer:  spec.NewNormalizer(cfg.Contracts, cfg.Ontology),
		constraints: constraint.NewEngine(cfg.Ontology),
		resolver:    resolver.NewResolver(cfg.Ontology),
		clarifier:   clarify.NewPolicy(cfg.Contracts),
		gate:        cfg.Gate,
		shaper:      cfg.Shaper,
		store:       cfg.Store,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if cfg.Entities != nil {
		p.entities = entity.NewResolver(cfg.Entities)
	}
	return p
}

// Store exposes the session store (harness and CLI persistence).
func (p *Pipeline) Store() topic.Store { return p.store }

// Request is one user turn.
type Request struct {
	SessionID string
	Message   string

	// RawSpec is the upstream planner's business-request object.
	RawSpec map[string]any

	User   string
	Export bool

	// Source tags the initiating tool; SourceContinue resumes pending
	// state.
	Source string

	// Pending is the prior turn's interrupted state, if any.
	Pending *payload.PendingState
}

// Response is the turn outcome.
type Response struct {
	Payload   payload.Payload
	State     topic.State
	Quality   quality.Report
	StepTrace []engine.TraceEntry
	Audit     []AuditMessage
}

// Turn runs one chat turn to a terminal payload.
func (p *Pipeline) Turn(ctx context.Context, req Request) (Response, error) {
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = SourceStart
	}
	mode := "start"
	if source == SourceContinue {
		mode = "continue"
	}
	message := strings.TrimSpace(req.Message)
	pending := req.Pending

	if mode == "continue" && pending != nil && pending.Mode == "write_confirmation" {
		return p.handleWriteConfirmation(ctx, req, pending, source)
	}

	clearPendingOnSuccess := false
	var planSeedOverride map[string]any
	if mode == "continue" && pending != nil {
		outcome := resume.PrepareFromPending(message, pending, p.resumeHooks(ctx))
		if outcome.Reply != nil {
			return p.finishDirectReply(ctx, req, *outcome.Reply, source)
		}
		if outcome.Active {
			if msg := strings.TrimSpace(outcome.ResumeMessage); msg != "" {
				message = msg
			}
			if s := strings.TrimSpace(outcome.Source); s != "" {
				source = s
			}
			mode = "start"
			if source == SourceContinue {
				mode = "continue"
			}
			planSeedOverride = outcome.PlanSeed
			clearPendingOnSuccess = outcome.ClearPending
			pending = nil
		}
	}

	export := req.Export
	planSeed := engine.PlannerPlan(export, pending)
	if planSeedOverride != nil {
		planSeed = planSeedOverride
	}

	sp, specIssues := p.normalizer.Normalize(req.RawSpec)
	rawSp := sp.Clone()
	if strings.TrimSpace(sp.TaskClass) == "" {
		sp.TaskClass = "analytical_read"
	}

	// Deterministic write-intent fallback from the controlled ontology.
	writeReq := p.ont.InferWriteRequest(message)
	if strings.EqualFold(sp.Intent, "READ") {
		switch strings.ToUpper(strings.TrimSpace(writeReq.Intent)) {
		case "WRITE_DRAFT", "WRITE_CONFIRM":
			sp.Intent = strings.ToUpper(strings.TrimSpace(writeReq.Intent))
			if dt := strings.TrimSpace(writeReq.Doctype); dt != "" {
				sp.Subject = dt
			}
			if id := strings.TrimSpace(writeReq.DocumentID); id != "" {
				if sp.Filters == nil {
					sp.Filters = map[string]any{}
				}
				if _, exists := sp.Filters["document_id"]; !exists {
					sp.Filters["document_id"] = id
				}
			}
		}
	}

	if p.ont.InferOutputFlags(message).IncludeDownload {
		export = true
	}

	intent := strings.ToUpper(strings.TrimSpace(sp.Intent))
	if intent == "WRITE_DRAFT" || intent == "WRITE_CONFIRM" {
		return p.handleWriteIntent(ctx, req, sp, specIssues, message, source, mode)
	}
	if intent == "TUTOR" {
		out := payload.TextPayload(tutorText)
		return p.finishEarly(ctx, req, sp, specIssues, out, source, mode)
	}

	prevState, _, err := p.store.LoadState(ctx, req.SessionID)
	if err != nil {
		p.logger.Warn("topic state load failed", zap.Error(err))
		prevState = topic.State{}
	}

	sp, anchorMeta := topic.Anchor(sp, message, prevState)
	sp = resume.RecoverLatestRecordFollowup(sp, message, prevState, p.resumeHooks(ctx))
	sp = mergePinnedFilters(sp, planSeed)

	var entityClar *entity.Clarification
	if p.entities != nil {
		res, err := p.entities.Resolve(ctx, sp.Filters)
		if err == nil {
			if res.Filters != nil {
				sp.Filters = res.Filters
			}
			entityClar = res.Clarification
		} else {
			p.logger.Warn("entity resolution failed", zap.Error(err))
		}
	}

	transform.MergeAmbiguities(&sp, message, p.ont)

	lastResult, err := p.store.LastResult(ctx, req.SessionID)
	if err != nil {
		p.logger.Warn("last result load failed", zap.Error(err))
	}
	promo := transform.PromotionInput{
		Message:                 message,
		Spec:                    sp,
		Memory:                  anchorMeta,
		LastPayload:             lastResult,
		HasReportTableRows:      shape.HasReportTableRows(lastResult),
		WantsProjectionFollowup: shape.IsProjectionFollowupRequest(sp),
		HasExplicitTimeScope:    shape.HasExplicitTimeScope(sp),
	}
	if transform.ShouldPromote(promo, p.ont) {
		sp = transform.Promote(sp, lastResult)
	}

	cs := p.constraints.Build(sp, prevState)
	resolution := p.resolver.Resolve(sp, p.cfg.Capabilities)
	selected := strings.TrimSpace(resolution.SelectedReport)

	decision := p.clarifier.Evaluate(sp, resolution)
	if mode == "start" && shape.IsLowSignalReadSpec(rawSp) {
		decision = clarify.Decision{
			ShouldClarify: true,
			Reason:        resolver.ReasonNoCandidate,
			Question:      lowSignalQuestion,
			PolicyVersion: decision.PolicyVersion,
		}
	}
	if entityClar != nil {
		decision = clarify.FromEntity(entityClar)
	}
	if strings.EqualFold(sp.Intent, "TRANSFORM_LAST") {
		// Transform-last operates on the previous result without a
		// planner clarification round.
		decision = clarify.Suppressed()
	}

	directDoc := p.directDocumentLookup(ctx, sp, message)
	directLatest := p.directLatestRecords(ctx, sp, message)
	if directDoc != nil || directLatest != nil {
		// Explicit document-id and record-list asks are deterministic
		// and bypass planner clarification even on low confidence.
		decision = clarify.Suppressed()
	}

	audit := newAuditTrail(source, mode)
	audit.spec(sp, specIssues)
	audit.constraints(cs)
	if p.cfg.Retriever != nil {
		audit.dbCatalog(p.cfg.Retriever.Retrieve(sp, cs, retrieveTopK))
	}
	audit.resolution(resolution)
	audit.clarification(decision)

	initialTrace := []engine.TraceEntry{engine.ResolverSelectedTrace(sp, resolution, engine.BuildCandidateState(resolution))}

	if decision.ShouldClarify {
		return p.finishClarification(ctx, req, sp, resolution, decision, prevState, anchorMeta, message, source, mode, initialTrace, audit)
	}

	loop := engine.NewLoop(engine.Config{
		Gate:   p.gate,
		Shaper: p.shaper,
		Runner: p.runner(ctx, message, req.User, export),
		LoadLastResult: func(ctx context.Context) *payload.Payload {
			last, err := p.store.LastResult(ctx, req.SessionID)
			if err != nil {
				return nil
			}
			return last
		},
		ReResolve: func(_ context.Context, sp spec.BusinessSpec) resolver.Resolution {
			return p.resolver.Resolve(sp, p.cfg.Capabilities)
		},
		ApplyEntityRowFilters: p.applyEntityRowFilters,
		DefaultQuestion:       p.contracts.DefaultQuestion,
		MaxSteps:              p.cfg.MaxSteps,
		Logger:                p.logger,
	})

	result := loop.Run(ctx, engine.Request{
		Message:             message,
		Spec:                sp,
		Resolution:          resolution,
		Mode:                mode,
		Source:              source,
		Export:              export,
		DirectDocPayload:    directDoc,
		DirectLatestPayload: directLatest,
		SelectedReport:      selected,
		PlanSeed:            planSeed,
		InitialTrace:        initialTrace,
	})

	out := shape.SanitizeUserPayload(result.Payload, sp)
	out = shape.FormatNumericValuesForDisplay(out)
	if clearPendingOnSuccess && out.Pending == nil {
		out.ClearPendingState = true
	}

	if result.TransformToolMessage != "" {
		audit.raw("transform_last", result.TransformToolMessage)
	}
	if result.ShaperToolMessage != "" {
		audit.raw("response_shaper", result.ShaperToolMessage)
	}
	audit.quality(result.Quality)

	state := topic.BuildState(prevState, sp, result.SelectedReport, out, topic.ClarificationOutcome{
		ShouldClarify: decision.ShouldClarify,
		Reason:        decision.Reason,
		Question:      decision.Question,
	}, anchorMeta, message)
	audit.topicState(state, anchorMeta)
	audit.raw("read_engine", result.ToolMessage(source, mode))

	p.persistTurn(ctx, req.SessionID, state, out, audit)

	return Response{
		Payload:   out,
		State:     state,
		Quality:   result.Quality,
		StepTrace: result.StepTrace,
		Audit:     audit.messages,
	}, nil
}

// finishClarification ends the turn with a blocker question and the
// pending state the next turn resumes from.
func (p *Pipeline) finishClarification(
	ctx context.Context,
	req Request,
	sp spec.BusinessSpec,
	resolution resolver.Resolution,
	decision clarify.Decision,
	prevState topic.State,
	anchorMeta topic.AnchorMeta,
	message, source, mode string,
	initialTrace []engine.TraceEntry,
	audit *auditTrail,
) (Response, error) {
	reason := strings.ToLower(strings.TrimSpace(decision.Reason))
	pendingMode := "planner_clarify"
	switch reason {
	case resolver.ReasonMissingRequiredFilter, "entity_no_match", "entity_ambiguous":
		pendingMode = "need_filters"
	}

	options := make([]string, 0, maxClarifyOptions)
	for _, o := range decision.Options {
		if s := strings.TrimSpace(o); s != "" {
			options = append(options, s)
		}
		if len(options) == maxClarifyOptions {
			break
		}
	}
	var optionActions map[string]string
	if pendingMode == "planner_clarify" {
		if len(options) == 0 {
			options = []string{"Switch to compatible report", "Keep current scope"}
		}
		optionActions = resume.PlannerOptionActions(options, nil)
	}

	out := payload.TextPayload(strings.TrimSpace(decision.Question))
	out.Pending = &payload.PendingState{
		Mode:          pendingMode,
		Question:      strings.TrimSpace(decision.Question),
		BaseQuestion:  message,
		Reason:        reason,
		FilterKey:     strings.TrimSpace(decision.TargetFilterKey),
		RawValue:      strings.TrimSpace(decision.RawValue),
		Options:       options,
		OptionActions: optionActions,
		ReportName:    strings.TrimSpace(resolution.SelectedReport),
		FiltersSoFar:  cloneFilters(sp.Filters),
		SpecSoFar: map[string]any{
			"task_class": strings.ToLower(strings.TrimSpace(sp.TaskClass)),
			"subject":    strings.TrimSpace(sp.Subject),
			"metric":     strings.TrimSpace(sp.Metric),
			"domain":     strings.TrimSpace(sp.Domain),
			"top_n":      sp.TopN,
			"output_contract": map[string]any{
				"mode":            sp.Output.Mode,
				"minimal_columns": sp.Output.MinimalColumns,
			},
		},
		ClarificationRound: 1,
	}

	report := p.gate.Evaluate(quality.Input{Spec: sp, Resolution: resolution, Payload: out})
	audit.raw("response_shaper", shape.ToolMessage(source, mode, out))
	audit.quality(report)

	trace := append(initialTrace, engine.TraceEntry{Action: "clarify_blocker", QualityVerdict: report.Verdict})

	state := topic.BuildState(prevState, sp, resolution.SelectedReport, out, topic.ClarificationOutcome{
		ShouldClarify: true,
		Reason:        decision.Reason,
		Question:      decision.Question,
	}, anchorMeta, message)
	audit.topicState(state, anchorMeta)

	p.persistTurn(ctx, req.SessionID, state, out, audit)

	return Response{
		Payload:   out,
		State:     state,
		Quality:   report,
		StepTrace: trace,
		Audit:     audit.messages,
	}, nil
}

// finishEarly ends a turn that produced its payload before resolution
// (tutor answers, unresolvable write asks).
func (p *Pipeline) finishEarly(ctx context.Context, req Request, sp spec.BusinessSpec, specIssues []string, out payload.Payload, source, mode string) (Response, error) {
	audit := newAuditTrail(source, mode)
	audit.spec(sp, specIssues)
	p.persistTurn(ctx, req.SessionID, topic.State{}, out, audit)
	return Response{Payload: out, Audit: audit.messages}, nil
}

// finishDirectReply ends a resume turn the resume policy answered
// itself (re-asks, keep-current confirmations).
func (p *Pipeline) finishDirectReply(ctx context.Context, req Request, out payload.Payload, source string) (Response, error) {
	audit := newAuditTrail(source, "continue")
	audit.raw("resume_policy", resumeToolMessage(source, out))
	p.persistTurn(ctx, req.SessionID, topic.State{}, out, audit)
	return Response{Payload: out, Audit: audit.messages}, nil
}

// persistTurn stores the audit trail and, for table results, the
// payload itself for follow-up transforms. State is saved unless empty.
func (p *Pipeline) persistTurn(ctx context.Context, sessionID string, state topic.State, out payload.Payload, audit *auditTrail) {
	if strings.TrimSpace(sessionID) == "" {
		return
	}
	if !state.ActiveTopic.Empty() || state.Unresolved.Present {
		if err := p.store.SaveState(ctx, sessionID, state); err != nil {
			p.logger.Warn("topic state save failed", zap.Error(err))
		}
	}
	if out.Type == payload.TypeReportTable && out.Table != nil {
		if err := p.store.SaveResult(ctx, sessionID, out); err != nil {
			p.logger.Warn("result save failed", zap.Error(err))
		}
	}
	for _, m := range audit.messages {
		if err := p.store.AppendAudit(ctx, sessionID, m.Kind, m.JSON); err != nil {
			p.logger.Warn("audit append failed", zap.Error(err))
			return
		}
	}
}

// runner adapts the external executor for the read loop, materializing
// required temporal and company defaults before each run.
func (p *Pipeline) runner(_ context.Context, message, user string, export bool) engine.Runner {
	return func(ctx context.Context, reportName string, sp spec.BusinessSpec) (*payload.Payload, error) {
		if p.cfg.Executor == nil {
			return nil, nil
		}
		filters := cloneFilters(sp.Filters)
		if p.cfg.Capabilities != nil {
			if row, ok := p.cfg.Capabilities.Row(reportName); ok {
				filters = p.applyRequiredTimeDefaults(ctx, filters, row, message)
			}
		}
		out, err := p.cfg.Executor.RunReport(ctx, reportName, filters, export, user)
		if err != nil {
			return nil, err
		}
		if out != nil && strings.TrimSpace(out.ReportName) == "" {
			cp := out.Clone()
			cp.ReportName = reportName
			return &cp, nil
		}
		return out, nil
	}
}

// resumeHooks binds the resume policy's lookups to this pipeline's
// collaborators.
func (p *Pipeline) resumeHooks(ctx context.Context) resume.Hooks {
	return resume.Hooks{
		IsNewBusinessRequest: func(message string) bool {
			return isNewBusinessRequestText(message, p.ont)
		},
		RecordDoctypeCandidates: func(message string, sp spec.BusinessSpec) []string {
			return p.recordDoctypeCandidates(ctx, message, sp)
		},
		ExplicitDoctypeName: func(message string) string {
			return p.resolveExplicitDoctypeName(ctx, message)
		},
		SubmittableDoctypes: func() []string {
			return p.submittableDoctypes(ctx)
		},
		DefaultQuestion: p.contracts.DefaultQuestion,
	}
}

// isNewBusinessRequestText asks whether a reply reads like a fresh
// analytical question rather than an answer to the pending one: a
// recognized metric or several content words beyond stop tokens.
func isNewBusinessRequestText(message string, ont *ontology.Catalog) bool {
	txt := strings.ToLower(strings.TrimSpace(message))
	if txt == "" {
		return false
	}
	if ont.KnownMetric(txt) != "" {
		return true
	}
	content := 0
	for _, tok := range strings.Fields(txt) {
		if ont.StopToken(tok) {
			continue
		}
		content++
	}
	return content >= 5
}

// mergePinnedFilters re-applies values a resumed plan already
// resolved, so the replayed question cannot drift back to ambiguity.
func mergePinnedFilters(sp spec.BusinessSpec, planSeed map[string]any) spec.BusinessSpec {
	if planSeed == nil {
		return sp
	}
	if taskClass, _ := planSeed["task_class"].(string); strings.TrimSpace(taskClass) != "" {
		sp.TaskClass = strings.ToLower(strings.TrimSpace(taskClass))
	}
	if topN := intFromAny(planSeed["top_n"]); topN > 0 {
		sp.TopN = topN
		sp.Output.Mode = "top_n"
	}
	if mode, _ := planSeed["output_mode"].(string); strings.TrimSpace(mode) != "" {
		sp.Output.Mode = strings.ToLower(strings.TrimSpace(mode))
	}
	if cols := stringsFromAny(planSeed["minimal_columns"]); len(cols) > 0 && len(sp.Output.MinimalColumns) == 0 {
		if len(cols) > 12 {
			cols = cols[:12]
		}
		sp.Output.MinimalColumns = cols
	}
	pinned, _ := planSeed["filters"].(map[string]any)
	if len(pinned) == 0 {
		return sp
	}
	merged := cloneFilters(sp.Filters)
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range pinned {
		key := strings.TrimSpace(k)
		if key == "" || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		merged[key] = v
	}
	sp.Filters = merged
	return sp
}

func cloneFilters(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func stringsFromAny(v any) []string {
	var out []string
	switch list := v.(type) {
	case []string:
		for _, s := range list {
			if t := strings.TrimSpace(s); t != "" {
				out = append(out, t)
			}
		}
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				if t := strings.TrimSpace(s); t != "" {
					out = append(out, t)
				}
			}
		}
	}
	return out
}

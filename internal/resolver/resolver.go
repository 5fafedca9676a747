package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/tally/internal/capability"
	"github.com/roach88/tally/internal/ontology"
	"github.com/roach88/tally/internal/spec"
)

// LowConfidenceThreshold is the capability confidence below which a
// selected candidate still triggers a clarification.
const LowConfidenceThreshold = 0.30

const maxCandidateReports = 80

// Clarification reasons the resolver can emit.
const (
	ReasonNoCandidate           = "no_candidate"
	ReasonHardConstraint        = "hard_constraint_not_supported"
	ReasonMissingRequiredFilter = "missing_required_filter_value"
	ReasonLowConfidence         = "low_confidence_candidate"
	ReasonPipelineError         = "resolver_pipeline_error"
)

// Candidate is one scored report.
type Candidate struct {
	ReportName                  string   `json:"report_name"`
	Score                       int      `json:"score"`
	Confidence                  float64  `json:"confidence"`
	Fresh                       bool     `json:"fresh"`
	Reasons                     []string `json:"reasons"`
	HardBlockers                []string `json:"hard_blockers"`
	SupportedFilterKinds        []string `json:"supported_filter_kinds"`
	RequiredFilterKinds         []string `json:"required_filter_kinds"`
	MissingRequiredFilterValues []string `json:"missing_required_filter_values"`
}

// Feasible reports whether the candidate has no hard blockers.
func (c Candidate) Feasible() bool {
	return len(c.HardBlockers) == 0
}

// HardConstraints echoes the request semantics the scoring ran
// against, for auditability.
type HardConstraints struct {
	HardFilterKinds     []string `json:"hard_filter_kinds"`
	TimeMode            string   `json:"time_mode"`
	RequestedDimensions []string `json:"requested_dimensions"`
	Domain              string   `json:"domain"`
}

// Resolution is the full resolver outcome for one request.
type Resolution struct {
	HardConstraints       HardConstraints `json:"hard_constraints"`
	CandidateReports      []Candidate     `json:"candidate_reports"`
	SelectedReport        string          `json:"selected_report"`
	SelectedScore         *int            `json:"selected_score"`
	SelectedConfidence    float64         `json:"selected_confidence"`
	NeedsClarification    bool            `json:"needs_clarification"`
	ClarificationReason   string          `json:"clarification_reason"`
	ClarificationQuestion string          `json:"clarification_question"`
	RerankedBy            string          `json:"reranked_by,omitempty"`
}

// Selected returns the selected candidate from the resolution's
// candidate list; ok is false when nothing was selected.
func (r Resolution) Selected() (Candidate, bool) {
	for _, c := range r.CandidateReports {
		if c.ReportName == r.SelectedReport && r.SelectedReport != "" {
			return c, true
		}
	}
	return Candidate{}, false
}

// Resolver scores capability rows against business requests.
type Resolver struct {
	ont *ontology.Catalog
}

// NewResolver returns a resolver over the given ontology.
func NewResolver(ont *ontology.Catalog) *Resolver {
	return &Resolver{ont: ont}
}

// specSemantics is the scoring view of a business request.
type specSemantics struct {
	filters             map[string]any
	hardFilterKinds     []string
	requestedDimensions []string
	taskType            string
	outputMode          string
	timeMode            string
	domain              string
	metric              string
	subjectTokens       []string
}

var unspecifiedDomains = map[string]bool{
	"": true, "unknown": true, "none": true,
	"generic": true, "general": true, "cross_functional": true,
}

var subjectStopTokens = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"that": true, "this": true, "those": true, "these": true,
	"last": true, "month": true, "week": true, "year": true, "today": true,
}

func nonEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	case []any:
		return len(x) > 0
	case []string:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

func (r *Resolver) extractSemantics(sp spec.BusinessSpec) specSemantics {
	kinds := map[string]bool{}
	for k, v := range sp.Filters {
		if !nonEmpty(v) {
			continue
		}
		for _, kind := range r.ont.InferFilterKinds(k) {
			kinds[kind] = true
		}
	}

	dims := map[string]bool{}
	for _, raw := range append(append([]string{}, sp.Dimensions...), sp.GroupBy...) {
		if d := strings.ToLower(strings.TrimSpace(r.ont.CanonicalDimension(raw))); d != "" {
			dims[d] = true
		}
	}

	timeMode := strings.ToLower(strings.TrimSpace(sp.TimeScope.Mode))
	if timeMode == "" {
		timeMode = "none"
	}

	metric := r.ont.CanonicalMetric(sp.Metric)
	domain := r.ont.CanonicalDomain(sp.Domain)
	if unspecifiedDomains[domain] {
		domain = r.ont.MetricDomain(metric)
		if domain == "" {
			if subj := r.ont.CanonicalDomain(sp.Subject); !unspecifiedDomains[subj] {
				domain = subj
			}
		}
		if domain == "" {
			domain = "unknown"
		}
	}

	return specSemantics{
		filters:             sp.Filters,
		hardFilterKinds:     sortedSet(kinds),
		requestedDimensions: sortedSet(dims),
		taskType:            strings.ToLower(strings.TrimSpace(sp.TaskType)),
		outputMode:          strings.ToLower(strings.TrimSpace(sp.Output.Mode)),
		timeMode:            timeMode,
		domain:              domain,
		metric:              metric,
		subjectTokens:       sortedSet(subjectTokenSet(sp.Subject)),
	}
}

// subjectTokenSet tokenizes free subject text into lowercase
// alphanumeric tokens of length three or more, minus stop words.
func subjectTokenSet(value string) map[string]bool {
	out := map[string]bool{}
	lower := strings.ToLower(value)
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		t := lower[start:end]
		start = -1
		if len(t) < 3 || subjectStopTokens[t] {
			return
		}
		out[t] = true
	}
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(lower))
	return out
}

// requiredKindSatisfied reports whether the request already supplies a
// value for a required filter kind. Time kinds are satisfied by any
// concrete time scope; fiscal_year always needs an explicit value.
func requiredKindSatisfied(kind string, sem specSemantics) bool {
	k := strings.ToLower(strings.TrimSpace(kind))
	if k == "" {
		return true
	}
	for fk, fv := range sem.filters {
		if strings.Contains(strings.ToLower(strings.TrimSpace(fk)), k) && nonEmpty(fv) {
			return true
		}
	}
	hasTimeScope := sem.timeMode == "range" || sem.timeMode == "relative" || sem.timeMode == "as_of"
	switch k {
	case "date", "from_date", "to_date", "report_date", "start_year", "end_year", "year":
		return hasTimeScope
	}
	return false
}

var clarifiableRequiredKinds = map[string]bool{
	"company": true, "warehouse": true, "customer": true, "supplier": true, "item": true,
	"from_date": true, "to_date": true, "report_date": true, "date": true,
	"start_year": true, "end_year": true, "fiscal_year": true, "year": true,
}

func (r *Resolver) scoreCandidate(sem specSemantics, cap capability.Row) Candidate {
	capFilters := loweredSet(cap.Constraints.SupportedFilterKinds)
	capReqKinds := loweredSet(cap.Constraints.RequiredFilterKinds)

	score := int(cap.Metadata.Confidence*100 + 0.5)
	reasons := []string{fmt.Sprintf("confidence_base=%d", score)}
	blockers := map[string]bool{}

	if !cap.Metadata.Fresh {
		score -= 40
		reasons = append(reasons, "stale_capability(-40)")
	} else {
		reasons = append(reasons, "fresh_capability(+0)")
	}

	hardKinds := sem.hardFilterKinds
	if cap.Constraints.RequirementsUnknown && len(hardKinds) > 0 {
		score -= 20
		reasons = append(reasons, "requirements_unknown_with_hard_filters(-20)")
	}

	missingKinds := []string{}
	for _, k := range hardKinds {
		if !capFilters[k] {
			missingKinds = append(missingKinds, k)
			blockers["unsupported_filter_kind:"+k] = true
		}
	}
	if len(missingKinds) > 0 {
		score -= 120
		reasons = append(reasons, "hard_constraint_missing(-120)")
	} else if len(hardKinds) > 0 {
		delta := min(24, len(hardKinds)*6)
		score += delta
		reasons = append(reasons, fmt.Sprintf("hard_constraint_supported(+%d)", delta))
	}

	capDims := map[string]bool{}
	for _, h := range cap.Semantics.DimensionHints {
		if d := strings.ToLower(strings.TrimSpace(r.ont.CanonicalDimension(h))); d != "" {
			capDims[d] = true
		}
	}
	capPrimary := strings.ToLower(strings.TrimSpace(cap.Semantics.PrimaryDimension))
	strictTask := sem.taskType == "ranking" || sem.taskType == "detail" || sem.taskType == "comparison"

	if len(sem.requestedDimensions) > 0 {
		requested := toBoolSet(sem.requestedDimensions)
		if capPrimary != "" && !requested[capPrimary] {
			score -= 36
			reasons = append(reasons, "primary_dimension_mismatch(-36)")
			if strictTask {
				blockers["primary_dimension_mismatch"] = true
			}
		}
		if len(capDims) > 0 {
			hits := 0
			for d := range requested {
				if capDims[d] {
					hits++
				}
			}
			if hits > 0 {
				delta := min(24, hits*8)
				score += delta
				reasons = append(reasons, fmt.Sprintf("dimension_match(+%d)", delta))
			} else {
				score -= 28
				reasons = append(reasons, "dimension_mismatch(-28)")
				if strictTask {
					blockers["unsupported_dimension"] = true
				}
			}
		} else {
			score -= 18
			reasons = append(reasons, "dimension_unknown(-18)")
		}
	}

	capDomains := loweredSet(cap.Semantics.DomainHints)
	if sem.domain != "" && sem.domain != "unknown" {
		if capDomains[sem.domain] {
			score += 20
			reasons = append(reasons, "domain_match(+20)")
		} else if len(capDomains) > 0 {
			score -= 30
			reasons = append(reasons, "domain_mismatch(-30)")
		}
	}

	capMetrics := map[string]bool{}
	for _, h := range cap.Semantics.MetricHints {
		if m := r.ont.CanonicalMetric(h); m != "" {
			capMetrics[m] = true
		}
	}
	if sem.metric != "" && sem.metric != "unspecified" && sem.metric != "none" {
		switch {
		case len(capMetrics) == 0:
			score -= 6
			reasons = append(reasons, "metric_unknown(-6)")
		case capMetrics[sem.metric]:
			score += 26
			reasons = append(reasons, "metric_match(+26)")
		default:
			score -= 18
			reasons = append(reasons, "metric_mismatch(-18)")
		}
	}

	// Subject relevance keeps broad unseen phrasing anchored to
	// semantically relevant reports instead of random ties.
	if len(sem.subjectTokens) > 0 {
		pool := map[string]bool{}
		mergeTokens(pool, subjectTokenSet(cap.ReportName))
		mergeTokens(pool, subjectTokenSet(cap.ReportFamily))
		for d := range capDomains {
			mergeTokens(pool, subjectTokenSet(d))
		}
		for d := range capDims {
			mergeTokens(pool, subjectTokenSet(d))
		}
		for m := range capMetrics {
			mergeTokens(pool, subjectTokenSet(m))
		}
		overlap := 0
		for _, t := range sem.subjectTokens {
			if pool[t] {
				overlap++
			}
		}
		if overlap > 0 {
			delta := min(24, overlap*8)
			score += delta
			reasons = append(reasons, fmt.Sprintf("subject_overlap(+%d)", delta))
		} else {
			score -= 16
			reasons = append(reasons, "subject_mismatch(-16)")
			broadTask := strictTask || sem.taskType == "trend" || sem.taskType == "kpi"
			if broadTask && len(sem.subjectTokens) >= 2 {
				blockers["subject_mismatch"] = true
			}
		}
	}

	if sem.taskType == "ranking" && sem.outputMode == "top_n" && len(sem.requestedDimensions) > 0 {
		hit := false
		for _, d := range sem.requestedDimensions {
			if capDims[d] {
				hit = true
				break
			}
		}
		if hit {
			score += 8
			reasons = append(reasons, "ranking_dimension_ready(+8)")
		} else {
			score -= 10
			reasons = append(reasons, "ranking_dimension_missing(-10)")
		}
	}

	if sem.timeMode == "as_of" || sem.timeMode == "relative" || sem.timeMode == "range" {
		supportsRange := cap.TimeSupport.Range
		supportsAsOf := cap.TimeSupport.AsOf || cap.TimeSupport.Any
		switch {
		case sem.timeMode == "range" && supportsRange,
			(sem.timeMode == "as_of" || sem.timeMode == "relative") && supportsAsOf:
			score += 8
			reasons = append(reasons, "time_support(+8)")
		case !cap.TimeSupport.Any:
			blockers["unsupported_time_scope"] = true
			score -= 30
			reasons = append(reasons, "time_not_supported(-30)")
		}
	}

	missingRequired := []string{}
	for _, kind := range sortedSet(capReqKinds) {
		if requiredKindSatisfied(kind, sem) {
			continue
		}
		if clarifiableRequiredKinds[kind] {
			missingRequired = append(missingRequired, kind)
		}
	}
	if len(missingRequired) > 0 {
		score -= min(35, len(missingRequired)*12)
		reasons = append(reasons, "required_filter_value_missing")
	}

	return Candidate{
		ReportName:                  strings.TrimSpace(cap.ReportName),
		Score:                       score,
		Confidence:                  cap.Metadata.Confidence,
		Fresh:                       cap.Metadata.Fresh,
		Reasons:                     reasons,
		HardBlockers:                sortedSet(blockers),
		SupportedFilterKinds:        sortedSet(capFilters),
		RequiredFilterKinds:         sortedSet(capReqKinds),
		MissingRequiredFilterValues: missingRequired,
	}
}

// Resolve scores every report in the index and selects the best
// feasible candidate. Preference order: feasible candidates with no
// missing required filter values, then any feasible candidate, then
// the best-scored candidate regardless of blockers.
func (r *Resolver) Resolve(sp spec.BusinessSpec, idx *capability.Index) Resolution {
	sem := r.extractSemantics(sp)

	var rows []capability.Row
	if idx != nil {
		rows = idx.Reports
	}
	scored := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		scored = append(scored, r.scoreCandidate(sem, row))
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Confidence != scored[j].Confidence {
			return scored[i].Confidence > scored[j].Confidence
		}
		return scored[i].ReportName > scored[j].ReportName
	})

	var selected Candidate
	found := false
	for _, c := range scored {
		if c.Feasible() && len(c.MissingRequiredFilterValues) == 0 {
			selected, found = c, true
			break
		}
	}
	if !found {
		for _, c := range scored {
			if c.Feasible() {
				selected, found = c, true
				break
			}
		}
	}
	if !found && len(scored) > 0 {
		selected, found = scored[0], true
	}

	res := Resolution{
		HardConstraints: HardConstraints{
			HardFilterKinds:     sem.hardFilterKinds,
			TimeMode:            sem.timeMode,
			RequestedDimensions: sem.requestedDimensions,
			Domain:              sem.domain,
		},
		CandidateReports: capCandidates(scored),
	}
	if found && selected.ReportName != "" {
		score := selected.Score
		res.SelectedReport = selected.ReportName
		res.SelectedScore = &score
		res.SelectedConfidence = selected.Confidence
	}

	switch {
	case res.SelectedReport == "":
		res.NeedsClarification = true
		res.ClarificationReason = ReasonNoCandidate
	case len(selected.HardBlockers) > 0:
		res.NeedsClarification = true
		res.ClarificationReason = ReasonHardConstraint
	case len(selected.MissingRequiredFilterValues) > 0:
		res.NeedsClarification = true
		res.ClarificationReason = ReasonMissingRequiredFilter
	case res.SelectedConfidence < LowConfidenceThreshold:
		res.NeedsClarification = true
		res.ClarificationReason = ReasonLowConfidence
	}

	switch res.ClarificationReason {
	case ReasonMissingRequiredFilter:
		if len(selected.MissingRequiredFilterValues) > 0 {
			res.ClarificationQuestion = QuestionForKind(selected.MissingRequiredFilterValues[0])
		}
	case ReasonHardConstraint:
		res.ClarificationQuestion = "I could not find a capability-feasible report for the requested constraints. " +
			"Please refine the required filters or business scope."
	case ReasonNoCandidate, ReasonLowConfidence:
		res.ClarificationQuestion = "Please specify the business domain and target metric so I can choose the right report."
	}
	return res
}

// QuestionForKind is the canonical question asked when a required
// filter kind is missing a value.
func QuestionForKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "company":
		return "Which company should I use?"
	case "warehouse":
		return "Which warehouse should I use?"
	case "customer":
		return "Which customer should I use?"
	case "supplier":
		return "Which supplier should I use?"
	case "item":
		return "Which item should I use?"
	case "from_date", "to_date", "date", "report_date":
		return "Which date range should I use?"
	case "start_year", "end_year", "year", "fiscal_year":
		return "Which fiscal year or year range should I use?"
	}
	return "Which missing filter value should I use?"
}

func capCandidates(scored []Candidate) []Candidate {
	if len(scored) > maxCandidateReports {
		scored = scored[:maxCandidateReports]
	}
	return scored
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func mergeTokens(dst, src map[string]bool) {
	for t := range src {
		dst[t] = true
	}
}

func toBoolSet(vals []string) map[string]bool {
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		out[v] = true
	}
	return out
}

func loweredSet(vals []string) map[string]bool {
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out[v] = true
		}
	}
	return out
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

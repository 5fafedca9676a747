package quality

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/tally/internal/ontology"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/resolver"
	"github.com/roach88/tally/internal/spec"
)

// Verdicts.
const (
	VerdictPass           = "PASS"
	VerdictRepairableFail = "REPAIRABLE_FAIL"
	VerdictHardFail       = "HARD_FAIL"
)

// Check severities.
const (
	SeverityHard       = "hard"
	SeverityRepairable = "repairable"
)

// Check is one evaluated gate rule.
type Check struct {
	ID       string `json:"id"`
	Name     string `json:"check"`
	OK       bool   `json:"ok"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// Report is the full gate outcome for one executed payload.
type Report struct {
	Verdict            string   `json:"verdict"`
	FailedCheckIDs     []string `json:"failed_check_ids"`
	HardFailCheckIDs   []string `json:"hard_fail_check_ids"`
	RepairableCheckIDs []string `json:"repairable_check_ids"`
	Checks             []Check  `json:"checks"`
}

// Passed reports whether the payload cleared every check.
func (r Report) Passed() bool { return r.Verdict == VerdictPass }

// Hard reports whether any hard check failed.
func (r Report) Hard() bool { return r.Verdict == VerdictHardFail }

// Repairable reports whether the only failures are repairable ones.
func (r Report) Repairable() bool { return r.Verdict == VerdictRepairableFail }

// FailedNames returns the bare check names that failed, in check order.
func (r Report) FailedNames() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.OK {
			out = append(out, c.Name)
		}
	}
	return out
}

// ToolMessage renders the gate outcome as a compact JSON line for the
// execution trace.
func (r Report) ToolMessage(tool, mode string) string {
	b, err := json.Marshal(map[string]any{
		"type":                 "quality_gate",
		"mode":                 strings.TrimSpace(mode),
		"tool":                 strings.TrimSpace(tool),
		"verdict":              r.Verdict,
		"failed_check_ids":     emptyIfNil(r.FailedCheckIDs),
		"hard_fail_check_ids":  emptyIfNil(r.HardFailCheckIDs),
		"repairable_check_ids": emptyIfNil(r.RepairableCheckIDs),
	})
	if err != nil {
		return `{"type":"quality_gate","verdict":"` + r.Verdict + `"}`
	}
	return string(b)
}

// documentIDPattern matches formal document identifiers such as
// ACC-SINV-2025-00042 inside free text or filter values.
var documentIDPattern = regexp.MustCompile(`\b[A-Z]{2,}-[A-Z0-9]+-\d{4}-\d+\b`)

// Gate evaluates executed payloads. The ontology expands requested
// column names into the surface phrases reports actually use.
type Gate struct {
	ont *ontology.Catalog
}

// NewGate returns a gate backed by the given ontology.
func NewGate(ont *ontology.Catalog) *Gate {
	if ont == nil {
		ont = ontology.Default()
	}
	return &Gate{ont: ont}
}

// Input bundles everything one gate evaluation looks at.
type Input struct {
	Spec       spec.BusinessSpec
	Resolution resolver.Resolution
	Payload    payload.Payload

	// RepeatedCallGuardTriggered is set by the execution loop when the
	// executor signalled it was about to re-run an identical call.
	RepeatedCallGuardTriggered bool
}

type checkSink struct {
	checks    []Check
	hardIDs   []string
	repairIDs []string
}

func (s *checkSink) add(name string, ok bool, severity, detail string) {
	id := fmt.Sprintf("QG%02d_%s", len(s.checks)+1, name)
	s.checks = append(s.checks, Check{ID: id, Name: name, OK: ok, Severity: severity, Detail: detail})
	if ok {
		return
	}
	if severity == SeverityHard {
		s.hardIDs = append(s.hardIDs, id)
	} else {
		s.repairIDs = append(s.repairIDs, id)
	}
}

// Evaluate runs every applicable check against the executed payload
// and returns the verdict. Check IDs are positional within one
// evaluation, so the same failure is stable across identical inputs.
func (g *Gate) Evaluate(in Input) Report {
	sp := in.Spec
	res := in.Resolution
	out := in.Payload

	sink := &checkSink{}

	sink.add("resolver_blocker_absent", !res.NeedsClarification, SeverityHard,
		"resolver blockers must be cleared before direct execution")

	sink.add("loop_guard_not_triggered", !in.RepeatedCallGuardTriggered, SeverityHard,
		"repeated-call guard must not trigger")

	isNoDataText := out.Type == payload.TypeText && strings.TrimSpace(out.Text) != ""
	sink.add("payload_type_supported",
		out.Type == payload.TypeText || out.Type == payload.TypeReportTable,
		SeverityRepairable,
		"payload type must be text or report_table")

	selectedReport := strings.TrimSpace(res.SelectedReport)
	outputReport := strings.TrimSpace(out.ReportName)
	if out.Type == payload.TypeReportTable && selectedReport != "" && !out.DirectDocumentLookup {
		sink.add("selected_report_alignment",
			outputReport == "" || outputReport == selectedReport,
			SeverityRepairable,
			"output report should align with selected report")
	}

	taskType := strings.ToLower(strings.TrimSpace(sp.TaskType))
	outputMode := strings.ToLower(strings.TrimSpace(sp.Output.Mode))

	if (outputMode == "top_n" || outputMode == "detail" || outputMode == "kpi") && !res.NeedsClarification {
		sink.add("output_mode_payload_alignment",
			out.Type == payload.TypeReportTable || isNoDataText,
			SeverityRepairable,
			"business output modes top_n/detail/kpi should return report_table")
	}

	var rows []payload.Row
	var cols []payload.Column
	if out.Table != nil {
		rows = out.Table.Rows
		cols = out.Table.Columns
	}

	if out.Type == payload.TypeReportTable && (taskType == "ranking" || taskType == "detail" || taskType == "kpi") {
		sink.add("non_empty_rows", len(rows) > 0, SeverityRepairable,
			"report_table should contain rows for business ask")
	}

	if docID := extractDocumentID(sp.Filters); out.Type == payload.TypeReportTable && docID != "" {
		sink.add("document_filter_applied", documentIDApplied(docID, rows), SeverityRepairable,
			"document-id constrained asks must return rows for the requested document only")
	}

	if out.Type == payload.TypeReportTable && taskType == "trend" {
		hasTime := false
		for _, c := range cols {
			if looksLikeTimeColumn(c) {
				hasTime = true
				break
			}
		}
		sink.add("trend_has_time_axis", hasTime, SeverityRepairable,
			"trend output should include a temporal axis column (date/week/month/quarter/year)")
	}

	if out.Type == payload.TypeReportTable && outputMode == "top_n" && sp.TopN > 0 {
		sink.add("top_n_bound", len(rows) <= sp.TopN, SeverityRepairable,
			"top_n output should not exceed requested rank size")
	}

	minimal := loweredNonEmpty(sp.Output.MinimalColumns)
	if out.Type == payload.TypeReportTable {
		switch {
		case outputMode == "kpi":
			sink.add("kpi_payload_shape", len(rows) == 1 && len(cols) >= 1, SeverityRepairable,
				"kpi output should be a single-row report_table")
		case len(minimal) > 0 && !out.DirectDocumentLookup:
			var colNames []string
			for _, c := range cols {
				colNames = append(colNames, c.Fieldname, c.Label)
			}
			var missing []string
			for _, want := range minimal {
				if !g.hasMinimalColumn(colNames, want) {
					missing = append(missing, want)
				}
			}
			ok := len(missing) == 0
			if !ok {
				// Dynamic column labels (warehouse-specific balance
				// columns, pivoted periods) never match by name. Accept
				// the table when it still carries one business
				// dimension and one numeric measure and most of the
				// requested columns resolved.
				hasNumeric, hasDimension := false, false
				for _, c := range cols {
					if payload.IsNumericColumn(c, rows) {
						hasNumeric = true
					} else {
						hasDimension = true
					}
				}
				if hasNumeric && hasDimension && len(missing) <= maxInt(1, len(minimal)/2) {
					ok = true
				}
			}
			sink.add("minimal_columns_present", ok, SeverityRepairable,
				fmt.Sprintf("missing minimal columns: %v", missing))
		}
	}

	verdict := VerdictPass
	switch {
	case len(sink.hardIDs) > 0:
		verdict = VerdictHardFail
	case len(sink.repairIDs) > 0:
		verdict = VerdictRepairableFail
	}

	var failed []string
	for _, c := range sink.checks {
		if !c.OK {
			failed = append(failed, c.ID)
		}
	}

	return Report{
		Verdict:            verdict,
		FailedCheckIDs:     failed,
		HardFailCheckIDs:   sink.hardIDs,
		RepairableCheckIDs: sink.repairIDs,
		Checks:             sink.checks,
	}
}

// hasMinimalColumn reports whether any column name matches one of the
// surface phrases the requested column may appear as. Containment in
// either direction counts, so "total revenue" matches "revenue".
func (g *Gate) hasMinimalColumn(colNames []string, target string) bool {
	var names []string
	for _, n := range colNames {
		if t := normToken(n); t != "" {
			names = append(names, t)
		}
	}
	aliases := g.minimalAliases(target)
	if len(names) == 0 || len(aliases) == 0 {
		return false
	}
	for _, n := range names {
		for _, a := range aliases {
			if a == n || strings.Contains(n, a) || strings.Contains(a, n) {
				return true
			}
		}
	}
	return false
}

// minimalAliases expands a requested column into every phrase it may
// surface as: its own flattened form, metric and dimension aliases,
// and the column-name variants reports actually emit.
func (g *Gate) minimalAliases(target string) []string {
	t := normToken(target)
	if t == "" {
		return nil
	}
	set := map[string]struct{}{t: {}}
	for _, a := range g.ont.SemanticAliases(t, false) {
		if n := normToken(a); n != "" {
			set[n] = struct{}{}
		}
	}
	if metric := g.ont.KnownMetric(t); metric != "" {
		for _, a := range g.ont.MetricColumnAliasesFor(metric) {
			if n := normToken(a); n != "" {
				set[n] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func looksLikeTimeColumn(c payload.Column) bool {
	text := strings.TrimSpace(normToken(c.Fieldname) + " " + normToken(c.Label))
	for _, t := range []string{"date", "week", "month", "quarter", "year", "period"} {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// extractDocumentID scans filter values for a formal document
// identifier. Keys are walked in sorted order so the result is stable
// when several values carry IDs.
func extractDocumentID(filters map[string]any) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := strings.TrimSpace(payload.CellString(filters[k]))
		if s == "" {
			continue
		}
		if m := documentIDPattern.FindString(s); m != "" {
			return s
		}
	}
	return ""
}

// documentIDApplied checks that every document-like identifier in the
// result rows is the requested one. An empty result fails: a
// document-constrained ask with no matching rows did not apply the
// filter.
func documentIDApplied(docID string, rows []payload.Row) bool {
	if docID == "" {
		return true
	}
	values := map[string]struct{}{}
	for _, r := range rows {
		for _, v := range r {
			s := strings.TrimSpace(payload.CellString(v))
			if s != "" && documentIDPattern.MatchString(s) {
				values[s] = struct{}{}
			}
		}
	}
	if len(values) != 1 {
		return false
	}
	for v := range values {
		return v == docID
	}
	return false
}

func normToken(v string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), "_", " ")
}

func loweredNonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if t := strings.ToLower(strings.TrimSpace(v)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

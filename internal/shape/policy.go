package shape

import (
	"fmt"
	"strings"

	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/quality"
	"github.com/roach88/tally/internal/spec"
)

// switchableCheckSuffixes are the quality checks whose failure means a
// different candidate report might do better.
var switchableCheckSuffixes = []string{
	"_non_empty_rows",
	"_kpi_payload_shape",
	"_trend_has_time_axis",
	"_minimal_columns_present",
	"_requested_dimensions_present",
	"_document_filter_applied",
	"_output_mode_payload_alignment",
}

// HasRepairableFailureClass reports whether any failed check belongs
// to a switchable failure class.
func HasRepairableFailureClass(q quality.Report, classes []string) bool {
	wanted := map[string]struct{}{}
	for _, c := range classes {
		if t := strings.ToLower(strings.TrimSpace(c)); t != "" {
			wanted[t] = struct{}{}
		}
	}
	if len(wanted) == 0 {
		return false
	}
	for _, id := range q.FailedCheckIDs {
		for _, suffix := range switchableCheckSuffixes {
			if strings.HasSuffix(id, suffix) {
				return true
			}
		}
	}
	return false
}

// MaxCandidateSwitchAttempts caps per-turn candidate switches.
const MaxCandidateSwitchAttempts = 4

// SwitchDecision bundles the inputs the candidate-switch predicate
// looks at after a repairable quality failure.
type SwitchDecision struct {
	Quality                 quality.Report
	Intent                  string
	TaskClass               string
	CandidateCursor         int
	CandidateReports        []string
	CandidateSwitchAttempts int
}

// ShouldSwitchCandidateOnRepairable decides whether the loop should
// advance to the next candidate report. Record-listing asks narrow
// the switchable classes: a semantic mismatch there is a symptom of
// record-type ambiguity, not of the wrong report.
func ShouldSwitchCandidateOnRepairable(d SwitchDecision) bool {
	if d.Quality.Verdict != quality.VerdictRepairableFail {
		return false
	}
	if strings.ToUpper(strings.TrimSpace(d.Intent)) == spec.IntentTransformLast {
		return false
	}
	if d.CandidateCursor+1 >= len(d.CandidateReports) {
		return false
	}
	if d.CandidateSwitchAttempts >= MaxCandidateSwitchAttempts {
		return false
	}
	classes := []string{"shape", "data", "constraint", "semantic"}
	if strings.ToLower(strings.TrimSpace(d.TaskClass)) == "list_latest_records" {
		classes = []string{"shape", "data", "constraint"}
	}
	return HasRepairableFailureClass(d.Quality, classes)
}

var systemErrorPatterns = []string{
	"is mandatory",
	"not found",
	"must be greater than",
	"must be less than",
	"traceback",
	"exception",
	"error:",
	"sql",
}

// LooksLikeSystemErrorText reports whether a text or error payload
// carries raw system error text that must never reach the user.
func LooksLikeSystemErrorText(p payload.Payload) bool {
	if p.Type != payload.TypeText && p.Type != payload.TypeError {
		return false
	}
	txt := strings.ToLower(strings.TrimSpace(p.Text))
	if txt == "" {
		txt = strings.ToLower(strings.TrimSpace(p.Error))
	}
	if txt == "" {
		return false
	}
	for _, pattern := range systemErrorPatterns {
		if strings.Contains(txt, pattern) {
			return true
		}
	}
	return false
}

// UnsupportedMessageFromSpec builds the generic could-not-produce
// message, echoing the requested scope when the spec names one.
func UnsupportedMessageFromSpec(sp spec.BusinessSpec) string {
	subject := strings.TrimSpace(sp.Subject)
	metric := strings.TrimSpace(sp.Metric)
	if subject != "" || metric != "" {
		if subject == "" {
			subject = "unspecified"
		}
		if metric == "" {
			metric = "unspecified"
		}
		return fmt.Sprintf(
			"I couldn't reliably produce that result with current report coverage. "+
				"Requested scope: subject='%s', metric='%s'. "+
				"Please refine the target report/filters and retry.",
			subject, metric)
	}
	return "I couldn't reliably produce that result with current report coverage. " +
		"Please refine the request (target report/filters), and I'll retry."
}

var genericSubjectTokens = map[string]struct{}{
	"report": {}, "reports": {}, "data": {}, "result": {}, "results": {},
	"detail": {}, "details": {}, "information": {}, "show": {}, "view": {},
}

// IsLowSignalReadSpec reports whether a READ spec carries so little
// signal (no filters, dimensions, metric, timeframe, or meaningful
// subject) that running anything would be a guess.
func IsLowSignalReadSpec(sp spec.BusinessSpec) bool {
	intent := strings.ToUpper(strings.TrimSpace(sp.Intent))
	if intent != "" && intent != spec.IntentRead {
		return false
	}
	if strings.ToLower(strings.TrimSpace(sp.TaskClass)) == "transform_followup" {
		return false
	}
	if len(sp.Filters) > 0 {
		return false
	}
	if len(sp.GroupBy) > 0 || len(sp.Dimensions) > 0 {
		return false
	}
	if sp.TopN > 0 {
		return false
	}
	if HasExplicitTimeScope(sp) {
		return false
	}
	if strings.TrimSpace(sp.Metric) != "" {
		return false
	}
	if len(RequestedMinimalColumns(sp)) > 0 {
		return false
	}
	subject := strings.ToLower(strings.TrimSpace(sp.Subject))
	if subject == "" {
		return true
	}
	for _, token := range alnumTokens(subject) {
		if _, generic := genericSubjectTokens[token]; !generic {
			return false
		}
	}
	return true
}

// HasExplicitTimeScope reports whether the spec carries its own
// timeframe.
func HasExplicitTimeScope(sp spec.BusinessSpec) bool {
	mode := strings.ToLower(strings.TrimSpace(sp.TimeScope.Mode))
	return (mode != "" && mode != "none") || strings.TrimSpace(sp.TimeScope.Value) != ""
}

// RequestedMinimalColumns returns the non-empty requested columns.
func RequestedMinimalColumns(sp spec.BusinessSpec) []string {
	var out []string
	for _, c := range sp.Output.MinimalColumns {
		if t := strings.TrimSpace(c); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// IsProjectionFollowupRequest reports whether the spec asks to
// reshape columns of a prior result.
func IsProjectionFollowupRequest(sp spec.BusinessSpec) bool {
	if len(RequestedMinimalColumns(sp)) > 0 {
		return true
	}
	return strings.ToLower(strings.TrimSpace(sp.TaskClass)) == "detail_projection" &&
		strings.ToLower(strings.TrimSpace(sp.Output.Mode)) == "detail"
}

// HasReportTableRows reports whether a payload holds a non-empty
// report table.
func HasReportTableRows(p *payload.Payload) bool {
	if p == nil || p.Type != payload.TypeReportTable || p.Table == nil {
		return false
	}
	return len(p.Table.Rows) > 0 && len(p.Table.Columns) > 0
}

// SanitizeUserPayload is the last gate before text reaches the user:
// collapses duplicated lines, rewrites raw system error text into the
// generic unsupported message, and downgrades error payloads to text.
func SanitizeUserPayload(p payload.Payload, sp spec.BusinessSpec) payload.Payload {
	out := p.Clone()
	switch out.Type {
	case payload.TypeText:
		txt := strings.TrimSpace(out.Text)
		if txt != "" {
			lines := nonEmptyLines(txt)
			if len(lines) > 1 && allEqual(lines) {
				txt = lines[0]
			}
			out.Text = txt
		}
		if LooksLikeSystemErrorText(payload.Payload{Type: payload.TypeText, Text: out.Text}) {
			out.Text = UnsupportedMessageFromSpec(sp)
			out.Pending = nil
		}
	case payload.TypeError:
		out = payload.TextPayload(UnsupportedMessageFromSpec(sp))
	}
	return out
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func allEqual(lines []string) bool {
	for _, l := range lines[1:] {
		if l != lines[0] {
			return false
		}
	}
	return true
}

func alnumTokens(s string) []string {
	var out []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		b := s[i]
		if (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') {
			cur.WriteByte(b)
			continue
		}
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

package resume

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/roach88/tally/internal/payload"
)

var optionIndexPattern = regexp.MustCompile(`\b(\d{1,2})\b`)

var firstIntPattern = regexp.MustCompile(`\b(\d{1,3})\b`)

var wordTokenPattern = regexp.MustCompile(`[A-Za-z0-9_]+`)

// NormalizeOptionLabel lowers an option label and collapses
// separators so user input can match it loosely.
func NormalizeOptionLabel(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.ReplaceAll(v, "_", " ")
	v = strings.ReplaceAll(v, "-", " ")
	return strings.Join(strings.Fields(v), " ")
}

// MatchOptionChoice maps a user reply onto one of the offered
// options: a 1-based index, an exact normalized label, or containment
// in either direction. Empty when nothing matches.
func MatchOptionChoice(message string, options []string) string {
	msg := strings.TrimSpace(message)
	if msg == "" || len(options) == 0 {
		return ""
	}
	var normalized []string
	for _, o := range options {
		if t := strings.TrimSpace(o); t != "" {
			normalized = append(normalized, t)
		}
	}
	if len(normalized) == 0 {
		return ""
	}
	msgNorm := NormalizeOptionLabel(msg)

	if m := optionIndexPattern.FindStringSubmatch(msgNorm); m != nil {
		if idx, err := strconv.Atoi(m[1]); err == nil && idx >= 1 && idx <= len(normalized) {
			return normalized[idx-1]
		}
	}
	for _, opt := range normalized {
		if msgNorm == NormalizeOptionLabel(opt) {
			return opt
		}
	}
	for _, opt := range normalized {
		optNorm := NormalizeOptionLabel(opt)
		if optNorm != "" && (strings.Contains(msgNorm, optNorm) || strings.Contains(optNorm, msgNorm)) {
			return opt
		}
	}
	return ""
}

// PlannerOptionActions resolves the action behind each planner
// option. A pending-supplied map wins; otherwise the first option
// means switching reports and the second keeping scope.
func PlannerOptionActions(options []string, pending *payload.PendingState) map[string]string {
	out := map[string]string{}
	if pending != nil {
		for key, value := range pending.OptionActions {
			k := NormalizeOptionLabel(key)
			v := strings.ToLower(strings.TrimSpace(value))
			if k != "" && v != "" {
				out[k] = v
			}
		}
	}
	if len(out) > 0 {
		return out
	}
	var vals []string
	for _, o := range options {
		if t := strings.TrimSpace(o); t != "" {
			vals = append(vals, t)
		}
	}
	if len(vals) >= 2 {
		out[NormalizeOptionLabel(vals[0])] = "switch_report"
		out[NormalizeOptionLabel(vals[1])] = "keep_current"
	}
	return out
}

// LooksLikeScopeAnswerText reports whether a reply reads like a short
// scope answer ("sales invoices") rather than a fresh request.
func LooksLikeScopeAnswerText(text string) bool {
	tokens := wordTokenPattern.FindAllString(strings.ToLower(strings.TrimSpace(text)), -1)
	if len(tokens) == 0 || len(tokens) > 4 {
		return false
	}
	for _, tok := range tokens {
		if _, err := strconv.Atoi(tok); err == nil {
			return false
		}
	}
	return true
}

// FirstIntInText returns the first small integer mentioned, or zero.
func FirstIntInText(text string) int {
	m := firstIntPattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

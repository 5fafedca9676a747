package harness

import "strings"

// checkExpectation evaluates one turn's expectation block against the
// recorded outcome, appending failures to the result.
func checkExpectation(res *Result, turn int, exp Expectation, rec TurnRecord) {
	if exp.PayloadType != "" && string(rec.Payload.Type) != exp.PayloadType {
		res.AddError("turn %d: payload_type %q, want %q", turn, rec.Payload.Type, exp.PayloadType)
	}
	if exp.Text != "" && rec.Payload.Text != exp.Text {
		res.AddError("turn %d: text %q, want %q", turn, rec.Payload.Text, exp.Text)
	}
	if exp.TextContains != "" && !strings.Contains(rec.Payload.Text, exp.TextContains) {
		res.AddError("turn %d: text %q does not contain %q", turn, rec.Payload.Text, exp.TextContains)
	}
	if exp.ReportName != "" && rec.Payload.ReportName != exp.ReportName {
		res.AddError("turn %d: report_name %q, want %q", turn, rec.Payload.ReportName, exp.ReportName)
	}
	if exp.PendingMode != "" && rec.PendingMode() != exp.PendingMode {
		res.AddError("turn %d: pending_mode %q, want %q", turn, rec.PendingMode(), exp.PendingMode)
	}
	if exp.RowCount != nil && rec.RowCount() != *exp.RowCount {
		res.AddError("turn %d: row_count %d, want %d", turn, rec.RowCount(), *exp.RowCount)
	}
	if exp.ClearPending != nil && rec.Payload.ClearPendingState != *exp.ClearPending {
		res.AddError("turn %d: clear_pending %v, want %v", turn, rec.Payload.ClearPendingState, *exp.ClearPending)
	}
	if len(exp.AuditKinds) > 0 && !equalStrings(rec.AuditKinds, exp.AuditKinds) {
		res.AddError("turn %d: audit kinds %v, want %v", turn, rec.AuditKinds, exp.AuditKinds)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

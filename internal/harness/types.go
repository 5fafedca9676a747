package harness

import (
	"fmt"

	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/topic"
)

// TurnRecord captures one executed turn for assertions and digests.
type TurnRecord struct {
	Index   int
	Message string
	Payload payload.Payload
	State   topic.State

	// AuditKinds lists the audit message kinds the turn emitted, in
	// emission order.
	AuditKinds []string
}

// Result is the outcome of running one scenario.
type Result struct {
	Scenario string
	Pass     bool
	Turns    []TurnRecord
	Errors   []string
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(format string, args ...any) {
	r.Pass = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// PendingMode reports the pending-state mode of the record's payload,
// empty when the turn ended without pending state.
func (t TurnRecord) PendingMode() string {
	if t.Payload.Pending == nil {
		return ""
	}
	return t.Payload.Pending.Mode
}

// RowCount reports the number of table rows, -1 for non-table payloads.
func (t TurnRecord) RowCount() int {
	if t.Payload.Table == nil {
		return -1
	}
	return len(t.Payload.Table.Rows)
}

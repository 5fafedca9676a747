package payload

import (
	"encoding/json"
	"strings"
)

// Type identifies the shape of a Payload.
type Type string

const (
	// TypeText is a plain assistant text answer.
	TypeText Type = "text"

	// TypeReportTable is a tabular report answer with columns and rows.
	TypeReportTable Type = "report_table"

	// TypeError is a failed turn; Error carries the reason.
	TypeError Type = "error"
)

// Column describes a single report column.
type Column struct {
	// Fieldname is the row key the column's values live under.
	Fieldname string `json:"fieldname"`

	// Label is the human-readable column header.
	Label string `json:"label"`

	// Fieldtype is the source system's column type (Currency, Float,
	// Int, Percent, Date, Data, Link, ...). Used for numeric detection.
	Fieldtype string `json:"fieldtype,omitempty"`
}

// Row is a single report row keyed by column fieldname.
type Row map[string]any

// Table is the tabular body of a report_table payload.
type Table struct {
	Columns []Column `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Clone returns a deep copy of the table. Rows share no map storage
// with the original, so callers may mutate the copy freely.
func (t Table) Clone() Table {
	out := Table{
		Columns: append([]Column(nil), t.Columns...),
		Rows:    make([]Row, 0, len(t.Rows)),
	}
	for _, r := range t.Rows {
		cp := make(Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out.Rows = append(out.Rows, cp)
	}
	return out
}

// PendingState carries an interrupted turn that the next user message
// may resume (a clarification round or a write confirmation).
type PendingState struct {
	// Mode identifies the pending interaction: "planner_clarify" or
	// "write_confirmation".
	Mode string `json:"mode"`

	// Question is the single blocker question shown to the user.
	Question string `json:"question,omitempty"`

	// BaseQuestion is the original user ask the pending round
	// interrupted, replayed once the blocker resolves.
	BaseQuestion string `json:"base_question,omitempty"`

	// Reason is the canonical blocker reason tag.
	Reason string `json:"reason,omitempty"`

	// FilterKey is the filter the question is about, when entity
	// resolution raised the blocker.
	FilterKey string `json:"filter_key,omitempty"`

	// RawValue is the user-supplied value the blocker is about.
	RawValue string `json:"raw_value,omitempty"`

	// Options are candidate values the user may pick from (capped).
	Options []string `json:"options,omitempty"`

	// OptionActions maps a normalized option label to the action the
	// resume path takes when the user picks it.
	OptionActions map[string]string `json:"option_actions,omitempty"`

	// ReportName is the report the interrupted read had selected.
	ReportName string `json:"report_name,omitempty"`

	// FiltersSoFar preserves already-resolved filters across the
	// clarification round.
	FiltersSoFar map[string]any `json:"filters_so_far,omitempty"`

	// SpecSoFar is a digest of the business spec at interruption time.
	SpecSoFar map[string]any `json:"spec_so_far,omitempty"`

	// ClarificationRound counts clarification turns for this topic.
	ClarificationRound int `json:"clarification_round,omitempty"`

	// Draft holds the staged write when Mode is "write_confirmation".
	Draft map[string]any `json:"draft,omitempty"`

	// QualityClarification carries machine-readable switch intent
	// attached by a quality evaluation inside a report executor. The
	// read loop consumes it to auto-switch without asking the user.
	QualityClarification map[string]any `json:"quality_clarification,omitempty"`
}

// Payload is the single answer envelope a pipeline turn produces.
type Payload struct {
	Type Type `json:"type"`

	// Text is the answer body for text payloads, and an optional
	// preamble for report_table payloads.
	Text string `json:"text,omitempty"`

	// Error is the failure reason for error payloads.
	Error string `json:"error,omitempty"`

	// ReportName identifies the report that produced Table.
	ReportName string `json:"report_name,omitempty"`

	// Table is the tabular body for report_table payloads.
	Table *Table `json:"table,omitempty"`

	// Pending carries a clarification or confirmation awaiting the
	// next user turn. A payload with Pending set ends the turn.
	Pending *PendingState `json:"_pending_state,omitempty"`

	// ScaledUnit records an applied unit scale ("million"). Transform
	// passes use it to stay idempotent.
	ScaledUnit string `json:"_scaled_unit,omitempty"`

	// OutputMode records the realized output contract mode
	// ("kpi", "top_n", "detail").
	OutputMode string `json:"_output_mode,omitempty"`

	// TransformApplied marks the transform step that produced this
	// payload ("top_n", "kpi_total", "detail_project", "scale_million").
	TransformApplied string `json:"_transform_last_applied,omitempty"`

	// SourceColumns preserves the pre-transform column fieldnames so a
	// later transform can widen a projected table again (capped).
	SourceColumns []string `json:"_source_columns,omitempty"`

	// SourceTable preserves the pre-transform table (capped) for
	// transform re-application against original magnitudes.
	SourceTable *Table `json:"_source_table,omitempty"`

	// EntityRowFilterApplied marks that verified entity filters were
	// re-applied row-wise after execution.
	EntityRowFilterApplied bool `json:"_entity_row_filter_applied,omitempty"`

	// EntityRowFilterKeys lists the filter keys the row filter used.
	EntityRowFilterKeys []string `json:"_entity_row_filter_keys,omitempty"`

	// DirectDocumentLookup marks output produced by the direct
	// document-id lookup path. Report-alignment and minimal-column
	// checks skip such payloads.
	DirectDocumentLookup bool `json:"_direct_document_lookup,omitempty"`

	// DirectLatestRecords marks output produced by the direct
	// latest-records listing path.
	DirectLatestRecords bool `json:"_direct_latest_records,omitempty"`

	// ClearPendingState instructs the session layer to drop stored
	// pending state for this topic.
	ClearPendingState bool `json:"_clear_pending_state,omitempty"`

	// RetryRequested is an internal executor hint asking the read loop
	// for one repair retry. Stripped before the payload leaves the loop.
	RetryRequested bool `json:"_retry_requested,omitempty"`

	// WriteResult reports the outcome of a confirmed write turn.
	WriteResult *WriteResult `json:"_write_result,omitempty"`
}

// WriteResult is the executor outcome attached to a write turn.
type WriteResult struct {
	Status         string `json:"status"`
	Doctype        string `json:"doctype,omitempty"`
	Operation      string `json:"operation,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	out := p
	if p.Table != nil {
		t := p.Table.Clone()
		out.Table = &t
	}
	if p.SourceTable != nil {
		t := p.SourceTable.Clone()
		out.SourceTable = &t
	}
	if p.Pending != nil {
		ps := *p.Pending
		ps.Options = append([]string(nil), p.Pending.Options...)
		if p.Pending.OptionActions != nil {
			oa := make(map[string]string, len(p.Pending.OptionActions))
			for k, v := range p.Pending.OptionActions {
				oa[k] = v
			}
			ps.OptionActions = oa
		}
		ps.FiltersSoFar = cloneAnyMap(p.Pending.FiltersSoFar)
		ps.SpecSoFar = cloneAnyMap(p.Pending.SpecSoFar)
		ps.Draft = cloneAnyMap(p.Pending.Draft)
		ps.QualityClarification = cloneAnyMap(p.Pending.QualityClarification)
		out.Pending = &ps
	}
	if p.WriteResult != nil {
		wr := *p.WriteResult
		out.WriteResult = &wr
	}
	out.SourceColumns = append([]string(nil), p.SourceColumns...)
	out.EntityRowFilterKeys = append([]string(nil), p.EntityRowFilterKeys...)
	return out
}

// HasRows reports whether the payload carries a report table with at
// least one row.
func (p Payload) HasRows() bool {
	return p.Type == TypeReportTable && p.Table != nil && len(p.Table.Rows) > 0
}

// Text returns a payload holding plain assistant text.
func TextPayload(text string) Payload {
	return Payload{Type: TypeText, Text: strings.TrimSpace(text)}
}

// ErrorPayload returns a failed-turn payload.
func ErrorPayload(reason string) Payload {
	return Payload{Type: TypeError, Error: strings.TrimSpace(reason)}
}

// MarshalCanonical renders the payload as deterministic JSON (sorted
// keys via encoding/json struct ordering, no indentation). Used for
// step signatures and golden traces.
func (p Payload) MarshalCanonical() ([]byte, error) {
	return json.Marshal(p)
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

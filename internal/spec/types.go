package spec

// Canonical intents.
const (
	IntentRead          = "READ"
	IntentTransformLast = "TRANSFORM_LAST"
	IntentTutor         = "TUTOR"
	IntentWriteDraft    = "WRITE_DRAFT"
	IntentWriteConfirm  = "WRITE_CONFIRM"
	IntentExport        = "EXPORT"
)

// Canonical task classes.
const (
	ClassAnalyticalRead    = "analytical_read"
	ClassListLatestRecords = "list_latest_records"
	ClassDetailProjection  = "detail_projection"
	ClassTransformFollowup = "transform_followup"
)

// TimeScope bounds a request in time.
type TimeScope struct {
	// Mode is one of as_of, range, relative, none.
	Mode string `json:"mode"`

	// Value is the mode-specific expression ("2025-06-30",
	// "last month", "2025-01-01..2025-06-30").
	Value string `json:"value"`
}

// Empty reports whether the scope carries no time constraint.
func (t TimeScope) Empty() bool {
	return (t.Mode == "" || t.Mode == "none") && t.Value == ""
}

// OutputContract states the shape the answer must take.
type OutputContract struct {
	// Mode is one of kpi, top_n, detail.
	Mode string `json:"mode"`

	// MinimalColumns are columns the answer must include (capped).
	MinimalColumns []string `json:"minimal_columns"`

	// IncludeDownload requests an export artifact alongside the table.
	IncludeDownload bool `json:"include_download,omitempty"`
}

// BusinessSpec is the normalized business request. Constructed once
// per turn; read-only downstream.
type BusinessSpec struct {
	Intent      string         `json:"intent"`
	TaskType    string         `json:"task_type"`
	TaskClass   string         `json:"task_class"`
	Domain      string         `json:"domain"`
	Subject     string         `json:"subject"`
	Metric      string         `json:"metric"`
	Dimensions  []string       `json:"dimensions"`
	Aggregation string         `json:"aggregation"`
	GroupBy     []string       `json:"group_by"`
	TimeScope   TimeScope      `json:"time_scope"`
	Filters     map[string]any `json:"filters"`
	TopN        int            `json:"top_n"`
	Output      OutputContract `json:"output_contract"`

	// Ambiguities are tagged hint strings (transform_sort:desc, ...).
	Ambiguities []string `json:"ambiguities"`

	NeedsClarification    bool    `json:"needs_clarification"`
	ClarificationQuestion string  `json:"clarification_question"`
	Confidence            float64 `json:"confidence"`
}

// Defaults returns the schema-default spec.
func Defaults() BusinessSpec {
	return BusinessSpec{
		Intent:      IntentRead,
		TaskType:    "detail",
		TaskClass:   ClassAnalyticalRead,
		Domain:      "unknown",
		Dimensions:  []string{},
		Aggregation: "none",
		GroupBy:     []string{},
		TimeScope:   TimeScope{Mode: "none"},
		Filters:     map[string]any{},
		Output:      OutputContract{Mode: "detail", MinimalColumns: []string{}},
		Ambiguities: []string{},
	}
}

// Clone returns a deep copy. The pipeline copies before any stage that
// wants to adjust a spec.
func (s BusinessSpec) Clone() BusinessSpec {
	out := s
	out.Dimensions = append([]string(nil), s.Dimensions...)
	out.GroupBy = append([]string(nil), s.GroupBy...)
	out.Ambiguities = append([]string(nil), s.Ambiguities...)
	out.Output.MinimalColumns = append([]string(nil), s.Output.MinimalColumns...)
	out.Filters = make(map[string]any, len(s.Filters))
	for k, v := range s.Filters {
		out.Filters[k] = v
	}
	return out
}

// SignalStrength counts how many structural signals the spec carries.
// Context anchoring and transform promotion treat a low score as "this
// turn is underspecified".
func (s BusinessSpec) SignalStrength() int {
	score := 0
	if s.Subject != "" {
		score++
	}
	if s.Metric != "" {
		score++
	}
	if len(s.GroupBy) > 0 {
		score++
	}
	if len(s.Filters) > 0 {
		score++
	}
	if s.TimeScope.Mode != "" && s.TimeScope.Mode != "none" {
		score++
	}
	if s.TimeScope.Value != "" {
		score++
	}
	if s.TopN > 0 {
		score++
	}
	return score
}

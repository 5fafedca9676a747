package topic

import (
	"strings"

	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/spec"
)

// StateVersion tags persisted topic state for forward migration.
const StateVersion = "topic_state_v1"

// Topic is the subject of conversation as of the last completed turn.
type Topic struct {
	TopicKey   string         `json:"topic_key"`
	Domain     string         `json:"domain"`
	Subject    string         `json:"subject"`
	Metric     string         `json:"metric"`
	TaskClass  string         `json:"task_class"`
	GroupBy    []string       `json:"group_by"`
	TopN       int            `json:"top_n"`
	ReportName string         `json:"report_name"`
	Filters    map[string]any `json:"filters"`
	TimeScope  spec.TimeScope `json:"time_scope"`
}

// Empty reports whether no topic has been recorded.
func (t Topic) Empty() bool {
	return t.TopicKey == "" && t.Subject == "" && t.Metric == "" && t.ReportName == ""
}

// ResultRef identifies the last result the user saw.
type ResultRef struct {
	ResultID   string         `json:"result_id"`
	ReportName string         `json:"report_name"`
	DocumentID string         `json:"document_id"`
	GroupBy    []string       `json:"group_by"`
	TopN       int            `json:"top_n"`
	Filters    map[string]any `json:"filters"`
	TimeScope  spec.TimeScope `json:"time_scope"`
	ScaledUnit string         `json:"scaled_unit"`
	OutputMode string         `json:"output_mode"`
}

// UnresolvedBlocker records a clarification that ended the last turn.
type UnresolvedBlocker struct {
	Present  bool   `json:"present"`
	Reason   string `json:"reason"`
	Question string `json:"question"`
}

// TurnMeta summarizes how the last turn used context.
type TurnMeta struct {
	TopicSwitched  bool     `json:"topic_switched"`
	AnchorsApplied []string `json:"anchors_applied"`
	MessagePreview string   `json:"message_preview"`
}

// State is the persisted cross-turn conversational state.
type State struct {
	ActiveTopic      Topic             `json:"active_topic"`
	ActiveResult     ResultRef         `json:"active_result"`
	Unresolved       UnresolvedBlocker `json:"unresolved_blocker"`
	Turn             TurnMeta          `json:"turn_meta"`
	PreviousTopicKey string            `json:"previous_topic_key"`
	Version          string            `json:"version"`
}

// ClarificationOutcome is the slice of a turn's clarification decision
// the topic state needs to remember.
type ClarificationOutcome struct {
	ShouldClarify bool
	Reason        string
	Question      string
}

// BuildState derives the next persisted state from a finished turn.
func BuildState(prev State, sp spec.BusinessSpec, selectedReport string, out payload.Payload, clar ClarificationOutcome, meta AnchorMeta, message string) State {
	reportName := strings.TrimSpace(selectedReport)
	if reportName == "" {
		reportName = strings.TrimSpace(out.ReportName)
	}

	kept := make(map[string]any)
	for k, v := range sp.Filters {
		if !emptyValue(v) {
			kept[k] = v
		}
	}

	topicKey := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(sp.Subject)),
		strings.ToLower(strings.TrimSpace(sp.Metric)),
		strings.ToLower(reportName),
	}, "|")

	docID := documentIDFromFilters(sp.Filters)
	if docID == "" {
		docID = documentIDFromPayload(out)
	}

	topicDomain := strings.ToLower(strings.TrimSpace(sp.Subject))
	if topicDomain == "" {
		topicDomain = strings.ToLower(reportName)
	}
	if len(topicDomain) > 64 {
		topicDomain = topicDomain[:64]
	}

	resultID := docID
	if resultID == "" {
		resultID = reportName
	}
	if resultID == "" {
		resultID = topicKey
	}

	outputMode := strings.ToLower(strings.TrimSpace(out.OutputMode))
	if outputMode == "" {
		outputMode = strings.ToLower(strings.TrimSpace(sp.Output.Mode))
	}

	groupBy := capList(sp.GroupBy, 10)
	preview := strings.TrimSpace(message)
	if len(preview) > 180 {
		preview = preview[:180]
	}

	return State{
		ActiveTopic: Topic{
			TopicKey:   topicKey,
			Domain:     topicDomain,
			Subject:    strings.TrimSpace(sp.Subject),
			Metric:     strings.TrimSpace(sp.Metric),
			TaskClass:  strings.ToLower(strings.TrimSpace(sp.TaskClass)),
			GroupBy:    groupBy,
			TopN:       sp.TopN,
			ReportName: reportName,
			Filters:    kept,
			TimeScope:  sp.TimeScope,
		},
		ActiveResult: ResultRef{
			ResultID:   resultID,
			ReportName: reportName,
			DocumentID: docID,
			GroupBy:    groupBy,
			TopN:       sp.TopN,
			Filters:    kept,
			TimeScope:  sp.TimeScope,
			ScaledUnit: strings.ToLower(strings.TrimSpace(out.ScaledUnit)),
			OutputMode: outputMode,
		},
		Unresolved: UnresolvedBlocker{
			Present:  clar.ShouldClarify,
			Reason:   clar.Reason,
			Question: clar.Question,
		},
		Turn: TurnMeta{
			TopicSwitched:  meta.TopicSwitched,
			AnchorsApplied: meta.AnchorsApplied,
			MessagePreview: preview,
		},
		PreviousTopicKey: prev.ActiveTopic.TopicKey,
		Version:          StateVersion,
	}
}

// docFilterKeys are the filter keys a formal document id may arrive
// under.
var docFilterKeys = map[string]struct{}{
	"invoice":          {},
	"sales_invoice":    {},
	"purchase_invoice": {},
	"voucher_no":       {},
	"document_id":      {},
	"reference_name":   {},
	"name":             {},
}

func documentIDFromFilters(filters map[string]any) string {
	for k, v := range filters {
		if _, ok := docFilterKeys[strings.ToLower(strings.TrimSpace(k))]; !ok {
			continue
		}
		s := strings.TrimSpace(payload.CellString(v))
		if s != "" && payload.DocIDPattern.MatchString(s) {
			return s
		}
	}
	return ""
}

// documentIDFromPayload returns the single document id a table refers
// to, or empty when the table mentions zero or several.
func documentIDFromPayload(out payload.Payload) string {
	if out.Type != payload.TypeReportTable || out.Table == nil || len(out.Table.Rows) == 0 {
		return ""
	}
	rows := out.Table.Rows
	if len(rows) > 30 {
		rows = rows[:30]
	}
	seen := make(map[string]struct{})
	for _, r := range rows {
		for _, v := range r {
			s := strings.TrimSpace(payload.CellString(v))
			if s != "" && payload.DocIDPattern.MatchString(s) {
				seen[s] = struct{}{}
			}
		}
	}
	if len(seen) != 1 {
		return ""
	}
	for s := range seen {
		return s
	}
	return ""
}

func emptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}

func capList(in []string, limit int) []string {
	out := make([]string, 0, limit)
	for _, s := range in {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

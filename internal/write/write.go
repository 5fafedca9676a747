// Package write is the isolated draft-confirm-execute state machine
// for mutating actions. Nothing executes without an explicit confirm,
// an explicit cancel clears the draft, and any other decision
// re-emits the draft unchanged. Executed idempotency keys live in an
// injectable store so duplicate confirmations are blocked rather than
// replayed.
package write

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/tally/internal/payload"
)

// Write result statuses.
const (
	StatusSuccess          = "success"
	StatusDuplicateBlocked = "duplicate_blocked"
	StatusError            = "error"
)

const (
	maxSummaryLen = 280
	maxErrorLen   = 220
)

var confirmWords = []string{"confirm", "yes", "proceed", "approve", "execute", "do it", "ok", "okay"}

var cancelWords = []string{"cancel", "no", "stop", "abort", "discard"}

// IsExplicitConfirm reports whether a decision message clearly asks
// to go ahead.
func IsExplicitConfirm(decision string) bool {
	return containsAnyWord(decision, confirmWords)
}

// IsExplicitCancel reports whether a decision message clearly asks to
// abandon the draft.
func IsExplicitCancel(decision string) bool {
	return containsAnyWord(decision, cancelWords)
}

func containsAnyWord(decision string, words []string) bool {
	s := strings.ToLower(strings.TrimSpace(decision))
	if s == "" {
		return false
	}
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// Draft is a staged write action awaiting confirmation.
type Draft struct {
	Doctype        string         `json:"doctype"`
	Operation      string         `json:"operation"`
	Payload        map[string]any `json:"payload"`
	Summary        string         `json:"summary"`
	RequestedBy    string         `json:"requested_by"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// Empty reports whether the draft carries nothing executable.
func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Doctype) == "" &&
		strings.TrimSpace(d.Operation) == "" &&
		strings.TrimSpace(d.IdempotencyKey) == "" &&
		len(d.Payload) == 0
}

// AsMap renders the draft in the shape pending state carries.
func (d Draft) AsMap() map[string]any {
	return map[string]any{
		"doctype":         d.Doctype,
		"operation":       d.Operation,
		"payload":         d.Payload,
		"summary":         d.Summary,
		"requested_by":    d.RequestedBy,
		"idempotency_key": d.IdempotencyKey,
	}
}

// DraftFromMap rebuilds a draft from a stored pending-state map.
func DraftFromMap(m map[string]any) Draft {
	d := Draft{
		Doctype:        stringField(m, "doctype"),
		Operation:      stringField(m, "operation"),
		Summary:        stringField(m, "summary"),
		RequestedBy:    stringField(m, "requested_by"),
		IdempotencyKey: stringField(m, "idempotency_key"),
	}
	if body, ok := m["payload"].(map[string]any); ok {
		d.Payload = body
	}
	return d
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// KeyStore tracks executed idempotency keys. Implementations must be
// safe for concurrent use and clearable for tests.
type KeyStore interface {
	Seen(key string) bool
	Record(key string)
	Clear()
}

// MemoryKeyStore is the in-process KeyStore.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryKeyStore returns an empty in-process key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]struct{})}
}

func (s *MemoryKeyStore) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

func (s *MemoryKeyStore) Record(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = struct{}{}
}

func (s *MemoryKeyStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string]struct{})
}

// Executor performs the confirmed write. The returned result is
// surfaced verbatim on success; an error leaves the draft pending.
type Executor func(Draft) (payload.WriteResult, error)

func simulatedExecutor(d Draft) (payload.WriteResult, error) {
	return payload.WriteResult{
		Status:         StatusSuccess,
		Doctype:        d.Doctype,
		Operation:      d.Operation,
		IdempotencyKey: d.IdempotencyKey,
	}, nil
}

// Engine runs the write state machine.
type Engine struct {
	keys KeyStore
	exec Executor
}

// NewEngine returns a write engine. A nil store gets a fresh
// in-process one; a nil executor gets the simulated executor.
func NewEngine(keys KeyStore, exec Executor) *Engine {
	if keys == nil {
		keys = NewMemoryKeyStore()
	}
	if exec == nil {
		exec = simulatedExecutor
	}
	return &Engine{keys: keys, exec: exec}
}

// Keys exposes the executed-key store, mainly for test resets.
func (e *Engine) Keys() KeyStore { return e.keys }

// CreateDraft stages a write and returns the pending confirmation
// payload. A missing idempotency key gets a fresh one.
func (e *Engine) CreateDraft(doctype, operation string, body map[string]any, user, summary, idempotencyKey string) payload.Payload {
	d := Draft{
		Doctype:        strings.TrimSpace(doctype),
		Operation:      strings.ToLower(strings.TrimSpace(operation)),
		Payload:        body,
		Summary:        truncate(strings.TrimSpace(summary), maxSummaryLen),
		RequestedBy:    strings.TrimSpace(user),
		IdempotencyKey: strings.TrimSpace(idempotencyKey),
	}
	if d.IdempotencyKey == "" {
		d.IdempotencyKey = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	out := payload.TextPayload(fmt.Sprintf("Draft ready: %s %s. Confirm to execute or cancel.", d.Operation, d.Doctype))
	out.Pending = &payload.PendingState{Mode: "write_confirmation", Draft: d.AsMap()}
	return out
}

// Execute resolves a pending draft against the user's decision.
func (e *Engine) Execute(d Draft, decision string) payload.Payload {
	if d.Empty() {
		out := payload.TextPayload("No pending write draft found.")
		out.ClearPendingState = true
		return out
	}

	if IsExplicitCancel(decision) {
		out := payload.TextPayload("Write action cancelled.")
		out.ClearPendingState = true
		return out
	}

	if !IsExplicitConfirm(decision) {
		out := payload.TextPayload("Write draft is pending. Please confirm or cancel.")
		out.Pending = &payload.PendingState{Mode: "write_confirmation", Draft: d.AsMap()}
		return out
	}

	idem := strings.TrimSpace(d.IdempotencyKey)
	if idem != "" && e.keys.Seen(idem) {
		out := payload.TextPayload("This write action was already executed (idempotency guard).")
		out.ClearPendingState = true
		out.WriteResult = &payload.WriteResult{Status: StatusDuplicateBlocked, IdempotencyKey: idem}
		return out
	}

	result, err := e.exec(d)
	if err != nil {
		out := payload.TextPayload("Write execution failed safely. Draft remains pending.")
		out.Pending = &payload.PendingState{Mode: "write_confirmation", Draft: d.AsMap()}
		out.WriteResult = &payload.WriteResult{Status: StatusError, Error: truncate(err.Error(), maxErrorLen)}
		return out
	}

	if idem != "" {
		e.keys.Record(idem)
	}
	if strings.TrimSpace(result.Status) == "" {
		result.Status = StatusSuccess
	}
	out := payload.TextPayload("Write action executed successfully.")
	out.ClearPendingState = true
	out.WriteResult = &result
	return out
}

// ToolMessage renders a compact trace line for a write turn.
func ToolMessage(tool, decision string, p payload.Payload) string {
	b, err := json.Marshal(map[string]any{
		"type":             "write_engine",
		"tool":             strings.TrimSpace(tool),
		"decision":         strings.ToLower(strings.TrimSpace(decision)),
		"cleared_pending":  p.ClearPendingState,
		"has_pending":      p.Pending != nil,
		"has_write_result": p.WriteResult != nil,
	})
	if err != nil {
		return `{"type":"write_engine"}`
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

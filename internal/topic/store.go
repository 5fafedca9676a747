package topic

import (
	"context"
	"strings"
	"sync"

	"github.com/roach88/tally/internal/payload"
)

// AuditEntry is one persisted tool/audit message for a session.
// Ordering uses Seq (a per-session logical clock), never timestamps.
type AuditEntry struct {
	Seq     int    `json:"seq"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// Store persists cross-turn session state: the topic State, prior
// result payloads, write idempotency keys, and the audit trail of
// tool messages. The sqlite and memory implementations satisfy the
// same contract; the pipeline only sees this interface.
type Store interface {
	// SaveState replaces the persisted topic state for a session.
	SaveState(ctx context.Context, sessionID string, st State) error
	// LoadState returns the persisted state and whether one exists.
	LoadState(ctx context.Context, sessionID string) (State, bool, error)

	// SaveResult appends a result payload to the session history.
	SaveResult(ctx context.Context, sessionID string, p payload.Payload) error
	// LastResult returns the payload a follow-up transform should
	// operate on: the most recent result whose report matches the
	// active topic's result reference, falling back to the most
	// recent result of any report. Returns nil when the session has
	// no usable table result.
	LastResult(ctx context.Context, sessionID string) (*payload.Payload, error)

	// AppendAudit records a tool message under the session's audit trail.
	AppendAudit(ctx context.Context, sessionID, kind, content string) error
	// Audit returns the session's audit trail in seq order.
	Audit(ctx context.Context, sessionID string) ([]AuditEntry, error)

	// SeenWriteKey reports whether an idempotency key was recorded.
	SeenWriteKey(ctx context.Context, sessionID, key string) (bool, error)
	// RecordWriteKey marks an idempotency key as executed. Recording
	// the same key twice is a no-op.
	RecordWriteKey(ctx context.Context, sessionID, key string) error
	// ClearWriteKeys drops all recorded keys for a session.
	ClearWriteKeys(ctx context.Context, sessionID string) error

	Close() error
}

// selectLastResult picks the follow-up payload from a session's result
// history (oldest first). The active topic's result reference wins when
// a matching report exists; its remembered scaled unit and output mode
// backfill the payload when the stored copy lacks them.
func selectLastResult(results []payload.Payload, st State) *payload.Payload {
	pick := func(reportName string) *payload.Payload {
		for i := len(results) - 1; i >= 0; i-- {
			p := results[i]
			if !p.HasRows() {
				continue
			}
			if reportName != "" && !strings.EqualFold(strings.TrimSpace(p.ReportName), reportName) {
				continue
			}
			out := p.Clone()
			return &out
		}
		return nil
	}

	activeReport := strings.TrimSpace(st.ActiveResult.ReportName)
	out := pick(activeReport)
	if out == nil {
		out = pick("")
	}
	if out == nil {
		return nil
	}
	return applyActiveResultMeta(out, st.ActiveResult)
}

// applyActiveResultMeta backfills scaled unit and output mode from the
// active result reference when the stored payload lacks them and the
// report matches (or the reference carries no report at all).
func applyActiveResultMeta(p *payload.Payload, ref ResultRef) *payload.Payload {
	metaReport := strings.ToLower(strings.TrimSpace(ref.ReportName))
	payloadReport := strings.ToLower(strings.TrimSpace(p.ReportName))
	if metaReport != "" && (payloadReport == "" || payloadReport != metaReport) {
		return p
	}
	if p.ScaledUnit == "" {
		p.ScaledUnit = strings.ToLower(strings.TrimSpace(ref.ScaledUnit))
	}
	if p.OutputMode == "" {
		p.OutputMode = strings.ToLower(strings.TrimSpace(ref.OutputMode))
	}
	return p
}

// MemoryStore is the in-process Store used in tests and single-shot
// CLI runs. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	states   map[string]State
	results  map[string][]payload.Payload
	audits   map[string][]AuditEntry
	keys     map[string]map[string]struct{}
	auditSeq map[string]int
}

// NewMemoryStore returns an empty in-process session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:   make(map[string]State),
		results:  make(map[string][]payload.Payload),
		audits:   make(map[string][]AuditEntry),
		keys:     make(map[string]map[string]struct{}),
		auditSeq: make(map[string]int),
	}
}

func (m *MemoryStore) SaveState(_ context.Context, sessionID string, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[sessionID] = st
	return nil
}

func (m *MemoryStore) LoadState(_ context.Context, sessionID string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sessionID]
	return st, ok, nil
}

func (m *MemoryStore) SaveResult(_ context.Context, sessionID string, p payload.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[sessionID] = append(m.results[sessionID], p.Clone())
	return nil
}

func (m *MemoryStore) LastResult(_ context.Context, sessionID string) (*payload.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return selectLastResult(m.results[sessionID], m.states[sessionID]), nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, sessionID, kind, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSeq[sessionID]++
	m.audits[sessionID] = append(m.audits[sessionID], AuditEntry{
		Seq:     m.auditSeq[sessionID],
		Kind:    kind,
		Content: content,
	})
	return nil
}

func (m *MemoryStore) Audit(_ context.Context, sessionID string) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, len(m.audits[sessionID]))
	copy(out, m.audits[sessionID])
	return out, nil
}

func (m *MemoryStore) SeenWriteKey(_ context.Context, sessionID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[sessionID][key]
	return ok, nil
}

func (m *MemoryStore) RecordWriteKey(_ context.Context, sessionID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[sessionID] == nil {
		m.keys[sessionID] = make(map[string]struct{})
	}
	m.keys[sessionID][key] = struct{}{}
	return nil
}

func (m *MemoryStore) ClearWriteKeys(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, sessionID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// SessionWriteKeys binds a Store's idempotency key tables to one
// session, satisfying the write engine's key store contract. Storage
// errors degrade to "not seen" so a flaky disk cannot wedge a
// confirmation; the write engine re-checks keys before executing.
type SessionWriteKeys struct {
	store     Store
	sessionID string
}

// NewSessionWriteKeys returns a key store scoped to one session.
func NewSessionWriteKeys(store Store, sessionID string) *SessionWriteKeys {
	return &SessionWriteKeys{store: store, sessionID: sessionID}
}

func (s *SessionWriteKeys) Seen(key string) bool {
	seen, err := s.store.SeenWriteKey(context.Background(), s.sessionID, key)
	if err != nil {
		return false
	}
	return seen
}

func (s *SessionWriteKeys) Record(key string) {
	_ = s.store.RecordWriteKey(context.Background(), s.sessionID, key)
}

func (s *SessionWriteKeys) Clear() {
	_ = s.store.ClearWriteKeys(context.Background(), s.sessionID)
}

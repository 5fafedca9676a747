package testutil

import (
	"fmt"
	"sync"
)

// SessionIDs hands out deterministic session identifiers so harness
// scenarios and golden comparisons see the same ids on every run.
//
// Thread-safety: safe for concurrent use.
type SessionIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewSessionIDs returns a generator with the given prefix. An empty
// prefix defaults to "test-session".
func NewSessionIDs(prefix string) *SessionIDs {
	if prefix == "" {
		prefix = "test-session"
	}
	return &SessionIDs{prefix: prefix}
}

// Next returns the next identifier: "<prefix>-0001", "<prefix>-0002"...
func (s *SessionIDs) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s-%04d", s.prefix, s.next)
}

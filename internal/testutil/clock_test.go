package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepClockAdvancesByStep(t *testing.T) {
	start := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	clock := NewStepClock(start, time.Minute)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start.Add(time.Minute), clock.Now())
	assert.Equal(t, start.Add(2*time.Minute), clock.Now())
	assert.Equal(t, 3, clock.Calls())
}

func TestStepClockZeroStepFreezes(t *testing.T) {
	start := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	clock := NewStepClock(start, 0)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start, clock.Now())
}

func TestStepClockReset(t *testing.T) {
	start := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	clock := NewStepClock(start, time.Hour)

	clock.Now()
	clock.Now()
	clock.Reset()

	assert.Equal(t, 0, clock.Calls())
	assert.Equal(t, start, clock.Now())
}

func TestStepClockConcurrentCallsStayUnique(t *testing.T) {
	start := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	clock := NewStepClock(start, time.Second)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	seen := make(chan time.Time, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			seen <- clock.Now()
		}()
	}
	wg.Wait()
	close(seen)

	uniq := map[time.Time]struct{}{}
	for ts := range seen {
		uniq[ts] = struct{}{}
	}
	assert.Len(t, uniq, n)
}

func TestSessionIDsSequence(t *testing.T) {
	ids := NewSessionIDs("scenario")
	assert.Equal(t, "scenario-0001", ids.Next())
	assert.Equal(t, "scenario-0002", ids.Next())
}

func TestSessionIDsDefaultPrefix(t *testing.T) {
	ids := NewSessionIDs("")
	assert.Equal(t, "test-session-0001", ids.Next())
}

package write

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/payload"
)

func todoDraft() Draft {
	return Draft{
		Doctype:        "ToDo",
		Operation:      "create",
		Payload:        map[string]any{"description": "Follow up with Alpha Traders"},
		Summary:        "Create a ToDo",
		RequestedBy:    "analyst@example.com",
		IdempotencyKey: "idem-123",
	}
}

func TestDecisionWords(t *testing.T) {
	for _, s := range []string{"confirm", "yes please", "go ahead and do it", "ok"} {
		assert.True(t, IsExplicitConfirm(s), s)
	}
	for _, s := range []string{"cancel", "no", "stop that", "discard it"} {
		assert.True(t, IsExplicitCancel(s), s)
	}
	assert.False(t, IsExplicitConfirm("maybe later"))
	assert.False(t, IsExplicitCancel("maybe later"))
	assert.False(t, IsExplicitConfirm(""))
}

func TestCreateDraft(t *testing.T) {
	e := NewEngine(nil, nil)

	out := e.CreateDraft("ToDo", "Create", map[string]any{"description": "x"}, "analyst", "make a todo", "")
	assert.Equal(t, payload.TypeText, out.Type)
	assert.Equal(t, "Draft ready: create ToDo. Confirm to execute or cancel.", out.Text)
	require.NotNil(t, out.Pending)
	assert.Equal(t, "write_confirmation", out.Pending.Mode)

	d := DraftFromMap(out.Pending.Draft)
	assert.Equal(t, "ToDo", d.Doctype)
	assert.Equal(t, "create", d.Operation)
	assert.NotEmpty(t, d.IdempotencyKey, "missing keys are generated")

	// Provided keys pass through unchanged.
	out = e.CreateDraft("ToDo", "create", nil, "", "", "idem-9")
	assert.Equal(t, "idem-9", DraftFromMap(out.Pending.Draft).IdempotencyKey)
}

func TestExecuteRequiresExplicitConfirm(t *testing.T) {
	executed := 0
	e := NewEngine(nil, func(d Draft) (payload.WriteResult, error) {
		executed++
		return payload.WriteResult{Status: StatusSuccess}, nil
	})

	out := e.Execute(todoDraft(), "hmm, what would this do?")
	assert.Equal(t, "Write draft is pending. Please confirm or cancel.", out.Text)
	require.NotNil(t, out.Pending)
	assert.Equal(t, todoDraft(), DraftFromMap(out.Pending.Draft))
	assert.False(t, out.ClearPendingState)
	assert.Zero(t, executed, "ambiguous decisions never execute")
}

func TestExecuteCancelClearsWithoutExecuting(t *testing.T) {
	executed := 0
	e := NewEngine(nil, func(d Draft) (payload.WriteResult, error) {
		executed++
		return payload.WriteResult{Status: StatusSuccess}, nil
	})

	out := e.Execute(todoDraft(), "cancel")
	assert.Equal(t, "Write action cancelled.", out.Text)
	assert.True(t, out.ClearPendingState)
	assert.Nil(t, out.Pending)
	assert.Zero(t, executed)
}

func TestExecuteConfirmAndIdempotency(t *testing.T) {
	e := NewEngine(nil, nil)

	out := e.Execute(todoDraft(), "yes, confirm")
	assert.Equal(t, "Write action executed successfully.", out.Text)
	assert.True(t, out.ClearPendingState)
	require.NotNil(t, out.WriteResult)
	assert.Equal(t, StatusSuccess, out.WriteResult.Status)
	assert.Equal(t, "idem-123", out.WriteResult.IdempotencyKey)

	// A replayed confirmation with the same key is blocked.
	out = e.Execute(todoDraft(), "confirm")
	assert.Equal(t, "This write action was already executed (idempotency guard).", out.Text)
	require.NotNil(t, out.WriteResult)
	assert.Equal(t, StatusDuplicateBlocked, out.WriteResult.Status)
	assert.True(t, out.ClearPendingState)

	// Clearing the store re-arms the key.
	e.Keys().Clear()
	out = e.Execute(todoDraft(), "confirm")
	assert.Equal(t, StatusSuccess, out.WriteResult.Status)
}

func TestExecuteFailureKeepsDraftPending(t *testing.T) {
	e := NewEngine(nil, func(d Draft) (payload.WriteResult, error) {
		return payload.WriteResult{}, errors.New("backend unavailable")
	})

	out := e.Execute(todoDraft(), "confirm")
	assert.Equal(t, "Write execution failed safely. Draft remains pending.", out.Text)
	require.NotNil(t, out.Pending)
	assert.False(t, out.ClearPendingState)
	require.NotNil(t, out.WriteResult)
	assert.Equal(t, StatusError, out.WriteResult.Status)
	assert.Equal(t, "backend unavailable", out.WriteResult.Error)

	// The key was not recorded, so a later confirm may still succeed.
	assert.False(t, e.Keys().Seen("idem-123"))
}

func TestExecuteEmptyDraft(t *testing.T) {
	e := NewEngine(nil, nil)

	out := e.Execute(Draft{}, "confirm")
	assert.Equal(t, "No pending write draft found.", out.Text)
	assert.True(t, out.ClearPendingState)
	assert.Nil(t, out.WriteResult)
}

func TestToolMessage(t *testing.T) {
	e := NewEngine(nil, nil)
	out := e.Execute(todoDraft(), "confirm")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(ToolMessage("write_flow", "Confirm", out)), &decoded))
	assert.Equal(t, "write_engine", decoded["type"])
	assert.Equal(t, "confirm", decoded["decision"])
	assert.Equal(t, true, decoded["cleared_pending"])
	assert.Equal(t, false, decoded["has_pending"])
	assert.Equal(t, true, decoded["has_write_result"])
}

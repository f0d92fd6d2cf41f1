package wsync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notepadOwner struct {
	Title string
	Notes []string
}

type renameArgs struct {
	Title string `json:"title"`
}

func pushEnvelope(t *testing.T, ft *fakeTransport, eventType string, data any) {
	t.Helper()
	env, err := EncodeEnvelope(eventType, data)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	ft.pushText(string(raw))
}

func runUntilDrained(t *testing.T, session *Session, ft *fakeTransport) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- session.Run(session.Context()) }()
	ft.stop()
	<-done
}

// TestAction_Serialization is the action-serialization invariant: two
// actions submitted back to back complete, and their effects are observed,
// strictly in arrival order.
func TestAction_Serialization(t *testing.T) {
	session := NewSession()
	ft := newFakeTransport()
	require.NoError(t, session.Attach(ft))
	defer session.Close()

	owner := &notepadOwner{Title: "N", Notes: []string{}}
	unit, err := SyncAll(session.Context(), "NOTES", owner)
	require.NoError(t, err)

	require.NoError(t, Action(unit, "RENAME", func(ctx context.Context, arg renameArgs) error {
		owner.Title = arg.Title
		return unit.Sync(ctx)
	}))

	ft.drain()

	pushEnvelope(t, ft, "NOTES:ACTION:RENAME", renameArgs{Title: "A"})
	pushEnvelope(t, ft, "NOTES:ACTION:RENAME", renameArgs{Title: "B"})

	runUntilDrained(t, session, ft)

	envs := ft.envelopes(t)
	require.Len(t, envs, 2)
	for _, env := range envs {
		assert.Equal(t, "NOTES:PATCH", env.Type)
	}

	var firstOps, secondOps []map[string]any
	require.NoError(t, json.Unmarshal(envs[0].Data, &firstOps))
	require.NoError(t, json.Unmarshal(envs[1].Data, &secondOps))
	assert.Equal(t, "A", firstOps[0]["value"])
	assert.Equal(t, "B", secondOps[0]["value"])
	assert.Equal(t, "B", owner.Title)
}

// TestAction_ValidationFailureLeavesOwnerUntouched is the
// validation-enforcement invariant: an ill-typed argument yields an ERROR
// envelope, owner state is untouched, and no PATCH is emitted.
func TestAction_ValidationFailureLeavesOwnerUntouched(t *testing.T) {
	session := NewSession()
	ft := newFakeTransport()
	require.NoError(t, session.Attach(ft))
	defer session.Close()

	owner := &notepadOwner{Title: "N", Notes: []string{}}
	unit, err := SyncAll(session.Context(), "NOTES", owner)
	require.NoError(t, err)

	require.NoError(t, Action(unit, "RENAME", func(ctx context.Context, arg renameArgs) error {
		owner.Title = arg.Title
		return unit.Sync(ctx)
	}))

	ft.drain()

	pushEnvelope(t, ft, "NOTES:ACTION:RENAME", json.RawMessage(`{"title":123}`))

	runUntilDrained(t, session, ft)

	envs := ft.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, "NOTES:ERROR:RENAME", envs[0].Type)
	assert.Equal(t, "N", owner.Title)
}

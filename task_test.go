package wsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type incArgs struct {
	By int `json:"by"`
}

// TestTask_CancelProducesCancelledOutcome: TASK_CANCEL on a running task
// ends it with outcome "cancelled" and frees the running-tasks slot.
func TestTask_CancelProducesCancelledOutcome(t *testing.T) {
	session := NewSession()
	ft := newFakeTransport()
	require.NoError(t, session.Attach(ft))
	defer session.Close()

	owner := &struct{ Value int }{}
	unit, err := SyncAll(session.Context(), "COUNTER", owner)
	require.NoError(t, err)

	started := make(chan struct{})
	proceed := make(chan struct{})

	require.NoError(t, Task(unit, "INC", func(_ context.Context, arg incArgs) TaskBody {
		return func(ctx context.Context, sync func() error) (any, error) {
			close(started)
			for i := 0; i < arg.By; i++ {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-proceed:
				}
				owner.Value++
				if err := sync(); err != nil {
					return nil, err
				}
			}
			return owner.Value, nil
		}
	}))

	ft.drain()
	pushEnvelope(t, ft, "COUNTER:TASK_START:INC", incArgs{By: 1000000})

	runDone := make(chan error, 1)
	go func() { runDone <- session.Run(session.Context()) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	_, running := session.lookupTask(taskKey{unitKey: "COUNTER", taskName: "INC"})
	assert.True(t, running)

	pushEnvelope(t, ft, "COUNTER:TASK_CANCEL:INC", nil)

	require.Eventually(t, func() bool {
		for _, env := range ft.envelopes(t) {
			if env.Type == "COUNTER:TASK_DONE:INC" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	_, stillRunning := session.lookupTask(taskKey{unitKey: "COUNTER", taskName: "INC"})
	assert.False(t, stillRunning)

	var outcome taskOutcome
	for _, env := range ft.envelopes(t) {
		if env.Type == "COUNTER:TASK_DONE:INC" {
			require.NoError(t, json.Unmarshal(env.Data, &outcome))
		}
	}
	assert.Equal(t, "cancelled", outcome.Status)

	ft.stop()
	<-runDone
}

// TestTask_DuplicateStartRejected: starting a task under a name already
// running is rejected rather than spawning a second execution.
func TestTask_DuplicateStartRejected(t *testing.T) {
	session := NewSession()
	ft := newFakeTransport()
	require.NoError(t, session.Attach(ft))
	defer session.Close()

	owner := &struct{ Value int }{}
	unit, err := SyncAll(session.Context(), "COUNTER", owner)
	require.NoError(t, err)

	block := make(chan struct{})
	require.NoError(t, Task(unit, "INC", func(_ context.Context, arg incArgs) TaskBody {
		return func(ctx context.Context, sync func() error) (any, error) {
			<-block
			return nil, nil
		}
	}))

	ft.drain()
	pushEnvelope(t, ft, "COUNTER:TASK_START:INC", incArgs{By: 1})
	pushEnvelope(t, ft, "COUNTER:TASK_START:INC", incArgs{By: 1})

	runUntilDrained(t, session, ft)

	// The duplicate start is a non-fatal protocol error: logged and
	// discarded, no envelope reaches the peer. The first task is still
	// blocked here, so its TASK_DONE has not been sent yet.
	envs := ft.envelopes(t)
	assert.Len(t, envs, 0)
	close(block)
}

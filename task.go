package wsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// TaskBody is a running task's body: it receives the task's context
// (cancelled on session close, and on TASK_CANCEL unless a cancel handler
// is bound) and a sync callback that re-projects the owning unit and emits
// the resulting SET or PATCH. It returns a JSON-safe result, or an error.
type TaskBody func(ctx context.Context, sync func() error) (any, error)

// TaskOption configures one Task registration.
type TaskOption func(*taskConfig)

type taskConfig struct {
	blocking bool
	onCancel func()
}

// TaskBlocking offloads task *start* (argument coercion and spawn) onto the
// worker pool. The task body itself always runs on its own goroutine
// regardless of this option.
func TaskBlocking() TaskOption {
	return func(c *taskConfig) { c.blocking = true }
}

// WithCancelHandler binds a user cancel callback invoked on TASK_CANCEL
// instead of the default behavior of cancelling the task's context. The
// callback typically sets a flag the task body observes cooperatively.
func WithCancelHandler(fn func()) TaskOption {
	return func(c *taskConfig) { c.onCancel = fn }
}

type taskState int32

const (
	taskIdle taskState = iota
	taskRunning
	taskCancelling
	taskDone
)

// taskHandle tracks one running task's cancellation state machine
// (idle -> running -> cancelling -> done).
type taskHandle struct {
	mu       sync.Mutex
	state    taskState
	cancel   context.CancelFunc
	onCancel func()
}

func (h *taskHandle) requestCancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != taskRunning {
		return
	}
	h.state = taskCancelling
	if h.onCancel != nil {
		h.onCancel()
		return
	}
	h.cancel()
}

func (h *taskHandle) markDone() {
	h.mu.Lock()
	h.state = taskDone
	h.mu.Unlock()
}

// taskOutcome is the JSON payload of a {K}:TASK_DONE:{NAME} envelope.
type taskOutcome struct {
	Status string `json:"status"` // completed, errored, or cancelled
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Task registers factory as the handler for {K}:TASK_START:{name} on u. T is
// the argument bag, coerced and validated the same way as Action's. Each
// start spawns the returned TaskBody on its own goroutine; starting a task
// while one of the same name is already running on this unit is rejected.
func Task[T any](u *Unit, name string, factory func(ctx context.Context, arg T) TaskBody, opts ...TaskOption) error {
	cfg := &taskConfig{}
	for _, o := range opts {
		o(cfg)
	}

	u.mu.Lock()
	u.taskNames = append(u.taskNames, name)
	u.mu.Unlock()

	tk := taskKey{unitKey: u.key, taskName: name}

	startHandler := func(ctx context.Context, data json.RawMessage) error {
		var arg T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &arg); err != nil {
				return &ValidationError{Key: u.key, Name: name, Cause: err}
			}
		}
		if err := u.validator.Validate(ctx, &arg); err != nil {
			return &ValidationError{Key: u.key, Name: name, Cause: err}
		}

		taskCtx, cancel := context.WithCancel(u.session.ctx)
		h := &taskHandle{state: taskRunning, cancel: cancel, onCancel: cfg.onCancel}
		if !u.session.trackTask(tk, h) {
			cancel()
			return &ProtocolError{Reason: fmt.Sprintf("%s: task %q already running", u.key, name)}
		}

		body := factory(WithSession(taskCtx, u.session), arg)
		go u.runTask(tk, h, taskCtx, body)
		return nil
	}

	cancelHandler := func(ctx context.Context, _ json.RawMessage) error {
		if h, ok := u.session.lookupTask(tk); ok {
			h.requestCancel()
		}
		return nil
	}

	u.session.registerEvent(u.key, taskStartEvent(u.key, name), cfg.blocking, startHandler)
	u.session.registerEvent(u.key, taskCancelEvent(u.key, name), false, cancelHandler)
	return nil
}

// runTask drives one spawned task body to completion, untracks it, and
// emits the TASK_DONE outcome envelope.
func (u *Unit) runTask(tk taskKey, h *taskHandle, ctx context.Context, body TaskBody) {
	syncFn := func() error { return u.Sync(ctx) }

	result, err := body(ctx, syncFn)

	h.markDone()
	u.session.untrackTask(tk)

	outcome := taskOutcome{Status: "completed", Result: result}
	switch {
	case ctx.Err() != nil:
		outcome.Status = "cancelled"
		outcome.Result = nil
		if err != nil {
			outcome.Error = err.Error()
		}
	case err != nil:
		outcome.Status = "errored"
		outcome.Result = nil
		outcome.Error = err.Error()
	}

	_ = u.session.Send(u.session.Context(), taskDoneEvent(tk.unitKey, tk.taskName), outcome)
}

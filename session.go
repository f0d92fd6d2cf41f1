package wsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// handlerEntry binds one registered event type to its unit-owned callback.
type handlerEntry struct {
	key      string // owning unit's registration key, for error envelopes
	fn       func(ctx context.Context, data json.RawMessage) error
	blocking bool // run on the worker pool instead of inline
}

type taskKey struct {
	unitKey  string
	taskName string
}

// Session owns one logical client identity: its collection of sync units,
// the current transport (possibly absent during reconnect), the inbound
// dispatch loop, running task executions, and reconnection state. Units
// survive transport drops; only an explicit Close ends a session.
type Session struct {
	ID     string
	logger *slog.Logger

	unitsMu sync.RWMutex
	units   map[string]*Unit
	order   []string // registration order, for deterministic full-state resync

	handlersMu sync.RWMutex
	handlers   map[string]*handlerEntry

	transportMu sync.Mutex
	transport   Transport
	generation  uint64 // bumped on every Attach; invalidates the previous read loop

	runningTasksMu sync.Mutex
	runningTasks   map[taskKey]*taskHandle

	workerSem chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// SessionOption configures a Session at construction time.
type SessionOption func(*Session)

// WithLogger sets the logger used for dispatch, error, and task-lifecycle
// messages. Defaults to slog.Default().
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithWorkerConcurrency bounds how many blocking (offloaded) handlers may
// run concurrently for this session. Default is 4.
func WithWorkerConcurrency(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.workerSem = make(chan struct{}, n)
		}
	}
}

// NewSession creates a session with no attached transport and no units.
func NewSession(opts ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:           uuid.NewString(),
		logger:       slog.Default(),
		units:        make(map[string]*Unit),
		handlers:     make(map[string]*handlerEntry),
		runningTasks: make(map[taskKey]*taskHandle),
		workerSem:    make(chan struct{}, 4),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Context returns a context carrying this session as the ambient session,
// cancelled when the session is closed. User code invoked from a task body
// should derive further contexts from the one the task is handed, not from
// this method, so that task cancellation is observed.
func (s *Session) Context() context.Context { return WithSession(s.ctx, s) }

// register adds a unit under its registration key. Called by unit builders
// at construction time; fails if the key is malformed or already taken.
func (s *Session) register(u *Unit) error {
	if !ValidKey(u.key) {
		return &ProtocolError{Reason: fmt.Sprintf("invalid registration key %q", u.key)}
	}
	s.unitsMu.Lock()
	defer s.unitsMu.Unlock()
	if _, exists := s.units[u.key]; exists {
		return &ProtocolError{Reason: fmt.Sprintf("registration key %q already in use", u.key)}
	}
	s.units[u.key] = u
	s.order = append(s.order, u.key)
	return nil
}

// Unregister detaches a unit from the session, releasing its events. Safe
// to call even if the unit's events were never dispatched.
func (s *Session) Unregister(u *Unit) {
	s.unitsMu.Lock()
	delete(s.units, u.key)
	for i, k := range s.order {
		if k == u.key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.unitsMu.Unlock()

	s.handlersMu.Lock()
	for _, evt := range u.registeredEvents() {
		delete(s.handlers, evt)
	}
	s.handlersMu.Unlock()
}

func (s *Session) registerEvent(key, eventType string, blocking bool, fn func(ctx context.Context, data json.RawMessage) error) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[eventType] = &handlerEntry{key: key, fn: fn, blocking: blocking}
}

// Attach adopts a new transport. Any previous transport is considered
// released. Every unit's last snapshot is cleared so the next Sync emits a
// full SET, and a full-state SET is sent immediately for every unit in
// registration order. Attach does not mutate any owner object: the only
// observable effect of a reattach is a full resend of current state.
func (s *Session) Attach(t Transport) error {
	s.transportMu.Lock()
	if s.transport != nil {
		_ = s.transport.Close()
	}
	s.transport = t
	s.generation++
	s.transportMu.Unlock()

	s.unitsMu.RLock()
	order := append([]string(nil), s.order...)
	units := make(map[string]*Unit, len(order))
	for _, k := range order {
		units[k] = s.units[k]
	}
	s.unitsMu.RUnlock()

	for _, k := range order {
		u := units[k]
		u.resetSnapshot()
		if err := u.sendFullSet(s.ctx); err != nil {
			s.logger.Warn("wsync: full resync failed", "key", k, "error", err)
		}
	}
	return nil
}

// Send serializes and writes an envelope. If no transport is attached, the
// call is silently dropped; the next Attach's full SET will reflect
// whatever state changed in the meantime. This is how Sync() calls issued
// during a disconnect are absorbed without error.
func (s *Session) Send(ctx context.Context, eventType string, data any) error {
	env, err := EncodeEnvelope(eventType, data)
	if err != nil {
		return err
	}
	s.transportMu.Lock()
	t := s.transport
	s.transportMu.Unlock()
	if t == nil {
		return nil
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wsync: marshal envelope: %w", err)
	}
	if err := t.SendText(ctx, string(raw)); err != nil {
		return &TransportError{Cause: err}
	}
	return nil
}

// SendBinary writes a raw binary frame on the current transport, used
// after a BIN_META envelope for a binary-carrying field. Silently dropped
// if no transport is attached, matching Send's disconnect-absorption rule.
func (s *Session) SendBinary(ctx context.Context, b []byte) error {
	s.transportMu.Lock()
	t := s.transport
	s.transportMu.Unlock()
	if t == nil {
		return nil
	}
	if err := t.SendBytes(ctx, b); err != nil {
		return &TransportError{Cause: err}
	}
	return nil
}

// IsConnected reports whether a transport is currently attached.
func (s *Session) IsConnected() bool {
	s.transportMu.Lock()
	defer s.transportMu.Unlock()
	return s.transport != nil
}

// Run starts the read loop: read one envelope, dispatch it to completion,
// read the next. It returns when the transport closes, errors, ctx is
// cancelled, or the session is closed. Task bodies spawned during dispatch
// are the sole exception to in-order completion.
func (s *Session) Run(ctx context.Context) error {
	s.transportMu.Lock()
	t := s.transport
	myGeneration := s.generation
	s.transportMu.Unlock()
	if t == nil {
		return errors.New("wsync: Run called with no attached transport")
	}

	var armed *pendingBinary // at most one outstanding binary frame is awaited at a time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		var kind FrameKind
		var text string
		var data []byte
		var err error
		if _, framed := t.(Framed); !framed && armed != nil {
			kind = FrameBinary
			data, err = t.ReceiveBytes(ctx)
		} else {
			kind, text, data, err = s.readFrame(ctx, t)
		}
		if err != nil {
			return err
		}

		s.transportMu.Lock()
		stale := s.generation != myGeneration
		s.transportMu.Unlock()
		if stale {
			return nil // superseded by a later Attach
		}

		if kind == FrameBinary {
			if armed == nil {
				s.logger.Warn("wsync: unpaired binary frame")
				_ = t.Close()
				return &ProtocolError{Reason: "unpaired binary frame", Fatal: true}
			}
			armed.unit.deliverBinary(armed.field, data)
			armed = nil
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(text), &env); err != nil {
			s.logger.Warn("wsync: malformed envelope, discarding", "error", err)
			continue
		}

		if armed != nil {
			s.logger.Warn("wsync: text frame arrived while awaiting binary", "type", env.Type)
			_ = t.Close()
			return &ProtocolError{Reason: "text frame arrived while awaiting binary", Fatal: true}
		}

		s.handlersMu.RLock()
		entry, ok := s.handlers[env.Type]
		s.handlersMu.RUnlock()
		if !ok {
			s.logger.Warn("wsync: no handler for event, discarding", "type", env.Type)
			continue
		}

		if err := s.dispatch(ctx, entry, env.Data); err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) && protoErr.Fatal {
				_ = t.Close()
				return err
			}
		}

		if slot := s.armedSlotFor(env.Type); slot != nil {
			armed = slot
		}
	}
}

// armedSlotFor inspects whether the just-dispatched event was a BIN_META
// announcement and, if so, returns the slot the next binary frame must
// land in.
func (s *Session) armedSlotFor(eventType string) *pendingBinary {
	s.unitsMu.RLock()
	defer s.unitsMu.RUnlock()
	for _, u := range s.units {
		if slot := u.takeArmedSlot(eventType); slot != nil {
			return slot
		}
	}
	return nil
}

func (s *Session) readFrame(ctx context.Context, t Transport) (FrameKind, string, []byte, error) {
	if framed, ok := t.(Framed); ok {
		kind, text, data, err := framed.ReceiveFrame(ctx)
		return kind, text, data, err
	}
	text, err := t.ReceiveText(ctx)
	return FrameText, text, nil, err
}

// dispatch invokes the handler for one envelope, recovering from panics and
// converting both panics and returned errors into an ERROR envelope.
// Blocking handlers run on the session's worker pool; the dispatcher still
// awaits completion before returning, preserving per-connection ordering.
func (s *Session) dispatch(ctx context.Context, entry *handlerEntry, data json.RawMessage) (retErr error) {
	run := func() error {
		defer func() {
			if r := recover(); r != nil {
				retErr = &HandlerError{Key: entry.key, Cause: fmt.Errorf("%v", r), Panicked: true}
			}
		}()
		return entry.fn(WithSession(ctx, s), data)
	}

	var err error
	if entry.blocking {
		done := make(chan struct{})
		s.workerSem <- struct{}{}
		go func() {
			defer func() { <-s.workerSem; close(done) }()
			err = run()
		}()
		<-done
	} else {
		err = run()
	}

	if retErr != nil {
		err = retErr
	}
	if err != nil {
		var valErr *ValidationError
		var protoErr *ProtocolError
		switch {
		case errors.As(err, &valErr):
			s.emitError(ctx, valErr.Key, valErr.Name, valErr.Path, valErr)
		case errors.As(err, &protoErr):
			s.logger.Warn("wsync: protocol error", "error", protoErr)
			return protoErr
		default:
			s.logger.Error("wsync: handler error", "key", entry.key, "error", err)
			s.emitError(ctx, entry.key, "", "", err)
		}
	}
	return nil
}

func (s *Session) emitError(ctx context.Context, key, name, path string, cause error) {
	_ = s.Send(ctx, errorEvent(key, name), errorDescriptor{Message: cause.Error(), Path: path})
}

// trackTask records a running task's handle, rejecting a duplicate start
// for the same (key, name) pair.
func (s *Session) trackTask(k taskKey, h *taskHandle) bool {
	s.runningTasksMu.Lock()
	defer s.runningTasksMu.Unlock()
	if _, exists := s.runningTasks[k]; exists {
		return false
	}
	s.runningTasks[k] = h
	return true
}

func (s *Session) untrackTask(k taskKey) {
	s.runningTasksMu.Lock()
	delete(s.runningTasks, k)
	s.runningTasksMu.Unlock()
}

func (s *Session) lookupTask(k taskKey) (*taskHandle, bool) {
	s.runningTasksMu.Lock()
	defer s.runningTasksMu.Unlock()
	h, ok := s.runningTasks[k]
	return h, ok
}

// Close cancels all running tasks, releases the transport, and releases
// all units. A closed session cannot be reattached.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.runningTasksMu.Lock()
		for _, h := range s.runningTasks {
			h.cancel()
		}
		s.runningTasksMu.Unlock()

		s.transportMu.Lock()
		if s.transport != nil {
			err = s.transport.Close()
			s.transport = nil
		}
		s.transportMu.Unlock()

		s.unitsMu.Lock()
		s.units = map[string]*Unit{}
		s.order = nil
		s.unitsMu.Unlock()

		s.cancel()
	})
	return err
}

package wsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Field describes one projected attribute: the owner's struct field and
// the exposed key it is projected under.
type Field struct {
	attrName  string
	attrIndex []int
	Key       string
	validate  string // validator struct-tag rule, "" means untyped passthrough
	isBinary  bool   // true if the underlying Go field is []byte
}

// pendingBinary is an armed binary slot: a BIN_META envelope has been
// received for Field on Unit, and exactly one binary frame is expected
// next.
type pendingBinary struct {
	unit  *Unit
	field string
}

// ProjectorFunc computes a full projection directly from the owner,
// bypassing field-based reflection. Used by Manual units.
type ProjectorFunc func(owner any) (map[string]any, error)

// InboundFunc applies an inbound full-state assignment for a Manual unit.
type InboundFunc func(state map[string]any) error

// Unit is one registered synced object within a session: it owns the
// owner's projection function, the last-sent snapshot, and the event
// bindings (state updates, actions, tasks, task-cancels, binary transfer)
// that belong to it.
type Unit struct {
	key     string
	owner   any
	ownerV  reflect.Value // addressable struct value, for field-based units
	session *Session
	logger  *slog.Logger
	validator Validator

	fields     []Field
	fieldByKey map[string]*Field

	projector ProjectorFunc
	inbound   InboundFunc

	exposeRunningTasks bool
	sendOnInit         bool

	mu           sync.Mutex
	lastSnapshot map[string]any // nil means absent: next Sync emits a full SET
	armedField   string         // "" if no slot is currently armed for this unit

	actionNames []string
	taskNames   []string
}

// Key returns the unit's registration key.
func (u *Unit) Key() string { return u.key }

func (u *Unit) registeredEvents() []string {
	evts := []string{getEvent(u.key), setEvent(u.key), patchEvent(u.key)}
	for _, n := range u.actionNames {
		evts = append(evts, actionEvent(u.key, n))
	}
	for _, n := range u.taskNames {
		evts = append(evts, taskStartEvent(u.key, n), taskCancelEvent(u.key, n))
	}
	for _, f := range u.fields {
		if f.isBinary {
			evts = append(evts, binMetaEvent(u.key, f.Key))
		}
	}
	return evts
}

func (u *Unit) register() error {
	if err := u.session.register(u); err != nil {
		return err
	}
	u.session.registerEvent(u.key, getEvent(u.key), false, u.handleGet)
	u.session.registerEvent(u.key, setEvent(u.key), false, u.handleSet)
	u.session.registerEvent(u.key, patchEvent(u.key), false, u.handlePatch)
	for _, f := range u.fields {
		if f.isBinary {
			field := f.Key
			u.session.registerEvent(u.key, binMetaEvent(u.key, field), false, u.handleBinMeta(field))
		}
	}
	return nil
}

// handleBinMeta arms the binary slot for field when the peer announces an
// incoming binary frame via {K}:BIN_META:{FIELD}.
func (u *Unit) handleBinMeta(field string) func(ctx context.Context, data json.RawMessage) error {
	return func(ctx context.Context, data json.RawMessage) error {
		return u.armSlot(field)
	}
}

// resetSnapshot clears the last-sent snapshot, forcing the next Sync (or
// the resync Attach triggers) to emit a full SET. Called on every new
// transport attach.
func (u *Unit) resetSnapshot() {
	u.mu.Lock()
	u.lastSnapshot = nil
	u.mu.Unlock()
}

func (u *Unit) project() (map[string]any, error) {
	if u.projector != nil {
		return u.projector(u.owner)
	}
	out := make(map[string]any, len(u.fields)+1)
	for _, f := range u.fields {
		fv := u.ownerV.FieldByIndex(f.attrIndex)
		val, err := projectValue(fv)
		if err != nil {
			return nil, &ProjectionError{Key: u.key, Field: f.Key, Cause: err}
		}
		out[f.Key] = val
	}
	if u.exposeRunningTasks {
		out["runningTasks"] = u.runningTaskNames()
	}
	return out, nil
}

func (u *Unit) runningTaskNames() []string {
	names := []string{}
	for _, n := range u.taskNames {
		if _, ok := u.session.lookupTask(taskKey{unitKey: u.key, taskName: n}); ok {
			names = append(names, n)
		}
	}
	return names
}

// projectValue converts a reflect.Value into a JSON-safe value. Types
// implementing json.Marshaler are passed through as-is (encoding/json will
// call MarshalJSON); everything else must be a primitive, struct, slice,
// array, or map, and composite values are checked by encoding them with
// encoding/json, so a nested value it cannot encode also fails.
func projectValue(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	if v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		return projectValue(v.Elem())
	}
	if v.CanInterface() {
		if _, ok := v.Interface().(json.Marshaler); ok {
			return v.Interface(), nil
		}
	}
	switch v.Kind() {
	case reflect.Struct, reflect.Slice, reflect.Array, reflect.Map:
		if _, err := json.Marshal(v.Interface()); err != nil {
			return nil, fmt.Errorf("wsync: field of kind %s cannot be projected to JSON: %w", v.Kind(), err)
		}
		return v.Interface(), nil
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return v.Interface(), nil
	default:
		return nil, fmt.Errorf("wsync: field of kind %s cannot be projected to JSON", v.Kind())
	}
}

// Sync recomputes the projection, diffs it against the last snapshot, and
// emits the minimal patch — or a full SET if the last snapshot is absent.
// If no transport is attached the call is a silent no-op. An empty diff
// emits nothing (idempotent sync).
func (u *Unit) Sync(ctx context.Context) error {
	if !u.session.IsConnected() {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.syncLocked(ctx)
}

func (u *Unit) syncLocked(ctx context.Context) error {
	projection, err := u.project()
	if err != nil {
		u.logger.Error("wsync: projection failed, sync abandoned", "key", u.key, "error", err)
		_ = u.session.Send(ctx, errorEvent(u.key, ""), errorDescriptor{Message: err.Error()})
		return err
	}

	if u.lastSnapshot == nil {
		u.lastSnapshot = projection
		return u.session.Send(ctx, setEvent(u.key), projection)
	}

	patch, err := computeDiff(u.lastSnapshot, projection)
	if err != nil {
		return fmt.Errorf("wsync: diff failed: %w", err)
	}
	if len(patch) == 0 {
		return nil
	}
	u.lastSnapshot = projection
	return u.session.Send(ctx, patchEvent(u.key), patch)
}

// sendFullSet emits a full SET unconditionally, used on Attach and on GET.
func (u *Unit) sendFullSet(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	projection, err := u.project()
	if err != nil {
		_ = u.session.Send(ctx, errorEvent(u.key, ""), errorDescriptor{Message: err.Error()})
		return err
	}
	u.lastSnapshot = projection
	return u.session.Send(ctx, setEvent(u.key), projection)
}

func (u *Unit) handleGet(ctx context.Context, _ json.RawMessage) error {
	return u.sendFullSet(ctx)
}

func (u *Unit) handleSet(ctx context.Context, data json.RawMessage) error {
	var state map[string]json.RawMessage
	if err := json.Unmarshal(data, &state); err != nil {
		return &ValidationError{Key: u.key, Name: "SET", Cause: err}
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.inbound != nil || u.projector != nil {
		flat := make(map[string]any, len(state))
		for k, raw := range state {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return &ValidationError{Key: u.key, Name: "SET", Path: k, Cause: err}
			}
			flat[k] = v
		}
		if u.inbound != nil {
			if err := u.inbound(flat); err != nil {
				return &ValidationError{Key: u.key, Name: "SET", Cause: err}
			}
		}
		u.lastSnapshot = flat
		return nil
	}

	assigned := make(map[string]any, len(state))
	for key, raw := range state {
		f, ok := u.fieldByKey[key]
		if !ok {
			continue
		}
		if err := u.assignField(f, raw); err != nil {
			return &ValidationError{Key: u.key, Name: "SET", Path: key, Cause: err}
		}
		var v any
		_ = json.Unmarshal(raw, &v)
		assigned[key] = v
	}
	projection, err := u.project()
	if err != nil {
		return &ProjectionError{Key: u.key, Cause: err}
	}
	u.lastSnapshot = projection
	return nil
}

func (u *Unit) handlePatch(ctx context.Context, data json.RawMessage) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.lastSnapshot == nil {
		return &ProtocolError{Reason: fmt.Sprintf("%s: PATCH received before any SET", u.key)}
	}

	patched, err := applyPatch(u.lastSnapshot, data)
	if err != nil {
		return &ValidationError{Key: u.key, Name: "PATCH", Cause: err}
	}

	if u.inbound != nil || u.projector != nil {
		if u.inbound != nil {
			if err := u.inbound(patched); err != nil {
				return &ValidationError{Key: u.key, Name: "PATCH", Cause: err}
			}
		}
		u.lastSnapshot = patched
		return nil
	}

	for key, v := range patched {
		f, ok := u.fieldByKey[key]
		if !ok {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return &ValidationError{Key: u.key, Name: "PATCH", Path: key, Cause: err}
		}
		if err := u.assignField(f, raw); err != nil {
			return &ValidationError{Key: u.key, Name: "PATCH", Path: key, Cause: err}
		}
	}
	u.lastSnapshot = patched
	return nil
}

// assignField validates (if the field has a declared type rule) and
// assigns raw onto the owner's corresponding struct field.
func (u *Unit) assignField(f *Field, raw json.RawMessage) error {
	fv := u.ownerV.FieldByIndex(f.attrIndex)
	if !fv.CanSet() {
		return fmt.Errorf("field %s is not settable", f.attrName)
	}
	target := reflect.New(fv.Type())
	if err := json.Unmarshal(raw, target.Interface()); err != nil {
		return err
	}
	if f.validate != "" && u.validator != nil {
		if err := u.validator.ValidateValue(context.Background(), target.Interface(), f.validate); err != nil {
			return err
		}
	}
	fv.Set(target.Elem())
	return nil
}

// armSlot records that a BIN_META envelope for field has just been
// received and the next frame on this transport must be the paired binary.
func (u *Unit) armSlot(field string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.armedField != "" {
		return &ProtocolError{Reason: fmt.Sprintf("%s: binary slot %q armed before previous slot %q resolved", u.key, field, u.armedField)}
	}
	u.armedField = field
	return nil
}

// takeArmedSlot returns the pending slot if eventType is this unit's
// BIN_META announcement for it. The slot stays armed on the unit until
// deliverBinary resolves it.
func (u *Unit) takeArmedSlot(eventType string) *pendingBinary {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.armedField == "" || eventType != binMetaEvent(u.key, u.armedField) {
		return nil
	}
	return &pendingBinary{unit: u, field: u.armedField}
}

// deliverBinary routes a binary frame to the field it was armed for and
// assigns it directly onto the owner (binary fields bypass JSON
// projection). The owner field must be []byte-typed; a frame for an
// unknown or non-[]byte field is logged and dropped. Manual units have no
// fields, so they receive no binary frames.
func (u *Unit) deliverBinary(field string, data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.armedField = ""
	f, ok := u.fieldByKey[field]
	if !ok {
		u.logger.Warn("wsync: binary frame for unknown field", "key", u.key, "field", field)
		return
	}
	fv := u.ownerV.FieldByIndex(f.attrIndex)
	if fv.Kind() != reflect.Slice || fv.Type().Elem().Kind() != reflect.Uint8 {
		u.logger.Warn("wsync: binary frame for non-[]byte field", "key", u.key, "field", field)
		return
	}
	fv.SetBytes(data)
}

// SyncBinary sends a {K}:BIN_META:{FIELD} envelope followed by the field's
// current []byte contents as a binary frame.
func (u *Unit) SyncBinary(ctx context.Context, field string) error {
	f, ok := u.fieldByKey[field]
	if !ok {
		return fmt.Errorf("wsync: unknown field %q", field)
	}
	fv := u.ownerV.FieldByIndex(f.attrIndex)
	if fv.Kind() != reflect.Slice || fv.Type().Elem().Kind() != reflect.Uint8 {
		return fmt.Errorf("wsync: field %q is not []byte", field)
	}
	data := fv.Bytes()
	if err := u.session.Send(ctx, binMetaEvent(u.key, field), BinMeta{Size: len(data)}); err != nil {
		return err
	}
	return u.session.SendBinary(ctx, data)
}

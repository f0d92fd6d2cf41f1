package wsync

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
)

// UnitOption configures a Unit at construction time, shared by SyncAll,
// SyncOnly, and Manual.
type UnitOption func(*unitConfig)

type unitConfig struct {
	camelCase          bool
	sendOnInit         bool
	exposeRunningTasks bool
	validator          Validator
	logger             *slog.Logger
	exclude            map[string]bool
	inbound            InboundFunc
}

func newUnitConfig() *unitConfig {
	return &unitConfig{sendOnInit: true, exclude: make(map[string]bool)}
}

// WithCamelCase converts each exported Go field name to a lower-camel key
// ("FirstName" -> "firstName") for fields whose exposed key isn't pinned by
// an explicit `sync:"..."` tag or a SyncOnly Key override.
func WithCamelCase() UnitOption {
	return func(c *unitConfig) { c.camelCase = true }
}

// WithoutInitialSync suppresses the immediate full SET a builder otherwise
// sends when the unit is constructed on an already-attached session.
func WithoutInitialSync() UnitOption {
	return func(c *unitConfig) { c.sendOnInit = false }
}

// WithRunningTasksExposed adds a "runningTasks" key to the projection
// listing the names of this unit's currently running tasks.
func WithRunningTasksExposed() UnitOption {
	return func(c *unitConfig) { c.exposeRunningTasks = true }
}

// WithUnitValidator sets the validator for this unit. Without it the unit
// uses a validator that accepts everything, so `validate` tags and argument
// bags are not checked.
func WithUnitValidator(v Validator) UnitOption {
	return func(c *unitConfig) { c.validator = v }
}

// WithUnitLogger overrides the session's default logger for this unit only.
func WithUnitLogger(l *slog.Logger) UnitOption {
	return func(c *unitConfig) { c.logger = l }
}

// ExcludeFields omits the named Go struct fields from a SyncAll projection,
// in addition to whatever `sync:"-"` tags already exclude.
func ExcludeFields(names ...string) UnitOption {
	return func(c *unitConfig) {
		for _, n := range names {
			c.exclude[n] = true
		}
	}
}

// FieldSpec names one attribute exposed by a SyncOnly unit. Key, if empty,
// defaults to Attr with the CamelCase transform applied if requested.
type FieldSpec struct {
	Attr string
	Key  string
}

// SyncAll registers owner (a pointer to a struct) as a sync unit under key,
// projecting every exported field via reflect.VisibleFields. Fields tagged
// `sync:"-"` are skipped; a `sync:"name"` tag overrides the exposed key; a
// `validate:"..."` tag supplies the field's inbound validation rule.
func SyncAll(ctx context.Context, key string, owner any, opts ...UnitOption) (*Unit, error) {
	cfg := newUnitConfig()
	for _, o := range opts {
		o(cfg)
	}

	ownerV, err := addressableStruct(owner)
	if err != nil {
		return nil, err
	}
	t := ownerV.Type()

	var fields []Field
	for _, vf := range reflect.VisibleFields(t) {
		if vf.PkgPath != "" {
			continue // unexported
		}
		if vf.Anonymous && vf.Type.Kind() == reflect.Struct {
			continue // only its promoted fields are projected
		}
		if cfg.exclude[vf.Name] {
			continue
		}
		tag, hasTag := vf.Tag.Lookup("sync")
		if hasTag && tag == "-" {
			continue
		}

		exposedKey := vf.Name
		switch {
		case hasTag && tag != "":
			exposedKey = tag
		case cfg.camelCase:
			exposedKey = toCamelCase(vf.Name)
		}

		fields = append(fields, Field{
			attrName:  vf.Name,
			attrIndex: vf.Index,
			Key:       exposedKey,
			validate:  vf.Tag.Get("validate"),
			isBinary:  vf.Type.Kind() == reflect.Slice && vf.Type.Elem().Kind() == reflect.Uint8,
		})
	}

	return buildUnit(ctx, key, owner, ownerV, fields, nil, nil, cfg)
}

// SyncOnly registers owner as a sync unit exposing exactly the named
// fields, in the given order, instead of every exported field.
func SyncOnly(ctx context.Context, key string, owner any, specs []FieldSpec, opts ...UnitOption) (*Unit, error) {
	cfg := newUnitConfig()
	for _, o := range opts {
		o(cfg)
	}

	ownerV, err := addressableStruct(owner)
	if err != nil {
		return nil, err
	}
	t := ownerV.Type()

	fields := make([]Field, 0, len(specs))
	for _, spec := range specs {
		sf, ok := t.FieldByName(spec.Attr)
		if !ok {
			return nil, fmt.Errorf("wsync: %s: no field %q on %s", key, spec.Attr, t)
		}
		exposedKey := spec.Key
		if exposedKey == "" {
			exposedKey = spec.Attr
			if cfg.camelCase {
				exposedKey = toCamelCase(spec.Attr)
			}
		}
		fields = append(fields, Field{
			attrName:  sf.Name,
			attrIndex: sf.Index,
			Key:       exposedKey,
			validate:  sf.Tag.Get("validate"),
			isBinary:  sf.Type.Kind() == reflect.Slice && sf.Type.Elem().Kind() == reflect.Uint8,
		})
	}

	return buildUnit(ctx, key, owner, ownerV, fields, nil, nil, cfg)
}

// Manual registers owner as a sync unit whose projection is computed
// entirely by projector, bypassing field reflection. An InboundFunc may be
// supplied via WithInbound to accept SET/PATCH from the peer; without one,
// inbound state updates are not applied to the owner and only replace the
// unit's last snapshot.
func Manual(ctx context.Context, key string, owner any, projector ProjectorFunc, opts ...UnitOption) (*Unit, error) {
	cfg := newUnitConfig()
	for _, o := range opts {
		o(cfg)
	}
	return buildUnit(ctx, key, owner, reflect.Value{}, nil, projector, cfg.inbound, cfg)
}

// WithInbound binds a Manual unit's inbound SET/PATCH handler. Ignored by
// SyncAll and SyncOnly, whose inbound assignment goes through field
// reflection instead.
func WithInbound(fn InboundFunc) UnitOption {
	return func(c *unitConfig) { c.inbound = fn }
}

func addressableStruct(owner any) (reflect.Value, error) {
	v := reflect.ValueOf(owner)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return reflect.Value{}, fmt.Errorf("wsync: owner must be a non-nil pointer to struct, got %T", owner)
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("wsync: owner must point to a struct, got %T", owner)
	}
	return v, nil
}

func buildUnit(ctx context.Context, key string, owner any, ownerV reflect.Value, fields []Field, projector ProjectorFunc, inbound InboundFunc, cfg *unitConfig) (*Unit, error) {
	session, ok := SessionFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("wsync: %s: no ambient session in context; call wsync.WithSession or use session.Context()", key)
	}

	logger := cfg.logger
	if logger == nil {
		logger = session.logger
	}
	validator := cfg.validator
	if validator == nil {
		validator = noopValidator{}
	}

	fieldByKey := make(map[string]*Field, len(fields))
	u := &Unit{
		key:                key,
		owner:              owner,
		ownerV:             ownerV,
		session:            session,
		logger:             logger,
		validator:          validator,
		fields:             fields,
		projector:          projector,
		inbound:            inbound,
		exposeRunningTasks: cfg.exposeRunningTasks,
		sendOnInit:         cfg.sendOnInit,
	}
	for i := range u.fields {
		fieldByKey[u.fields[i].Key] = &u.fields[i]
	}
	u.fieldByKey = fieldByKey

	if err := u.register(); err != nil {
		return nil, err
	}

	if u.sendOnInit && session.IsConnected() {
		if err := u.sendFullSet(session.Context()); err != nil {
			logger.Warn("wsync: initial sync failed", "key", key, "error", err)
		}
	}

	return u, nil
}

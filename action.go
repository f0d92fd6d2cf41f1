package wsync

import (
	"context"
	"encoding/json"
)

// ActionOption configures one Action registration.
type ActionOption func(*actionConfig)

type actionConfig struct {
	blocking bool
}

// ActionBlocking offloads this action's handler onto the session's worker
// pool instead of running it inline on the dispatcher goroutine. Use it for
// an action body that performs blocking I/O without itself being
// context-aware.
func ActionBlocking() ActionOption {
	return func(c *actionConfig) { c.blocking = true }
}

// Action registers fn as the handler for {K}:ACTION:{name} on u. T is the
// argument bag: it is unmarshaled from the inbound envelope's data and, if
// the unit carries a validator, validated as a whole before fn runs. Actions
// run to completion before the dispatcher advances to the next envelope,
// except for their own sync() calls which may themselves suspend.
func Action[T any](u *Unit, name string, fn func(ctx context.Context, arg T) error, opts ...ActionOption) error {
	cfg := &actionConfig{}
	for _, o := range opts {
		o(cfg)
	}

	u.mu.Lock()
	u.actionNames = append(u.actionNames, name)
	u.mu.Unlock()

	handler := func(ctx context.Context, data json.RawMessage) error {
		var arg T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &arg); err != nil {
				return &ValidationError{Key: u.key, Name: name, Cause: err}
			}
		}
		if err := u.validator.Validate(ctx, &arg); err != nil {
			return &ValidationError{Key: u.key, Name: name, Cause: err}
		}
		return fn(ctx, arg)
	}

	u.session.registerEvent(u.key, actionEvent(u.key, name), cfg.blocking, handler)
	return nil
}

// Package playground adapts go-playground/validator/v10 to the wsync
// Validator port.
package playground

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Adapter wraps a *validator.Validate as a wsync.Validator. The zero value
// is not usable; construct with New.
type Adapter struct {
	v *validator.Validate
}

// New builds an Adapter with a fresh validator.Validate instance, using
// struct tag name "validate" as the rest of the module already assumes.
func New() *Adapter {
	return &Adapter{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate runs struct-level validation, honoring every "validate" tag on v.
func (a *Adapter) Validate(_ context.Context, v any) error {
	if err := a.v.Struct(v); err != nil {
		if _, ok := err.(*validator.InvalidValidationError); ok {
			// v wasn't a struct (or was nil): nothing to validate, typically
			// an action/task with no argument bag.
			return nil
		}
		return err
	}
	return nil
}

// ValidateValue validates a single value against one declared rule string,
// e.g. "required,min=1,max=280".
func (a *Adapter) ValidateValue(_ context.Context, v any, rule string) error {
	if rule == "" {
		return nil
	}
	if err := a.v.Var(v, rule); err != nil {
		return fmt.Errorf("validate %q: %w", rule, err)
	}
	return nil
}

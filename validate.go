package wsync

import "context"

// Validator is the abstract type-validation backend: given a typed value
// and a declared rule, produce a validation failure or nil. It is a port;
// validate/playground provides the default go-playground/validator/v10
// adapter.
type Validator interface {
	// Validate coerces/validates v (a pointer to a struct, typically an
	// action or task argument bag) as a whole, using whatever struct tags
	// or rules the adapter recognizes.
	Validate(ctx context.Context, v any) error
	// ValidateValue validates a single scalar/struct value against one
	// declared rule string, used when assigning an individual synced
	// field from an inbound SET or PATCH.
	ValidateValue(ctx context.Context, v any, rule string) error
}

// noopValidator accepts everything; used by units built without
// WithUnitValidator.
type noopValidator struct{}

func (noopValidator) Validate(context.Context, any) error            { return nil }
func (noopValidator) ValidateValue(context.Context, any, string) error { return nil }

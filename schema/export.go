// Package schema exports JSON Schema documents for a sync unit's declared
// owner type, and for action/task argument bags, using invopop/jsonschema.
// It is a documentation and client-codegen aid only: nothing in the
// dispatch path consults it.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Reflector wraps a jsonschema.Reflector that inlines nested types instead
// of emitting $ref definitions. It reads the struct tags invopop/jsonschema
// understands (json, jsonschema); the "validate" tags the rest of the module
// uses for inbound validation are not translated into schema constraints.
type Reflector struct {
	r *jsonschema.Reflector
}

// New builds a Reflector.
func New() *Reflector {
	return &Reflector{
		r: &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		},
	}
}

// For generates the JSON Schema for v's type (typically an owner struct, or
// an action/task argument bag).
func (s *Reflector) For(v any) *jsonschema.Schema {
	return s.r.Reflect(v)
}

// MarshalFor renders For(v) as indented JSON, suitable for writing to a
// schema file served alongside a generated client.
func (s *Reflector) MarshalFor(v any) ([]byte, error) {
	out, err := json.MarshalIndent(s.For(v), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("schema: marshal: %w", err)
	}
	return out, nil
}

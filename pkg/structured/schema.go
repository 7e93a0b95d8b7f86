package structured

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Schema is a named JSON schema used both to instruct a model and to
// validate what it returns.
type Schema struct {
	Name     string
	JSON     *jsonschema.Schema
	resolved *jsonschema.Resolved
}

// NewSchema resolves js so it can be used for validation.
func NewSchema(name string, js *jsonschema.Schema) (*Schema, error) {
	if js == nil {
		return nil, fmt.Errorf("schema %q is nil", name)
	}
	resolved, err := js.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve schema %q: %w", name, err)
	}
	return &Schema{Name: name, JSON: js, resolved: resolved}, nil
}

// MustSchema is like NewSchema but panics on error. Intended for package-level
// schema declarations.
func MustSchema(name string, js *jsonschema.Schema) *Schema {
	s, err := NewSchema(name, js)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a decoded JSON value (the result of unmarshaling into any).
func (s *Schema) Validate(instance any) error {
	return s.resolved.Validate(instance)
}

// Prompt renders the schema for inclusion in a model prompt.
func (s *Schema) Prompt() string {
	b, err := json.MarshalIndent(s.JSON, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Object, Array, String and Boolean are small constructors that keep schema
// declarations readable.

func Object(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

func Array(items *jsonschema.Schema, minItems, maxItems int) *jsonschema.Schema {
	s := &jsonschema.Schema{Type: "array", Items: items}
	if minItems > 0 {
		s.MinItems = jsonschema.Ptr(minItems)
	}
	if maxItems > 0 {
		s.MaxItems = jsonschema.Ptr(maxItems)
	}
	return s
}

func String(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description}
}

func Boolean(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "boolean", Description: description}
}

// Package schema validates tool arguments against their declared JSON
// Schema.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/whispo/contextd/internal/protocol"
)

// Validator is a compiled input schema. The zero value accepts anything.
type Validator struct {
	resolved *jsonschema.Resolved
}

// Compile resolves raw. An empty schema compiles to a validator that
// accepts any object. The "$schema" dialect marker is ignored so schemas
// written against older drafts still compile when they use no
// draft-specific keywords.
func Compile(raw json.RawMessage) (*Validator, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return &Validator{}, nil
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("input schema is not a JSON object: %w", err)
	}
	delete(generic, "$schema")
	cleaned, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(cleaned, &s); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve input schema: %w", err)
	}
	return &Validator{resolved: resolved}, nil
}

// Validate checks args. A violation is reported as InvalidArguments with
// the failing constraint.
func (v *Validator) Validate(tool string, args map[string]any) error {
	if v == nil || v.resolved == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := v.resolved.Validate(args); err != nil {
		return protocol.InvalidArguments(tool, err.Error())
	}
	return nil
}

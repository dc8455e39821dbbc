package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
)

// paramSchema is the JSON-schema subset tool descriptors use: a single
// object with typed properties and a required list. Nested schemas are
// not interpreted beyond their "type".
type paramSchema struct {
	Type       string               `json:"type"`
	Properties map[string]paramProp `json:"properties"`
	Required   []string             `json:"required"`
}

type paramProp struct {
	Type string `json:"type"`
}

// ValidateArgs checks args against the tool's parameter schema before
// any backend is touched. A ToolNotFound error is returned when the
// sandbox does not provide the named tool; schema mismatches return
// validation errors. Tools without a parameter schema accept anything.
func ValidateArgs(s Sandbox, typeID, name string, args json.RawMessage) error {
	td := Descriptor(s, name)
	if td == nil {
		return api.NewToolNotFoundError(name, typeID)
	}
	if len(td.Parameters) == 0 {
		return nil
	}

	var schema paramSchema
	if err := json.Unmarshal(td.Parameters, &schema); err != nil {
		return api.NewValidationError("tool %q has an unreadable parameter schema: %v", name, err)
	}
	if schema.Type != "" && schema.Type != "object" {
		return api.NewValidationError("tool %q parameter schema must describe an object", name)
	}

	var got map[string]json.RawMessage
	if len(args) == 0 {
		got = map[string]json.RawMessage{}
	} else if err := json.Unmarshal(args, &got); err != nil {
		return api.NewValidationError("arguments for %q must be a JSON object: %v", name, err)
	}

	for _, req := range schema.Required {
		if _, ok := got[req]; !ok {
			return api.NewValidationError("missing required argument %q for tool %q", req, name)
		}
	}

	for key, raw := range got {
		prop, ok := schema.Properties[key]
		if !ok {
			return api.NewValidationError("unknown argument %q for tool %q", key, name)
		}
		if prop.Type == "" {
			continue
		}
		if err := checkJSONType(raw, prop.Type); err != nil {
			return api.NewValidationError("argument %q for tool %q: %v", key, name, err)
		}
	}
	return nil
}

// checkJSONType verifies that raw decodes as the named JSON type.
func checkJSONType(raw json.RawMessage, typ string) error {
	var ok bool
	switch typ {
	case "string":
		var v string
		ok = json.Unmarshal(raw, &v) == nil
	case "number", "integer":
		var v float64
		ok = json.Unmarshal(raw, &v) == nil
	case "boolean":
		var v bool
		ok = json.Unmarshal(raw, &v) == nil
	case "array":
		var v []json.RawMessage
		ok = json.Unmarshal(raw, &v) == nil
	case "object":
		var v map[string]json.RawMessage
		ok = json.Unmarshal(raw, &v) == nil
	default:
		// Unknown schema types are not enforced.
		return nil
	}
	if !ok {
		return fmt.Errorf("expected %s", typ)
	}
	return nil
}

// MergeEnv merges a type's environment template with per-instance
// overrides. Overrides win; nil maps are tolerated; the inputs are not
// mutated.
func MergeEnv(template, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(template)+len(overrides))
	for k, v := range template {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bizportal/flowd/pkg/schema"
)

const definitionSchemaURL = "https://flowd.bizportal.dev/schemas/definition.json"

// definitionSchemaJSON describes the wire form of a WorkflowDefinition.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowd.bizportal.dev/schemas/definition.json",
  "type": "object",
  "required": ["id", "name", "module", "trigger", "steps"],
  "properties": {
    "id": { "type": "string", "pattern": "^[A-Za-z][A-Za-z0-9_.-]*$" },
    "version": { "type": "integer", "minimum": 0 },
    "name": { "type": "string", "minLength": 1 },
    "module": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "active": { "type": "boolean" },
    "created_by": { "type": "string" },
    "published_at": { "type": "string" },
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "enum": ["manual", "automatic", "scheduled", "webhook"] },
        "config": { "type": ["object", "null"] }
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": { "enum": ["approval", "notification", "action", "condition", "delay", "integration"] },
        "config": { "type": ["object", "null"] },
        "next_steps": { "type": ["array", "null"], "items": { "type": "string", "minLength": 1 } },
        "conditions": { "type": ["array", "null"], "items": { "$ref": "#/$defs/condition" } },
        "timeout": { "type": "integer", "minimum": 0 },
        "retry_count": { "type": "integer", "minimum": 0 },
        "retry_delay": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["field", "operator", "next_step"],
      "properties": {
        "field": { "type": "string", "minLength": 1 },
        "operator": { "enum": ["equals", "not_equals", "greater_than", "less_than", "contains", "not_contains"] },
        "value": {},
        "next_step": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks definitions against the definition schema and
// trigger payloads against caller-supplied schemas. Safe for concurrent use.
type JSONSchemaValidator struct {
	definition *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the definition schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	c := newCompiler()
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &JSONSchemaValidator{definition: compiled, cache: make(map[string]*jsonschema.Schema)}, nil
}

// ValidateDefinition returns a VALIDATION_ERROR listing every structural violation.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "definition is not JSON-serialisable").WithCause(err)
	}
	if err := v.definition.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// CompileSchema checks that raw is a usable JSON Schema.
func (v *JSONSchemaValidator) CompileSchema(raw any) error {
	_, err := v.getOrCompile(raw)
	return err
}

// ValidatePayload validates a trigger payload against a JSON Schema given as a
// map (inline in a trigger config) or as raw JSON bytes. A nil schema accepts anything.
func (v *JSONSchemaValidator) ValidatePayload(payload map[string]any, payloadSchema any) error {
	if payloadSchema == nil {
		return nil
	}
	compiled, err := v.getOrCompile(payloadSchema)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "payload is not JSON-serialisable").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(raw any) (*jsonschema.Schema, error) {
	var key string
	switch s := raw.(type) {
	case []byte:
		key = string(s)
	case json.RawMessage:
		key = string(s)
	case string:
		key = s
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "payload schema is not JSON").WithCause(err)
		}
		key = string(b)
	}

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}
	url := fmt.Sprintf("flowd://payload-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips through JSON so numbers become json.Number, as the
// jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens the leaf causes of a ValidationError.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

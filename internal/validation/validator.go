// Package validation checks workflow definitions before they are published.
//
// The pipeline has three stages. A structural failure stops the pipeline;
// semantic errors skip the graph stage, because the graph may reference
// steps that do not exist.
//
//  1. Structural: JSON Schema over the wire form of the definition.
//  2. Semantic: edge references, per-type config, expression compilation.
//  3. Graph: reachability and termination analysis.
package validation

import (
	"github.com/bizportal/flowd/internal/expressions"
	"github.com/bizportal/flowd/pkg/schema"
)

// Validator checks definitions and trigger payloads.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidatePayload(payload map[string]any, payloadSchema any) error
}

// DefinitionValidator runs the full pipeline.
type DefinitionValidator struct {
	schemas *JSONSchemaValidator
	exprs   *expressions.Set
	actions ActionLookup
}

// NewDefinitionValidator creates a validator. lookup may be nil to skip the
// registered-action check.
func NewDefinitionValidator(exprs *expressions.Set, lookup ActionLookup) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if exprs == nil {
		if exprs, err = expressions.NewSet(); err != nil {
			return nil, err
		}
	}
	return &DefinitionValidator{schemas: jsv, exprs: exprs, actions: lookup}, nil
}

// Validate returns every issue found.
func (v *DefinitionValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.IssueStructure, "workflow definition is nil")
		return result
	}

	if err := v.schemas.ValidateDefinition(def); err != nil {
		addStructural(result, err)
		return result
	}

	sem := &semanticChecker{exprs: v.exprs, schemas: v.schemas, actions: v.actions, result: &schema.ValidationResult{}}
	sem.check(def)
	result.Merge(sem.result)

	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDefinition returns a VALIDATION_ERROR or nil.
func (v *DefinitionValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return v.Validate(def).ToError()
}

// ValidatePayload checks a trigger payload against a JSON Schema.
func (v *DefinitionValidator) ValidatePayload(payload map[string]any, payloadSchema any) error {
	return v.schemas.ValidatePayload(payload, payloadSchema)
}

func addStructural(result *schema.ValidationResult, err error) {
	fe := schema.AsFlowError(err, schema.ErrCodeValidation)
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.IssueStructure, msg)
		}
		return
	}
	result.AddError("/", schema.IssueStructure, fe.Message)
}

var _ Validator = (*DefinitionValidator)(nil)

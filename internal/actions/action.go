// Package actions holds the named side effects that action and integration
// steps invoke. The Registry is the engine's ActionInvoker.
package actions

import (
	"context"
	"encoding/json"
)

// Action is a named operation callable from a workflow step.
type Action interface {
	Name() string
	Schema() ActionSchema
	// Validate checks params before Execute runs. A validation failure is final.
	Validate(params map[string]any) error
	Execute(ctx context.Context, input ActionInput) (any, error)
}

// ActionSchema describes the params and output of an action.
type ActionSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInput is what an action receives at execution time.
type ActionInput struct {
	Params map[string]any `json:"params"`
	// Input is the step's mapped payload, nil when the step has no input mapping.
	Input any `json:"input,omitempty"`

	System         string `json:"system,omitempty"`
	Operation      string `json:"operation,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	InstanceID     string `json:"instance_id,omitempty"`
	StepID         string `json:"step_id,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Func adapts a plain function into an Action.
type Func func(ctx context.Context, input ActionInput) (any, error)

type funcAction struct {
	name string
	desc string
	fn   Func
}

// NewFunc wraps fn as an action named name. Params are not validated.
func NewFunc(name, description string, fn Func) Action {
	return &funcAction{name: name, desc: description, fn: fn}
}

func (a *funcAction) Name() string                  { return a.name }
func (a *funcAction) Schema() ActionSchema          { return ActionSchema{Description: a.desc} }
func (a *funcAction) Validate(map[string]any) error { return nil }

func (a *funcAction) Execute(ctx context.Context, input ActionInput) (any, error) {
	return a.fn(ctx, input)
}

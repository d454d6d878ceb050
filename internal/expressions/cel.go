package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/bizportal/flowd/pkg/schema"
)

// CEL activation variables.
const (
	CELVarData     = "data"     // instance data bag
	CELVarInstance = "instance" // instance metadata: id, definition_id, created_by, trigger_type
)

var celVars = []string{CELVarData, CELVarInstance}

// CELEngine evaluates CEL expressions, used to route approvals to an assignee.
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine over the data and instance variables.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(celVars))
	for _, v := range celVars {
		opts = append(opts, cel.Variable(v, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string { return "cel" }

// Check compiles the expression.
func (e *CELEngine) Check(expression string) error {
	_, err := e.compile(expression)
	return err
}

// Evaluate runs the expression. Missing activation variables default to empty maps.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	activation := make(map[string]any, len(celVars))
	for _, key := range celVars {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// EvaluateString runs an expression that must produce a string.
func (e *CELEngine) EvaluateString(ctx context.Context, expression string, data map[string]any) (string, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return "", err
	}
	s, ok := out.(string)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "CEL expression %q returned %T, want string", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return s, nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	return e.cache.get(expression, func() (cel.Program, error) {
		ast, issues := e.env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "CEL compile error in %q: %s", expression, issues.Err().Error()).
				WithCause(issues.Err()).
				WithDetails(map[string]any{"expression": expression})
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "CEL program error for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		return prg, nil
	})
}

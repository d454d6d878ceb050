package expressions

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/bizportal/flowd/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. Programs are compiled without a
// typed environment so the same source can run against any payload shape;
// unknown identifiers evaluate to nil.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

// NewExprEngine creates an expr-lang engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string { return "expr" }

// Check compiles the expression.
func (e *ExprEngine) Check(expression string) error {
	_, err := e.compile(expression)
	return err
}

// Evaluate runs the expression with data as the top-level environment.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// Match evaluates a boolean filter. An empty filter always matches; a nil
// result is false.
func (e *ExprEngine) Match(ctx context.Context, filter string, data map[string]any) (bool, error) {
	if filter == "" {
		return true, nil
	}
	out, err := e.Evaluate(ctx, filter, data)
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "filter %q returned %T, want bool", filter, out)
}

func (e *ExprEngine) compile(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	return e.cache.get(expression, func() (*vm.Program, error) {
		prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("expr compilation failed: %s", err)).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		return prg, nil
	})
}

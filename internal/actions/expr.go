package actions

import (
	"context"

	"github.com/bizportal/flowd/internal/expressions"
	"github.com/bizportal/flowd/pkg/schema"
)

// exprEvalAction implements "expr.eval": evaluate an expr-lang expression
// over the step input and params, returning {"result": value}.
type exprEvalAction struct {
	engine *expressions.ExprEngine
}

// NewExprEvalAction creates expr.eval backed by engine.
func NewExprEvalAction(engine *expressions.ExprEngine) Action {
	if engine == nil {
		engine = expressions.NewExprEngine()
	}
	return &exprEvalAction{engine: engine}
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{Description: "Evaluate an expr-lang expression over the step input"}
}

func (a *exprEvalAction) Validate(params map[string]any) error {
	expression := stringParam(params, "expression", "")
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval requires non-empty 'expression' param")
	}
	return a.engine.Check(expression)
}

func (a *exprEvalAction) Execute(ctx context.Context, input ActionInput) (any, error) {
	env := map[string]any{
		"input":  input.Input,
		"params": input.Params,
	}
	if data, ok := input.Params["data"]; ok {
		env["data"] = data
	}
	result, err := a.engine.Evaluate(ctx, stringParam(input.Params, "expression", ""), env)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

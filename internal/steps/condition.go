package steps

import (
	"context"

	"github.com/bizportal/flowd/internal/conditions"
	"github.com/bizportal/flowd/pkg/schema"
)

// ConditionExecutor routes to the first matching condition, then to
// config.default.
type ConditionExecutor struct{}

func (e *ConditionExecutor) Type() schema.StepType { return schema.StepCondition }

func (e *ConditionExecutor) Execute(_ context.Context, req *Request) Result {
	step := req.Step
	target, ok, warnings := conditions.Select(step.Conditions, req.Instance.Data)
	if !ok {
		target = step.ConfigString(schema.ConfigDefault)
	}
	if target == "" {
		res := Fail(schema.NewErrorf(schema.ErrCodeNoMatchingCond,
			"no condition of step %q matched and no default is declared", step.ID).
			WithStep(step.ID).
			WithDetails(map[string]any{"needs_intervention": true}), false)
		res.Warnings = warnings
		return res
	}
	res := Done(nil, target)
	res.Output = map[string]any{"route": target, "matched": ok}
	res.Warnings = warnings
	return res
}

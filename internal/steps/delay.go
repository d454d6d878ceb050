package steps

import (
	"context"

	"github.com/bizportal/flowd/pkg/schema"
)

// DelayExecutor parks the cursor for config.delay.
type DelayExecutor struct {
	deps Deps
}

func (e *DelayExecutor) Type() schema.StepType { return schema.StepDelay }

func (e *DelayExecutor) Execute(ctx context.Context, req *Request) Result {
	if req.Fired {
		return Done(nil)
	}
	step := req.Step
	d, ok := step.ConfigDuration(schema.ConfigDelay)
	if !ok || d <= 0 {
		return Fail(schema.NewError(schema.ErrCodeValidation, "delay step needs a positive config.delay").WithStep(step.ID), false)
	}
	w, err := e.deps.Waits.Schedule(ctx, &schema.PendingWait{
		InstanceID: req.Instance.ID,
		StepID:     step.ID,
		Kind:       schema.WaitDelay,
		DueAt:      e.deps.Clock.Now().UTC().Add(d),
	})
	if err != nil {
		return Fail(schema.AsFlowError(err, schema.ErrCodeStore).WithStep(step.ID), true)
	}
	return Result{Kind: Suspended, WaitKind: schema.WaitDelay, DueAt: w.DueAt}
}

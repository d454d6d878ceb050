package steps

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/spf13/cast"

	"github.com/bizportal/flowd/pkg/schema"
)

// invocation is the call path shared by action and integration steps.
type invocation struct {
	deps Deps
}

func (iv *invocation) run(ctx context.Context, req *Request, areq *ActionRequest) Result {
	step := req.Step
	if res, ok := iv.replay(ctx, req); ok {
		return res
	}
	if iv.deps.Invoker == nil {
		return Fail(schema.NewError(schema.ErrCodeActionUnavailable, "no action invoker configured").WithStep(step.ID), false)
	}

	if prog := step.ConfigString(schema.ConfigInput); prog != "" {
		in, err := iv.deps.Exprs.JQ.Transform(ctx, prog, req.Instance.Data)
		if err != nil {
			return Fail(schema.AsFlowError(err, schema.ErrCodeExecution).WithStep(step.ID), false)
		}
		areq.Input = in
	}
	if p, err := cast.ToStringMapE(step.Config[schema.ConfigParams]); err == nil && len(p) > 0 {
		areq.Params = p
	}
	areq.IdempotencyKey = req.IdempotencyKey()
	areq.InstanceID = req.Instance.ID
	areq.StepID = step.ID
	areq.Attempt = req.Cursor.Attempt

	out, err := iv.deps.Invoker.Invoke(ctx, areq)
	if err != nil {
		fe, retryable := failure(err, step.ID)
		iv.deps.Logger.WarnContext(ctx, "action failed",
			slog.String("action", areq.Action),
			slog.Int("attempt", req.Cursor.Attempt),
			slog.Bool("retryable", retryable),
			slog.String("error", err.Error()))
		return Fail(fe, retryable)
	}

	if prog := step.ConfigString(schema.ConfigOutput); prog != "" {
		out, err = iv.deps.Exprs.JQ.Transform(ctx, prog, out)
		if err != nil {
			return Fail(schema.AsFlowError(err, schema.ErrCodeExecution).WithStep(step.ID), false)
		}
	}
	res := Done(resultData(step, out))
	res.Output = out
	return res
}

// replay returns the recorded result when an attempt of the current visit
// already succeeded, so the side effect is never performed twice.
func (iv *invocation) replay(ctx context.Context, req *Request) (Result, bool) {
	if iv.deps.Records == nil {
		return Result{}, false
	}
	records, err := iv.deps.Records.ListStepRecords(ctx, req.Instance.ID, req.Step.ID)
	if err != nil {
		iv.deps.Logger.WarnContext(ctx, "prior attempt lookup failed", slog.String("error", err.Error()))
		return Result{}, false
	}
	for _, rec := range records {
		if rec.Attempt < req.Cursor.Entry || rec.Outcome != schema.OutcomeSuccess {
			continue
		}
		var out any
		if len(rec.Output) > 0 {
			if err := json.Unmarshal(rec.Output, &out); err != nil {
				iv.deps.Logger.WarnContext(ctx, "recorded output unreadable", slog.String("error", err.Error()))
			}
		}
		res := Done(resultData(req.Step, out))
		res.Output = out
		res.Replayed = true
		res.Note = "replayed attempt " + cast.ToString(rec.Attempt)
		return res, true
	}
	return Result{}, false
}

// resultData maps an action result into bag updates: under resultKey when
// set, merged when the result is an object, under the step id otherwise.
func resultData(step *schema.WorkflowStep, out any) map[string]any {
	if out == nil {
		return nil
	}
	if key := step.ConfigString(schema.ConfigResultKey); key != "" {
		return map[string]any{key: out}
	}
	if m, ok := out.(map[string]any); ok {
		return m
	}
	return map[string]any{step.ID: out}
}

// ActionExecutor invokes a registered action named by config.action.
type ActionExecutor struct {
	*invocation
}

func (e *ActionExecutor) Type() schema.StepType { return schema.StepAction }

func (e *ActionExecutor) Execute(ctx context.Context, req *Request) Result {
	name := req.Step.ConfigString(schema.ConfigAction)
	if name == "" {
		return Fail(schema.NewError(schema.ErrCodeValidation, "action step has no config.action").WithStep(req.Step.ID), false)
	}
	return e.run(ctx, req, &ActionRequest{Action: name})
}

// HTTPAction is the built-in action used by integrations that declare a URL.
const HTTPAction = "http.request"

// IntegrationExecutor calls an external system. The action is config.action
// when given, the built-in HTTP action when config.url is set, and
// "system.operation" otherwise.
type IntegrationExecutor struct {
	*invocation
}

func (e *IntegrationExecutor) Type() schema.StepType { return schema.StepIntegration }

func (e *IntegrationExecutor) Execute(ctx context.Context, req *Request) Result {
	step := req.Step
	areq := &ActionRequest{
		Action:    step.ConfigString(schema.ConfigAction),
		System:    step.ConfigString(schema.ConfigSystem),
		Operation: step.ConfigString(schema.ConfigOperation),
		URL:       step.ConfigString(schema.ConfigURL),
	}
	switch {
	case areq.Action != "":
	case areq.URL != "":
		areq.Action = HTTPAction
	case areq.System != "" && areq.Operation != "":
		areq.Action = areq.System + "." + areq.Operation
	default:
		return Fail(schema.NewError(schema.ErrCodeValidation, "integration step needs config.action, config.url or config.system with config.operation").WithStep(step.ID), false)
	}
	return e.run(ctx, req, areq)
}

package actions

import (
	"context"

	"github.com/spf13/cast"

	"github.com/bizportal/flowd/internal/validation"
	"github.com/bizportal/flowd/pkg/schema"
)

// dataSetAction implements "data.set": the step input (when an object)
// overlaid with params becomes the action output, which the step merges
// into the instance data bag.
type dataSetAction struct{}

func (dataSetAction) Name() string { return "data.set" }

func (dataSetAction) Schema() ActionSchema {
	return ActionSchema{Description: "Write the step params into the instance data"}
}

func (dataSetAction) Validate(map[string]any) error { return nil }

func (dataSetAction) Execute(_ context.Context, input ActionInput) (any, error) {
	out := make(map[string]any, len(input.Params))
	if in, err := cast.ToStringMapE(input.Input); err == nil {
		for k, v := range in {
			out[k] = v
		}
	}
	for k, v := range input.Params {
		out[k] = v
	}
	return schema.CloneData(out), nil
}

// dataValidateAction implements "data.validate": check the step input (or
// params.data) against params.schema. A mismatch fails the step for good.
type dataValidateAction struct {
	validator *validation.JSONSchemaValidator
}

func (a *dataValidateAction) Name() string { return "data.validate" }

func (a *dataValidateAction) Schema() ActionSchema {
	return ActionSchema{Description: "Assert that the step input conforms to a JSON Schema"}
}

func (a *dataValidateAction) Validate(params map[string]any) error {
	if _, ok := params["schema"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "data.validate requires 'schema' param")
	}
	return a.validator.CompileSchema(params["schema"])
}

func (a *dataValidateAction) Execute(_ context.Context, input ActionInput) (any, error) {
	subject := input.Input
	if d, ok := input.Params["data"]; ok {
		subject = d
	}
	doc, err := cast.ToStringMapE(subject)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeFatalAction, "data.validate: subject must be an object")
	}
	if err := a.validator.ValidatePayload(doc, input.Params["schema"]); err != nil {
		fe := schema.AsFlowError(err, schema.ErrCodeValidation)
		msg := stringParam(input.Params, "message", "data does not match schema")
		return nil, schema.NewError(schema.ErrCodeFatalAction, msg).
			WithDetails(map[string]any{"violations": fe.Details["violations"], "error": fe.Message})
	}
	return map[string]any{"valid": true}, nil
}

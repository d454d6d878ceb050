package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/bizportal/flowd/internal/conditions"
	"github.com/bizportal/flowd/internal/expressions"
	"github.com/bizportal/flowd/pkg/schema"
)

// Keys of the decision object merged into the bag under the step id.
const (
	DecisionApproved  = "approved"
	DecisionBy        = "decidedBy"
	DecisionNotes     = "notes"
	DecisionByTimeout = "resolvedByTimeout"
	DecisionAt        = "decidedAt"
)

// NoteTimeout is recorded when an approval resolves by timeout.
const NoteTimeout = "resolved by timeout"

// ApprovalExecutor parks a cursor until a decision arrives or the timeout fires.
type ApprovalExecutor struct {
	deps Deps
}

func (e *ApprovalExecutor) Type() schema.StepType { return schema.StepApproval }

func (e *ApprovalExecutor) Execute(ctx context.Context, req *Request) Result {
	if res := req.Cursor.Resolution; res != nil {
		return e.resolve(req, res)
	}
	step := req.Step

	assignee := step.ConfigString(schema.ConfigAssignee)
	if expr := step.ConfigString(schema.ConfigAssigneeExpr); expr != "" {
		who, err := e.deps.Exprs.CEL.EvaluateString(ctx, expr, map[string]any{
			expressions.CELVarData:     req.Instance.Data,
			expressions.CELVarInstance: instanceVars(req.Instance),
		})
		if err != nil {
			// An unresolvable assignee leaves the approval unassigned.
			e.deps.Logger.WarnContext(ctx, "assignee expression failed",
				slog.String("expression", expr), slog.String("error", err.Error()))
		} else {
			assignee = who
		}
	}

	due := e.deps.Clock.Now().UTC().Add(step.TimeoutDuration())
	w, err := e.deps.Waits.Schedule(ctx, &schema.PendingWait{
		InstanceID: req.Instance.ID,
		StepID:     step.ID,
		Kind:       schema.WaitApproval,
		DueAt:      due,
	})
	if err != nil {
		return Fail(schema.AsFlowError(err, schema.ErrCodeStore).WithStep(step.ID), true)
	}
	return Result{Kind: Suspended, WaitKind: schema.WaitApproval, DueAt: w.DueAt, AssignedTo: assignee}
}

func (e *ApprovalExecutor) resolve(req *Request, r *schema.Resolution) Result {
	step := req.Step
	decision := map[string]any{
		DecisionApproved:  r.Approved,
		DecisionBy:        r.By,
		DecisionNotes:     r.Notes,
		DecisionByTimeout: r.ByTimeout,
		DecisionAt:        r.DecidedAt.UTC().Format(time.RFC3339),
	}
	data := map[string]any{step.ID: decision}

	res := Done(data, routeDecision(step, r, req.Instance.Data, data)...)
	res.Output = decision
	if r.ByTimeout {
		res.Outcome = schema.OutcomeTimeout
		res.Note = NoteTimeout
	}
	return res
}

// TimeoutResolution is the decision taken when an approval wait expires.
func TimeoutResolution(step *schema.WorkflowStep, now time.Time) *schema.Resolution {
	return &schema.Resolution{
		Approved:  step.ConfigBool(schema.ConfigAutoApprove),
		By:        "system",
		ByTimeout: true,
		DecidedAt: now.UTC(),
	}
}

// routeDecision picks next steps: declared conditions first, then
// onApprove/onReject, then every next step.
func routeDecision(step *schema.WorkflowStep, r *schema.Resolution, bag, updates map[string]any) []string {
	if len(step.Conditions) > 0 {
		view := make(map[string]any, len(bag)+len(updates))
		for k, v := range bag {
			view[k] = v
		}
		for k, v := range updates {
			view[k] = v
		}
		if target, ok, _ := conditions.Select(step.Conditions, view); ok {
			return []string{target}
		}
	}
	key := schema.ConfigOnReject
	if r.Approved {
		key = schema.ConfigOnApprove
	}
	if target := step.ConfigString(key); target != "" {
		return []string{target}
	}
	return nil
}

func instanceVars(inst *schema.WorkflowInstance) map[string]any {
	return map[string]any{
		"id":                 inst.ID,
		"definition_id":      inst.DefinitionID,
		"definition_version": inst.DefinitionVersion,
		"created_by":         inst.CreatedBy,
		"trigger_type":       string(inst.TriggerType),
	}
}

// Package steps implements the closed set of step executors. Executors are
// stateless: everything they need arrives in the Request, and everything
// they decide is returned in the Result for the instance manager to commit.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bizportal/flowd/internal/clock"
	"github.com/bizportal/flowd/internal/expressions"
	"github.com/bizportal/flowd/pkg/schema"
)

// Kind is the shape of an executor result.
type Kind int

const (
	Completed Kind = iota + 1
	Suspended
	Failed
)

func (k Kind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Suspended:
		return "suspended"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Request is one execution of a step on behalf of a cursor.
type Request struct {
	// Instance is a read-only snapshot taken when the step started.
	Instance *schema.WorkflowInstance
	Step     *schema.WorkflowStep
	Cursor   schema.Cursor
	// Fired is set when the step's blocking wait came due.
	Fired bool
}

// IdempotencyKey identifies this attempt to external systems.
func (r *Request) IdempotencyKey() string {
	return fmt.Sprintf("%s/%s/%d", r.Instance.ID, r.Step.ID, r.Cursor.Attempt)
}

// Result is what an executor decided.
type Result struct {
	Kind Kind
	// Data holds bag updates for Completed results.
	Data map[string]any
	// Next lists the chosen next steps. Nil on a Completed result means every
	// declared next step.
	Next []string
	// Output is written to the execution record.
	Output  any
	Outcome schema.Outcome
	Note    string

	WaitKind   schema.WaitKind
	DueAt      time.Time
	AssignedTo string

	Err       *schema.FlowError
	Retryable bool
	// Replayed marks a result rebuilt from an earlier successful attempt.
	Replayed bool
	Warnings []*schema.FlowError
}

// Done builds a Completed result.
func Done(data map[string]any, next ...string) Result {
	return Result{Kind: Completed, Data: data, Next: next, Outcome: schema.OutcomeSuccess}
}

// Fail builds a Failed result.
func Fail(err *schema.FlowError, retryable bool) Result {
	return Result{Kind: Failed, Err: err, Retryable: retryable, Outcome: schema.OutcomeFailure}
}

// Executor runs one step type.
type Executor interface {
	Type() schema.StepType
	Execute(ctx context.Context, req *Request) Result
}

// Deps are the collaborators shared by the executors.
type Deps struct {
	Invoker    ActionInvoker
	Dispatcher Dispatcher
	Waits      WaitRegistrar
	Records    RecordReader
	Exprs      *expressions.Set
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Registry maps every step type to its executor. The set is fixed at construction.
type Registry struct {
	byType map[schema.StepType]Executor
}

// NewRegistry builds the six executors.
func NewRegistry(d Deps) (*Registry, error) {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Exprs == nil {
		set, err := expressions.NewSet()
		if err != nil {
			return nil, err
		}
		d.Exprs = set
	}
	invoke := &invocation{deps: d}
	execs := []Executor{
		&ApprovalExecutor{deps: d},
		&NotificationExecutor{deps: d},
		&ActionExecutor{invocation: invoke},
		&ConditionExecutor{},
		&DelayExecutor{deps: d},
		&IntegrationExecutor{invocation: invoke},
	}
	r := &Registry{byType: make(map[schema.StepType]Executor, len(execs))}
	for _, e := range execs {
		r.byType[e.Type()] = e
	}
	return r, nil
}

// Get returns the executor for a step type.
func (r *Registry) Get(t schema.StepType) (Executor, error) {
	e, ok := r.byType[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", t)
	}
	return e, nil
}

// Execute dispatches to the executor for the request's step type.
func (r *Registry) Execute(ctx context.Context, req *Request) Result {
	e, err := r.Get(req.Step.Type)
	if err != nil {
		return Fail(schema.AsFlowError(err, schema.ErrCodeValidation).WithStep(req.Step.ID), false)
	}
	return e.Execute(ctx, req)
}

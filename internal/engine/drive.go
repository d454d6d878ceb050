package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bizportal/flowd/internal/logging"
	"github.com/bizportal/flowd/internal/steps"
	"github.com/bizportal/flowd/pkg/schema"
)

// NoteDiscarded marks a record whose result arrived after the instance moved on.
const NoteDiscarded = "result discarded"

// claim is a cursor taken for execution.
type claim struct {
	inst    *schema.WorkflowInstance // snapshot at claim time
	step    *schema.WorkflowStep
	cursor  schema.Cursor
	started time.Time
}

// drive runs ready cursors of an instance until none is left.
func (m *Manager) drive(ctx context.Context, id string) error {
	ctx = logging.WithInstanceID(ctx, id)
	for {
		cl, err := m.claim(ctx, id)
		if err != nil {
			logging.LogWith(ctx, m.logger).WarnContext(ctx, "claim failed", slog.String("error", err.Error()))
			return err
		}
		if cl == nil {
			return nil
		}
		res := m.execute(ctx, cl)
		if err := m.apply(ctx, cl, res); err != nil {
			logging.LogWith(ctx, m.logger).ErrorContext(ctx, "step result not committed",
				slog.String("step_id", cl.step.ID), slog.String("error", err.Error()))
			return err
		}
	}
}

// claim marks the first ready cursor as executing. It returns nil when the
// instance is not running or has nothing ready.
func (m *Manager) claim(ctx context.Context, id string) (*claim, error) {
	lctx, unlock, err := m.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, def, err := m.load(lctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != schema.InstanceRunning {
		return nil, nil
	}
	var c *schema.Cursor
	for k := range inst.Cursors {
		if inst.Cursors[k].State == schema.CursorReady {
			c = &inst.Cursors[k]
			break
		}
	}
	if c == nil {
		return nil, nil
	}

	now := m.clock.Now().UTC()
	t := m.begin(inst, "", now)
	step, ok := def.Step(c.StepID)
	if !ok {
		inst.Error = schema.NewErrorf(schema.ErrCodeValidation,
			"step %q is not part of %s", c.StepID, def.Ref()).WithStep(c.StepID)
		c.State = schema.CursorDone
		if err := t.transition(schema.InstanceFailed); err != nil {
			return nil, err
		}
		return nil, m.commit(lctx, t)
	}

	if c.Attempt == 0 {
		n := inst.NextAttempt(step.ID)
		c.Entry, c.Attempt = n, n
	}
	c.State = schema.CursorExecuting
	t.event(schema.EventStepStarted, step.ID, map[string]any{
		"attempt": c.Attempt,
		"try":     c.Try(),
		"cursor":  c.ID,
	})
	if err := m.commit(lctx, t); err != nil {
		return nil, err
	}
	return &claim{inst: inst.Clone(), step: step, cursor: *c, started: now}, nil
}

// execute runs the step outside the instance lock.
func (m *Manager) execute(ctx context.Context, cl *claim) steps.Result {
	ctx = logging.WithStepID(ctx, cl.step.ID)
	if d := cl.step.TimeoutDuration(); d > 0 && (cl.step.Type == schema.StepAction || cl.step.Type == schema.StepIntegration) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	start := time.Now()
	res := m.steps.Execute(ctx, &steps.Request{
		Instance: cl.inst,
		Step:     cl.step,
		Cursor:   cl.cursor,
		Fired:    cl.cursor.Fired,
	})
	m.metrics.StepExecuted(ctx, string(cl.step.Type), res.Kind.String(), elapsed(start))
	logging.LogWith(ctx, m.logger).DebugContext(ctx, "step executed",
		slog.String("result", res.Kind.String()),
		slog.Int("attempt", cl.cursor.Attempt))
	return res
}

// apply commits an executor result against the current instance state.
func (m *Manager) apply(ctx context.Context, cl *claim, res steps.Result) error {
	lctx, unlock, err := m.locker.Lock(ctx, cl.inst.ID)
	if err != nil {
		return err
	}
	defer unlock()

	inst, err := m.store.GetInstance(lctx, cl.inst.ID)
	if err != nil {
		return err
	}
	now := m.clock.Now().UTC()
	t := m.begin(inst, "", now)

	_, firedEarly := m.early.LoadAndDelete(waitID(inst.ID, cl.step.ID))

	c, ok := inst.Cursor(cl.cursor.ID)
	if !ok || c.State != schema.CursorExecuting || c.Attempt != cl.cursor.Attempt || inst.Status.Terminal() {
		m.discard(lctx, t, cl, res)
		return m.commit(lctx, t)
	}

	spawned := 0
	switch res.Kind {
	case steps.Completed:
		if firedEarly {
			t.ack(cl.step.ID)
		}
		spawned, err = m.completed(t, c, cl, res)
		if err != nil {
			// An executor routed outside the declared graph.
			res = steps.Fail(schema.AsFlowError(err, schema.ErrCodeValidation).WithStep(cl.step.ID), false)
			m.failed(lctx, t, c, cl, res)
		}
	case steps.Suspended:
		m.suspended(t, c, cl, res, firedEarly)
	default:
		if firedEarly {
			t.ack(cl.step.ID)
		}
		m.failed(lctx, t, c, cl, res)
	}

	if err := m.commit(lctx, t); err != nil {
		return err
	}
	for range spawned {
		m.spawn(m.context(), inst.ID)
	}
	return nil
}

func (m *Manager) completed(t *txn, c *schema.Cursor, cl *claim, res steps.Result) (int, error) {
	step := cl.step
	next := res.Next
	if next == nil {
		next = step.NextSteps
	}
	for _, n := range next {
		if !step.HasNext(n) {
			return 0, schema.NewErrorf(schema.ErrCodeValidation,
				"step %q routed to %q which is not one of its next steps", step.ID, n)
		}
	}

	if res.Replayed {
		t.event(schema.EventStepReplayed, step.ID, map[string]any{"attempt": c.Attempt, "note": res.Note})
	} else {
		outcome := res.Outcome
		if outcome == "" {
			outcome = schema.OutcomeSuccess
		}
		t.record(&schema.StepExecutionRecord{
			StepID:     step.ID,
			Attempt:    c.Attempt,
			Outcome:    outcome,
			Note:       res.Note,
			Output:     marshalOutput(res.Output),
			StartedAt:  cl.started,
			FinishedAt: t.now,
		})
		t.event(schema.EventStepCompleted, step.ID, map[string]any{"attempt": c.Attempt, "outcome": string(outcome)})
	}
	for _, w := range res.Warnings {
		t.event(schema.EventConditionWarning, step.ID, map[string]any{"message": w.Message, "details": w.Details})
	}

	for _, cf := range mergeData(t.inst, step, res.Data) {
		t.event(schema.EventDataConflict, step.ID, map[string]any{"key": cf.Key, "applied": cf.Applied, "reason": cf.Reason})
	}

	spawned := advance(t, c, step.ID, next)
	// A paused instance completes on resume.
	if t.inst.AllDone() && t.inst.Status == schema.InstanceRunning {
		if err := t.transition(schema.InstanceCompleted); err != nil {
			return 0, err
		}
	}
	return spawned, nil
}

// advance moves c to the first next step and opens a cursor for each of the
// others. A branch arriving at a step another live cursor already holds joins
// that cursor, so a step is never parked twice. It returns the number of
// cursors opened.
func advance(t *txn, c *schema.Cursor, from string, next []string) int {
	if len(next) > 1 {
		t.event(schema.EventFanOut, from, map[string]any{"next": next})
	}
	id := c.ID
	moved, opened := false, 0
	for _, n := range next {
		if holder, ok := t.inst.LiveCursorAt(n, id); ok {
			t.event(schema.EventBranchJoined, n, map[string]any{"from": from, "cursor": id, "into": holder.ID})
			continue
		}
		if !moved {
			*c = schema.Cursor{ID: id, StepID: n, State: schema.CursorReady}
			moved = true
			continue
		}
		t.inst.Cursors = append(t.inst.Cursors, schema.Cursor{ID: uuid.NewString(), StepID: n, State: schema.CursorReady})
		opened++
	}
	if !moved {
		*c = schema.Cursor{ID: id, StepID: c.StepID, State: schema.CursorDone}
	}
	return opened
}

func (m *Manager) suspended(t *txn, c *schema.Cursor, cl *claim, res steps.Result, firedEarly bool) {
	due := res.DueAt.UTC()
	c.State = schema.CursorWaiting
	c.WaitKind = res.WaitKind
	c.DueAt = &due
	c.Fired = false
	if res.AssignedTo != "" {
		t.inst.AssignedTo = res.AssignedTo
	}
	t.event(schema.EventStepSuspended, cl.step.ID, map[string]any{
		"attempt":     c.Attempt,
		"wait_kind":   string(res.WaitKind),
		"due_at":      due,
		"assigned_to": res.AssignedTo,
	})
	if firedEarly || !due.After(t.now) {
		m.fire(t, c, cl.step)
	}
}

// fire settles a waiting cursor whose timer came due. A paused instance
// keeps the cursor waiting with the outcome stored.
func (m *Manager) fire(t *txn, c *schema.Cursor, step *schema.WorkflowStep) {
	c.Fired = true
	if c.WaitKind == schema.WaitApproval {
		c.Resolution = steps.TimeoutResolution(step, t.now)
		m.metrics.ApprovalDecided(context.Background(), c.Resolution.Approved, true)
	}
	if t.inst.Status == schema.InstanceRunning {
		c.State = schema.CursorReady
	}
	payload := map[string]any{"kind": string(c.WaitKind), "attempt": c.Attempt}
	if c.DueAt != nil {
		payload["due_at"] = *c.DueAt
	}
	t.event(schema.EventTimerFired, step.ID, payload)
	t.ack(step.ID)
}

func (m *Manager) failed(ctx context.Context, t *txn, c *schema.Cursor, cl *claim, res steps.Result) {
	step := cl.step
	fe := res.Err
	if fe == nil {
		fe = schema.NewError(schema.ErrCodeExecution, "step failed without an error").WithStep(step.ID)
	}
	t.record(&schema.StepExecutionRecord{
		StepID:     step.ID,
		Attempt:    c.Attempt,
		Outcome:    schema.OutcomeFailure,
		Error:      fe.Message,
		ErrorCode:  fe.Code,
		Retryable:  res.Retryable,
		Note:       res.Note,
		Output:     marshalOutput(res.Output),
		StartedAt:  cl.started,
		FinishedAt: t.now,
	})
	t.event(schema.EventStepFailed, step.ID, map[string]any{
		"attempt":   c.Attempt,
		"code":      fe.Code,
		"message":   fe.Message,
		"retryable": res.Retryable,
	})
	for _, w := range res.Warnings {
		t.event(schema.EventConditionWarning, step.ID, map[string]any{"message": w.Message, "details": w.Details})
	}

	log := logging.LogWith(logging.WithStepID(ctx, step.ID), m.logger)
	d := ShouldRetry(c.Try(), step, res.Retryable)
	if d.Retry {
		c.Attempt = t.inst.NextAttempt(step.ID)
		c.State = schema.CursorReady
		c.Fired, c.WaitKind, c.DueAt = false, "", nil
		t.event(schema.EventStepRetrying, step.ID, map[string]any{"next_attempt": c.Attempt, "delay": d.Delay.String()})
		m.metrics.RetryScheduled(ctx, string(step.Type))

		if d.Delay > 0 {
			w, err := m.timers.Schedule(ctx, &schema.PendingWait{
				InstanceID: t.inst.ID,
				StepID:     step.ID,
				Kind:       schema.WaitRetry,
				DueAt:      t.now.Add(d.Delay),
			})
			if err != nil {
				log.WarnContext(ctx, "retry wait not armed; retrying now", slog.String("error", err.Error()))
				return
			}
			due := w.DueAt
			c.State = schema.CursorWaiting
			c.WaitKind = schema.WaitRetry
			c.DueAt = &due
		}
		log.InfoContext(ctx, "step retry scheduled", slog.Int("attempt", c.Attempt), slog.Duration("delay", d.Delay))
		return
	}

	t.inst.Error = finalError(step, fe, res.Retryable, c.Try())
	c.State = schema.CursorDone
	if err := t.transition(schema.InstanceFailed); err != nil {
		log.ErrorContext(ctx, "instance cannot fail", slog.String("error", err.Error()))
		return
	}
	log.WarnContext(ctx, "instance failed", slog.String("code", t.inst.Error.Code), slog.String("error", t.inst.Error.Message))
}

// discard keeps the audit trail of a result that no longer applies.
func (m *Manager) discard(ctx context.Context, t *txn, cl *claim, res steps.Result) {
	if res.Kind == steps.Suspended {
		if err := m.timers.Cancel(ctx, t.inst.ID, cl.step.ID); err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			m.logger.WarnContext(ctx, "orphan wait not removed", slog.String("error", err.Error()))
		}
	}
	payload := map[string]any{"attempt": cl.cursor.Attempt, "result": res.Kind.String(), "status": string(t.inst.Status)}
	if res.Kind != steps.Suspended && !res.Replayed {
		outcome := res.Outcome
		if outcome == "" {
			outcome = schema.OutcomeSuccess
		}
		rec := &schema.StepExecutionRecord{
			StepID:     cl.step.ID,
			Attempt:    cl.cursor.Attempt,
			Outcome:    outcome,
			Note:       NoteDiscarded,
			Output:     marshalOutput(res.Output),
			StartedAt:  cl.started,
			FinishedAt: t.now,
		}
		if res.Err != nil {
			rec.Error, rec.ErrorCode, rec.Retryable = res.Err.Message, res.Err.Code, res.Retryable
		}
		t.record(rec)
	}
	t.event(schema.EventResultDiscarded, cl.step.ID, payload)
	logging.LogWith(logging.WithStepID(ctx, cl.step.ID), m.logger).InfoContext(ctx, "step result discarded",
		slog.String("status", string(t.inst.Status)))
}

func marshalOutput(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

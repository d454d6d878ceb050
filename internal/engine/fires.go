package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bizportal/flowd/internal/logging"
	"github.com/bizportal/flowd/internal/steps"
	"github.com/bizportal/flowd/pkg/schema"
)

// inbox is an unbounded queue between the timer scheduler, which must not
// block, and the instance pool.
type inbox struct {
	mu     sync.Mutex
	items  []schema.TimerFired
	signal chan struct{}
	// pending counts fires pushed but not yet handed to the pool.
	pending atomic.Int64
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (b *inbox) push(ev schema.TimerFired) {
	b.mu.Lock()
	b.items = append(b.items, ev)
	b.pending.Add(1)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *inbox) take() []schema.TimerFired {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

func (b *inbox) empty() bool {
	return b.pending.Load() == 0
}

func waitID(instanceID, stepID string) string {
	return instanceID + "/" + stepID
}

// pump hands queued timer fires to the pool.
func (m *Manager) pump(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			if n := len(m.inbox.take()); n > 0 {
				m.inbox.pending.Add(-int64(n))
				m.logger.Info("timer fires left for recovery", slog.Int("count", n))
			}
			return
		case <-m.inbox.signal:
		}
		for _, ev := range m.inbox.take() {
			ev := ev
			err := m.pool.Submit(ctx, func(context.Context) error { return m.HandleTimerFired(ctx, ev) })
			m.inbox.pending.Add(-1)
			if err != nil {
				// The wait row is still stored; recovery refires it.
				m.logger.Warn("timer fire not handled",
					slog.String("instance_id", ev.InstanceID),
					slog.String("step_id", ev.StepID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// HandleTimerFired applies a fired wait to its instance. A fire that no
// longer matches a waiting cursor is acknowledged and ignored.
func (m *Manager) HandleTimerFired(ctx context.Context, ev schema.TimerFired) error {
	ctx = logging.WithStepID(logging.WithInstanceID(ctx, ev.InstanceID), ev.StepID)
	log := logging.LogWith(ctx, m.logger)
	m.metrics.TimerFired(ctx, string(ev.Kind))

	if ev.Kind == schema.WaitNotification {
		return m.deliverDeferred(ctx, ev)
	}

	lctx, unlock, err := m.locker.Lock(ctx, ev.InstanceID)
	if err != nil {
		return err
	}
	inst, def, err := m.load(lctx, ev.InstanceID)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		unlock()
		log.DebugContext(ctx, "timer fired for unknown instance")
		return m.timers.Ack(ctx, ev.InstanceID, ev.StepID)
	}
	if err != nil {
		unlock()
		return err
	}

	c, waiting := inst.WaitingCursor(ev.StepID)
	switch {
	case inst.Status.Terminal():
		unlock()
		log.DebugContext(ctx, "timer fired after instance finished", slog.String("status", string(inst.Status)))
		if inst.Status == schema.InstanceCompleted {
			return m.timers.Ack(ctx, ev.InstanceID, ev.StepID)
		}
		// Sweep whatever a failed or cancelled instance still left armed.
		_, err := m.timers.CancelInstance(ctx, ev.InstanceID)
		return err
	case !waiting || c.WaitKind != ev.Kind:
		if executing(inst, ev.StepID) {
			// The step has not reported back yet; its result settles the wait.
			m.early.Store(waitID(ev.InstanceID, ev.StepID), ev)
			unlock()
			log.DebugContext(ctx, "timer fired while step executing")
			return nil
		}
		t := m.begin(inst, "", m.clock.Now().UTC())
		t.event(schema.EventTimerRace, ev.StepID, map[string]any{"kind": string(ev.Kind), "due_at": ev.DueAt})
		t.ack(ev.StepID)
		err := m.commit(lctx, t)
		unlock()
		log.DebugContext(ctx, "timer fire lost the race",
			slog.String("code", schema.ErrCodeTimerFireRace), slog.String("kind", string(ev.Kind)))
		return err
	case c.Fired || c.Resolution != nil:
		unlock()
		return m.timers.Ack(ctx, ev.InstanceID, ev.StepID)
	}

	step, ok := def.Step(ev.StepID)
	if !ok {
		unlock()
		return m.timers.Ack(ctx, ev.InstanceID, ev.StepID)
	}
	t := m.begin(inst, "", m.clock.Now().UTC())
	m.fire(t, c, step)
	err = m.commit(lctx, t)
	unlock()
	if err != nil {
		return err
	}
	if inst.Status == schema.InstanceRunning {
		return m.drive(ctx, ev.InstanceID)
	}
	return nil
}

func executing(inst *schema.WorkflowInstance, stepID string) bool {
	for _, c := range inst.Cursors {
		if c.StepID == stepID && c.State == schema.CursorExecuting {
			return true
		}
	}
	return false
}

// deliverDeferred dispatches a notification parked by a notification step.
func (m *Manager) deliverDeferred(ctx context.Context, ev schema.TimerFired) error {
	w, err := m.store.GetWait(ctx, ev.InstanceID, ev.StepID)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	n, err := steps.DecodeNotification(w.Payload)
	if err != nil {
		logging.LogWith(ctx, m.logger).WarnContext(ctx, "deferred notification dropped", slog.String("error", err.Error()))
		return m.timers.Ack(ctx, ev.InstanceID, ev.StepID)
	}
	if m.dispatch != nil {
		m.dispatch.Dispatch(ctx, n)
	}
	return m.timers.Ack(ctx, ev.InstanceID, ev.StepID)
}

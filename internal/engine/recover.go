package engine

import (
	"context"
	"log/slog"

	"github.com/bizportal/flowd/internal/logging"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/pkg/schema"
)

// Recover rebuilds in-memory state after a restart: it re-arms stored
// waits, re-creates waits that a crash lost, releases cursors that were
// executing, and drives every running instance. It must run before any
// drive starts, which Start guarantees.
func (m *Manager) Recover(ctx context.Context) error {
	armed, err := m.timers.Load(ctx)
	if err != nil {
		return err
	}

	var ids []string
	for _, status := range []schema.InstanceStatus{schema.InstanceRunning, schema.InstancePaused} {
		insts, err := m.store.ListInstances(ctx, store.InstanceFilter{Status: status})
		if err != nil {
			return schema.AsFlowError(err, schema.ErrCodeStore)
		}
		for _, inst := range insts {
			ids = append(ids, inst.ID)
		}
	}

	resumed := 0
	for _, id := range ids {
		running, err := m.recoverInstance(ctx, id)
		if err != nil {
			logging.LogWith(logging.WithInstanceID(ctx, id), m.logger).WarnContext(ctx,
				"instance not recovered", slog.String("error", err.Error()))
			continue
		}
		if running {
			resumed++
			m.kick(ctx, id)
		}
	}
	m.logger.InfoContext(ctx, "recovery complete",
		slog.Int("waits_armed", armed),
		slog.Int("instances", len(ids)),
		slog.Int("resumed", resumed))
	return nil
}

func (m *Manager) recoverInstance(ctx context.Context, id string) (bool, error) {
	lctx, unlock, err := m.locker.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	inst, err := m.store.GetInstance(lctx, id)
	if err != nil {
		return false, err
	}
	waits, err := m.store.ListWaits(lctx, store.WaitFilter{InstanceID: id})
	if err != nil {
		return false, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	stored := make(map[string]*schema.PendingWait, len(waits))
	for _, w := range waits {
		stored[w.StepID] = w
	}

	running := inst.Status == schema.InstanceRunning
	t := m.begin(inst, "system", m.clock.Now().UTC())
	changed := false
	parked := make(map[string]bool)
	for k := range inst.Cursors {
		c := &inst.Cursors[k]
		switch {
		case c.State == schema.CursorExecuting:
			// Re-run under the same attempt; the idempotency key and the
			// replay of recorded successes keep the side effect single.
			// A wait it already armed is kept so the deadline holds.
			c.State = schema.CursorReady
			parked[c.StepID] = true
			changed = true
		case c.State == schema.CursorWaiting && (c.Fired || c.Resolution != nil):
			if running {
				c.State = schema.CursorReady
				changed = true
			}
		case c.State == schema.CursorWaiting:
			parked[c.StepID] = true
			if _, ok := stored[c.StepID]; ok || c.DueAt == nil {
				continue
			}
			if _, err := m.timers.Schedule(lctx, &schema.PendingWait{
				InstanceID: id,
				StepID:     c.StepID,
				Kind:       c.WaitKind,
				DueAt:      *c.DueAt,
			}); err != nil {
				return false, err
			}
		}
	}

	for _, w := range waits {
		if w.Kind.Blocking() && !parked[w.StepID] {
			t.ack(w.StepID)
			changed = true
		}
	}

	if changed {
		if err := m.commit(lctx, t); err != nil {
			return false, err
		}
	}
	return running, nil
}

package timers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizportal/flowd/internal/clock"
	"github.com/bizportal/flowd/internal/logging"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/pkg/schema"
)

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	fired []schema.TimerFired
}

func (r *recorder) sink(f schema.TimerFired) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, f)
}

func (r *recorder) steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.fired))
	for _, f := range r.fired {
		out = append(out, f.StepID)
	}
	return out
}

func setup(t *testing.T) (*Scheduler, *store.MemoryStore, *clock.Fake, *recorder) {
	t.Helper()
	repo := store.NewMemoryStore()
	clk := clock.NewFake(t0)
	s := NewScheduler(repo, clk, logging.Discard())
	rec := &recorder{}
	s.SetSink(rec.sink)
	return s, repo, clk, rec
}

func wait(inst, step string, kind schema.WaitKind, due time.Duration) *schema.PendingWait {
	return &schema.PendingWait{InstanceID: inst, StepID: step, Kind: kind, DueAt: t0.Add(due)}
}

func TestSchedule_PersistsAndFiresInOrder(t *testing.T) {
	s, repo, _, rec := setup(t)
	ctx := context.Background()

	_, err := s.Schedule(ctx, wait("i1", "approval", schema.WaitApproval, 48*time.Hour))
	require.NoError(t, err)
	_, err = s.Schedule(ctx, wait("i1", "cooldown", schema.WaitDelay, time.Hour))
	require.NoError(t, err)
	_, err = s.Schedule(ctx, wait("i2", "retry", schema.WaitRetry, time.Hour))
	require.NoError(t, err)

	stored, err := repo.ListWaits(ctx, store.WaitFilter{})
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	assert.Zero(t, s.Tick(t0.Add(59*time.Minute)))
	assert.Equal(t, 2, s.Tick(t0.Add(time.Hour)))
	assert.Equal(t, []string{"cooldown", "retry"}, rec.steps())

	assert.Equal(t, 1, s.Tick(t0.Add(49*time.Hour)))
	assert.Equal(t, schema.WaitApproval, rec.fired[2].Kind)

	// Fired waits stay stored until acked.
	stored, err = repo.ListWaits(ctx, store.WaitFilter{})
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	require.NoError(t, s.Ack(ctx, "i1", "cooldown"))
	require.NoError(t, s.Ack(ctx, "i1", "cooldown"), "ack is idempotent")
	stored, err = repo.ListWaits(ctx, store.WaitFilter{})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestSchedule_NeverExtendsDeadline(t *testing.T) {
	s, _, _, rec := setup(t)
	ctx := context.Background()

	first, err := s.Schedule(ctx, wait("i1", "approval", schema.WaitApproval, time.Hour))
	require.NoError(t, err)
	again, err := s.Schedule(ctx, wait("i1", "approval", schema.WaitApproval, 5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.DueAt, again.DueAt)

	assert.Equal(t, 1, s.Tick(t0.Add(time.Hour)))
	assert.Len(t, rec.steps(), 1)
}

func TestCancel_PreventsFire(t *testing.T) {
	s, repo, _, rec := setup(t)
	ctx := context.Background()

	_, err := s.Schedule(ctx, wait("i1", "approval", schema.WaitApproval, time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, "i1", "approval"))

	assert.Zero(t, s.Tick(t0.Add(100*time.Hour)))
	assert.Empty(t, rec.steps())

	_, err = repo.GetWait(ctx, "i1", "approval")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	err = s.Cancel(ctx, "i1", "approval")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestCancelInstance(t *testing.T) {
	s, repo, _, rec := setup(t)
	ctx := context.Background()

	for _, st := range []string{"a", "b", "c"} {
		_, err := s.Schedule(ctx, wait("i1", st, schema.WaitDelay, time.Minute))
		require.NoError(t, err)
	}
	_, err := s.Schedule(ctx, wait("i2", "a", schema.WaitDelay, time.Minute))
	require.NoError(t, err)
	// A stored wait that was never armed in this process.
	require.NoError(t, repo.CreateWait(ctx, wait("i1", "d", schema.WaitRetry, time.Minute)))

	n, err := s.CancelInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.Equal(t, 1, s.Tick(t0.Add(time.Hour)))
	assert.Equal(t, []string{"a"}, rec.steps())
	assert.Equal(t, "i2", rec.fired[0].InstanceID)
}

func TestDisarm_LeavesStoredRows(t *testing.T) {
	s, repo, _, rec := setup(t)
	ctx := context.Background()

	for _, st := range []string{"a", "b"} {
		_, err := s.Schedule(ctx, wait("i1", st, schema.WaitDelay, time.Minute))
		require.NoError(t, err)
	}
	_, err := s.Schedule(ctx, wait("i2", "a", schema.WaitDelay, time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 2, s.Disarm("i1"))
	assert.Zero(t, s.Disarm("i1"))

	assert.Equal(t, 1, s.Tick(t0.Add(time.Hour)))
	assert.Equal(t, "i2", rec.fired[0].InstanceID)
	stored, err := repo.ListWaits(ctx, store.WaitFilter{InstanceID: "i1"})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestLoad_RearmsAfterRestart(t *testing.T) {
	s, repo, clk, _ := setup(t)
	ctx := context.Background()
	_, err := s.Schedule(ctx, wait("i1", "approval", schema.WaitApproval, time.Hour))
	require.NoError(t, err)
	_, err = s.Schedule(ctx, wait("i1", "notify", schema.WaitNotification, 2*time.Hour))
	require.NoError(t, err)

	restarted := NewScheduler(repo, clk, logging.Discard())
	rec := &recorder{}
	restarted.SetSink(rec.sink)
	n, err := restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = restarted.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already armed")

	// Scheduling a wait that the store already holds adopts the stored deadline.
	fresh := NewScheduler(repo, clk, logging.Discard())
	got, err := fresh.Schedule(ctx, wait("i1", "approval", schema.WaitApproval, 10*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), got.DueAt)

	assert.Len(t, restarted.Armed(), 2)
	assert.Equal(t, "approval", restarted.Armed()[0].StepID)
	restarted.Tick(t0.Add(3 * time.Hour))
	assert.Equal(t, []string{"approval", "notify"}, rec.steps())
}

func TestRun_FiresWithClock(t *testing.T) {
	s, _, clk, rec := setup(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	require.Error(t, s.Start(ctx))

	_, err := s.Schedule(ctx, wait("i1", "cooldown", schema.WaitDelay, 30*time.Second))
	require.NoError(t, err)

	// Keep advancing until the loop has armed a clock waiter and fired.
	assert.Eventually(t, func() bool {
		clk.Advance(10 * time.Second)
		return len(rec.steps()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedule_RejectsIncompleteWait(t *testing.T) {
	s, _, _, _ := setup(t)
	_, err := s.Schedule(context.Background(), &schema.PendingWait{StepID: "x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

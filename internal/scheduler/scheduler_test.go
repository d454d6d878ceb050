package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizportal/flowd/internal/clock"
	"github.com/bizportal/flowd/internal/fixtures"
	"github.com/bizportal/flowd/internal/logging"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/pkg/schema"
)

var epoch = time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)

type mockRunner struct {
	mu    sync.Mutex
	runs  []map[string]any
	trigs []string
	err   error
	block chan struct{}
}

func (r *mockRunner) RunScheduled(_ context.Context, trig *store.ScheduledTrigger, payload map[string]any) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trigs = append(r.trigs, trig.DefinitionID)
	r.runs = append(r.runs, payload)
	return r.err
}

func (r *mockRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func scheduled(id, cron string) *schema.WorkflowDefinition {
	def := fixtures.Linear(id, fixtures.Action("report", "reports.daily"))
	def.Trigger = schema.Trigger{
		Type:   schema.TriggerScheduled,
		Config: map[string]any{schema.TriggerKeyCron: cron, schema.TriggerKeyPayload: map[string]any{"region": "north"}},
	}
	return def
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.MemoryStore, *mockRunner, *clock.Fake) {
	t.Helper()
	st := store.NewMemoryStore()
	runner := &mockRunner{}
	clk := clock.NewFake(epoch)
	return NewScheduler(st, runner, clk, time.Minute, logging.Discard()), st, runner, clk
}

func TestNextRun(t *testing.T) {
	next, err := NextRun("0 9 * * *", epoch)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC), next)

	next, err = NextRun("*/15 * * * *", epoch)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 1, 8, 45, 0, 0, time.UTC), next)

	_, err = NextRun("not a cron", epoch)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRegister(t *testing.T) {
	s, st, _, _ := newTestScheduler(t)
	ctx := context.Background()

	trig, err := s.Register(ctx, scheduled("dailyReport", "0 9 * * *"))
	require.NoError(t, err)
	assert.Equal(t, "cron:dailyReport", trig.ID)
	assert.True(t, trig.Enabled)

	got, err := st.GetScheduledTrigger(ctx, trig.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC), *got.NextRunAt)
	assert.JSONEq(t, `{"region":"north"}`, string(got.Payload))
}

func TestRegister_Rejects(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := s.Register(ctx, fixtures.LeaveApproval())
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = s.Register(ctx, scheduled("broken", "61 * * * *"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestTick_RunsDueTriggers(t *testing.T) {
	s, st, runner, clk := newTestScheduler(t)
	ctx := context.Background()
	_, err := s.Register(ctx, scheduled("dailyReport", "0 9 * * *"))
	require.NoError(t, err)

	assert.Equal(t, 0, s.Tick(ctx), "not due yet")

	clk.Advance(30 * time.Minute)
	assert.Equal(t, 1, s.Tick(ctx))
	require.Equal(t, 1, runner.count())
	assert.Equal(t, "north", runner.runs[0]["region"])
	assert.Equal(t, "2026-06-01T09:00:00Z", runner.runs[0]["scheduledAt"])

	got, err := st.GetScheduledTrigger(ctx, "cron:dailyReport")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.LastRunStatus)
	assert.Equal(t, time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC), *got.LastRunAt)
	assert.Equal(t, time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC), *got.NextRunAt)

	assert.Equal(t, 0, s.Tick(ctx), "already advanced")
}

func TestTick_SkipsDisabled(t *testing.T) {
	s, _, runner, clk := newTestScheduler(t)
	ctx := context.Background()
	def := scheduled("dailyReport", "0 9 * * *")
	def.Active = false
	_, err := s.Register(ctx, def)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	assert.Equal(t, 0, s.Tick(ctx))
	assert.Equal(t, 0, runner.count())
}

func TestTick_RunnerErrorRecorded(t *testing.T) {
	s, st, runner, clk := newTestScheduler(t)
	ctx := context.Background()
	runner.err = errors.New("definition inactive")
	_, err := s.Register(ctx, scheduled("dailyReport", "0 9 * * *"))
	require.NoError(t, err)

	clk.Advance(time.Hour)
	assert.Equal(t, 1, s.Tick(ctx))

	got, err := st.GetScheduledTrigger(ctx, "cron:dailyReport")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(clk.Now()), "schedule still advances after a failed run")
}

func TestRecoverMissed(t *testing.T) {
	s, st, runner, clk := newTestScheduler(t)
	ctx := context.Background()
	_, err := s.Register(ctx, scheduled("hourly", "0 * * * *"))
	require.NoError(t, err)
	_, err = s.Register(ctx, scheduled("daily", "0 9 * * *"))
	require.NoError(t, err)

	// Down for three hours: hourly missed three runs, daily missed one.
	clk.Advance(3*time.Hour + 10*time.Minute)
	n, err := s.RecoverMissed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, runner.count(), "missed occurrences coalesce")

	got, err := st.GetScheduledTrigger(ctx, "cron:hourly")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC), *got.NextRunAt)
}

func TestSync(t *testing.T) {
	s, st, _, _ := newTestScheduler(t)
	ctx := context.Background()
	_, err := s.Register(ctx, scheduled("old", "0 9 * * *"))
	require.NoError(t, err)

	err = s.Sync(ctx, []*schema.WorkflowDefinition{
		scheduled("dailyReport", "0 9 * * *"),
		fixtures.LeaveApproval(),
	})
	require.NoError(t, err)

	trigs, err := st.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{})
	require.NoError(t, err)
	require.Len(t, trigs, 2)
	assert.Equal(t, "cron:dailyReport", trigs[0].ID)
	assert.True(t, trigs[0].Enabled)
	assert.Equal(t, "cron:old", trigs[1].ID)
	assert.False(t, trigs[1].Enabled)
}

func TestFire_InflightDedup(t *testing.T) {
	s, st, runner, clk := newTestScheduler(t)
	ctx := context.Background()
	runner.block = make(chan struct{})
	_, err := s.Register(ctx, scheduled("dailyReport", "0 9 * * *"))
	require.NoError(t, err)
	clk.Advance(time.Hour)

	trig, err := st.GetScheduledTrigger(ctx, "cron:dailyReport")
	require.NoError(t, err)

	first := make(chan bool)
	go func() { first <- s.fire(ctx, trig, clk.Now()) }()
	require.Eventually(t, func() bool {
		s.inflightMu.Lock()
		defer s.inflightMu.Unlock()
		return len(s.inflight) == 1
	}, time.Second, time.Millisecond)

	assert.False(t, s.fire(ctx, trig, clk.Now()))
	close(runner.block)
	assert.True(t, <-first)
	assert.Equal(t, 1, runner.count())
}

func TestStartStop(t *testing.T) {
	s, _, runner, clk := newTestScheduler(t)
	ctx := context.Background()
	_, err := s.Register(ctx, scheduled("dailyReport", "0 9 * * *"))
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx))

	// Wait for the loop to park on the interval, then move past 09:00.
	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, time.Second, time.Millisecond)
	clk.Advance(time.Hour)
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, time.Millisecond)

	s.Stop()
	s.Stop()
}

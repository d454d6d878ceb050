// Package scheduler starts definitions whose trigger is a cron schedule.
// Registrations are stored so a restart knows which runs it missed.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bizportal/flowd/internal/clock"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/internal/validation"
	"github.com/bizportal/flowd/pkg/schema"
)

// DefaultInterval is how often due triggers are checked.
const DefaultInterval = 30 * time.Second

// Run statuses recorded on a trigger.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Runner starts an instance for a due trigger.
type Runner interface {
	RunScheduled(ctx context.Context, trig *store.ScheduledTrigger, payload map[string]any) error
}

// Scheduler polls the store for due scheduled triggers and runs them.
type Scheduler struct {
	repo     store.TriggerRepo
	runner   Runner
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler. A non-positive interval uses DefaultInterval.
func NewScheduler(repo store.TriggerRepo, runner Runner, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		repo:     repo,
		runner:   runner,
		clock:    clk,
		interval: interval,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// TriggerID is the registration id of a definition's cron trigger.
func TriggerID(definitionID string) string {
	return "cron:" + definitionID
}

// NextRun computes the next run time for a cron expression.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := validation.ParseCron(expr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %v", expr, err)
	}
	return sched.Next(from), nil
}

// Register stores or refreshes the cron trigger of a scheduled definition.
// The next run is recomputed from now; last-run bookkeeping is kept.
func (s *Scheduler) Register(ctx context.Context, def *schema.WorkflowDefinition) (*store.ScheduledTrigger, error) {
	if def.Trigger.Type != schema.TriggerScheduled {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "definition %s is not scheduled", def.ID)
	}
	expr, _ := def.Trigger.Config[schema.TriggerKeyCron].(string)
	next, err := NextRun(expr, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	var payload json.RawMessage
	if p, ok := def.Trigger.Config[schema.TriggerKeyPayload]; ok && p != nil {
		if payload, err = json.Marshal(p); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "scheduled payload is not JSON").WithCause(err)
		}
	}

	trig := &store.ScheduledTrigger{
		ID:             TriggerID(def.ID),
		DefinitionID:   def.ID,
		CronExpression: expr,
		Payload:        payload,
		Enabled:        def.Active,
		NextRunAt:      &next,
	}
	if err := s.repo.UpsertScheduledTrigger(ctx, trig); err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	s.logger.InfoContext(ctx, "scheduled trigger registered",
		slog.String("definition", def.ID),
		slog.String("cron", expr),
		slog.Bool("enabled", trig.Enabled),
		slog.Time("next_run_at", next))
	return trig, nil
}

// Sync registers every scheduled definition in defs and disables stored
// triggers whose definition is no longer scheduled.
func (s *Scheduler) Sync(ctx context.Context, defs []*schema.WorkflowDefinition) error {
	keep := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.Trigger.Type != schema.TriggerScheduled {
			continue
		}
		if _, err := s.Register(ctx, def); err != nil {
			return fmt.Errorf("register %s: %w", def.ID, err)
		}
		keep[TriggerID(def.ID)] = true
	}

	existing, err := s.repo.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{})
	if err != nil {
		return schema.AsFlowError(err, schema.ErrCodeStore)
	}
	disabled := false
	for _, trig := range existing {
		if keep[trig.ID] || !trig.Enabled {
			continue
		}
		if err := s.repo.UpdateScheduledTrigger(ctx, trig.ID, store.ScheduledTriggerUpdate{Enabled: &disabled}); err != nil {
			return schema.AsFlowError(err, schema.ErrCodeStore)
		}
		s.logger.InfoContext(ctx, "scheduled trigger disabled", slog.String("trigger_id", trig.ID))
	}
	return nil
}

// Start launches the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return schema.NewError(schema.ErrCodeExecution, "scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.Info("cron scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
		}
	}
}

// Stop ends the polling loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	s.logger.Info("cron scheduler stopped")
}

// Tick runs every enabled trigger that is due and returns how many ran.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	trigs, err := s.repo.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "list scheduled triggers failed", slog.String("error", err.Error()))
		return 0
	}
	now := s.clock.Now().UTC()
	ran := 0
	for _, trig := range trigs {
		if trig.NextRunAt != nil && trig.NextRunAt.After(now) {
			continue
		}
		if s.fire(ctx, trig, now) {
			ran++
		}
	}
	return ran
}

// RecoverMissed runs once every trigger whose next run passed while the
// process was down. Missed occurrences are coalesced into one run.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	enabled := true
	trigs, err := s.repo.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{Enabled: &enabled})
	if err != nil {
		return 0, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	now := s.clock.Now().UTC()
	recovered := 0
	for _, trig := range trigs {
		if trig.NextRunAt == nil || !trig.NextRunAt.Before(now) {
			continue
		}
		if s.fire(ctx, trig, now) {
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered missed scheduled runs", slog.Int("count", recovered))
	}
	return recovered, nil
}

// fire runs one trigger and advances its schedule. It returns false when
// the trigger was already running.
func (s *Scheduler) fire(ctx context.Context, trig *store.ScheduledTrigger, now time.Time) bool {
	if !s.tryAcquire(trig.ID) {
		return false
	}
	defer s.release(trig.ID)

	log := s.logger.With(slog.String("trigger_id", trig.ID), slog.String("definition", trig.DefinitionID))
	status := StatusSuccess

	payload := map[string]any{}
	if len(trig.Payload) > 0 {
		if err := json.Unmarshal(trig.Payload, &payload); err != nil {
			log.ErrorContext(ctx, "scheduled payload unreadable", slog.String("error", err.Error()))
			status = StatusError
		}
	}
	if status == StatusSuccess {
		payload["scheduledAt"] = now.Format(time.RFC3339)
		if err := s.runner.RunScheduled(ctx, trig, payload); err != nil {
			status = StatusError
			log.ErrorContext(ctx, "scheduled run failed", slog.String("error", err.Error()))
		} else {
			log.InfoContext(ctx, "scheduled run started")
		}
	}

	update := store.ScheduledTriggerUpdate{LastRunAt: &now, LastRunStatus: status}
	if next, err := NextRun(trig.CronExpression, now); err == nil {
		update.NextRunAt = &next
	} else {
		disabled := false
		update.Enabled = &disabled
		log.ErrorContext(ctx, "trigger disabled", slog.String("error", err.Error()))
	}
	if err := s.repo.UpdateScheduledTrigger(ctx, trig.ID, update); err != nil {
		log.ErrorContext(ctx, "trigger bookkeeping failed", slog.String("error", err.Error()))
	}
	return true
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

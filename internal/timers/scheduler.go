// Package timers owns durable pending waits and fires them when due.
//
// Every wait is persisted before it is armed, so a restart re-arms it with
// Load. A fired wait stays in the store until the consumer acknowledges it,
// which makes delivery at-least-once; consumers must tolerate duplicates.
package timers

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bizportal/flowd/internal/clock"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/pkg/schema"
)

// Sink receives fired timers. It is called with the scheduler lock held and
// must not block or call back into the scheduler.
type Sink func(schema.TimerFired)

// maxIdle bounds how long Run sleeps without re-checking the heap.
const maxIdle = time.Minute

// Scheduler arms pending waits on an in-memory heap backed by the store.
type Scheduler struct {
	repo   store.WaitRepo
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	sink  Sink
	heap  waitHeap
	index map[waitKey]*item
	wake  chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler. SetSink must be called before timers can fire.
func NewScheduler(repo store.WaitRepo, clk clock.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		repo:   repo,
		clock:  clk,
		logger: logger,
		index:  make(map[waitKey]*item),
		wake:   make(chan struct{}, 1),
	}
}

// SetSink installs the fire callback.
func (s *Scheduler) SetSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Schedule persists and arms a wait. If a wait already exists for the same
// (instance, step), the existing one is returned unchanged: a deadline is
// never extended by scheduling again.
func (s *Scheduler) Schedule(ctx context.Context, w *schema.PendingWait) (*schema.PendingWait, error) {
	if w.InstanceID == "" || w.StepID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "wait requires instance and step")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(w)
	if it, ok := s.index[k]; ok {
		return copyWait(it.wait), nil
	}

	cp := copyWait(w)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock.Now().UTC()
	}
	if err := s.repo.CreateWait(ctx, cp); err != nil {
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			return nil, schema.AsFlowError(err, schema.ErrCodeStore)
		}
		// Persisted by an earlier run but not loaded yet.
		existing, gerr := s.repo.GetWait(ctx, w.InstanceID, w.StepID)
		if gerr != nil {
			return nil, schema.AsFlowError(gerr, schema.ErrCodeStore)
		}
		cp = existing
	}
	s.push(cp)
	s.logger.DebugContext(ctx, "wait scheduled",
		slog.String("instance_id", cp.InstanceID),
		slog.String("step_id", cp.StepID),
		slog.String("kind", string(cp.Kind)),
		slog.Time("due_at", cp.DueAt))
	return copyWait(cp), nil
}

// Cancel disarms and deletes the wait for (instance, step). It returns
// NOT_FOUND when neither the heap nor the store holds one.
func (s *Scheduler) Cancel(ctx context.Context, instanceID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := waitKey{instanceID: instanceID, stepID: stepID}
	it, armed := s.index[k]
	if armed {
		s.heap.remove(it)
		delete(s.index, k)
	}
	err := s.repo.DeleteWait(ctx, instanceID, stepID)
	switch {
	case err == nil:
		return nil
	case schema.IsCode(err, schema.ErrCodeNotFound):
		if armed {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeNotFound, "no pending wait for %s/%s", instanceID, stepID)
	default:
		return schema.AsFlowError(err, schema.ErrCodeStore)
	}
}

// Ack deletes the stored row of a fired wait. Missing rows are ignored.
func (s *Scheduler) Ack(ctx context.Context, instanceID, stepID string) error {
	err := s.Cancel(ctx, instanceID, stepID)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil
	}
	return err
}

// CancelInstance removes every wait of an instance and returns how many were removed.
func (s *Scheduler) CancelInstance(ctx context.Context, instanceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.disarm(instanceID)
	stored, err := s.repo.ListWaits(ctx, store.WaitFilter{InstanceID: instanceID})
	if err != nil {
		return len(removed), schema.AsFlowError(err, schema.ErrCodeStore)
	}
	for _, w := range stored {
		if err := s.repo.DeleteWait(ctx, w.InstanceID, w.StepID); err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			return len(removed), schema.AsFlowError(err, schema.ErrCodeStore)
		}
		removed[keyOf(w)] = true
	}
	return len(removed), nil
}

// Disarm drops the armed waits of an instance without touching the store.
// It is used once the rows were deleted in the instance's own checkpoint.
func (s *Scheduler) Disarm(instanceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.disarm(instanceID))
}

func (s *Scheduler) disarm(instanceID string) map[waitKey]bool {
	removed := make(map[waitKey]bool)
	for k, it := range s.index {
		if k.instanceID == instanceID {
			s.heap.remove(it)
			delete(s.index, k)
			removed[k] = true
		}
	}
	return removed
}

// Load arms every stored wait that is not armed yet. Call it on startup.
func (s *Scheduler) Load(ctx context.Context) (int, error) {
	waits, err := s.repo.ListWaits(ctx, store.WaitFilter{})
	if err != nil {
		return 0, fmt.Errorf("load pending waits: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range waits {
		if _, ok := s.index[keyOf(w)]; ok {
			continue
		}
		s.push(w)
		n++
	}
	if n > 0 {
		s.logger.Info("pending waits restored", slog.Int("count", n))
	}
	return n, nil
}

// Tick fires every wait due at or before now, in due order, and returns how
// many fired. Fired waits leave the heap but stay in the store until acked.
func (s *Scheduler) Tick(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	fired := 0
	for {
		top := s.heap.peek()
		if top == nil || top.wait.DueAt.After(now) {
			return fired
		}
		heap.Pop(&s.heap)
		delete(s.index, keyOf(top.wait))
		fired++
		if s.sink == nil {
			s.logger.Warn("timer fired without a sink", slog.String("instance_id", top.wait.InstanceID))
			continue
		}
		s.sink(schema.TimerFired{
			InstanceID: top.wait.InstanceID,
			StepID:     top.wait.StepID,
			Kind:       top.wait.Kind,
			DueAt:      top.wait.DueAt,
		})
	}
}

// Armed returns the waits currently on the heap, soonest first.
func (s *Scheduler) Armed() []*schema.PendingWait {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(waitHeap, len(s.heap))
	for i, it := range s.heap {
		cp[i] = &item{wait: it.wait, index: i}
	}
	out := make([]*schema.PendingWait, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, copyWait(heap.Pop(&cp).(*item).wait))
	}
	return out
}

// Start runs the fire loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done != nil {
		return fmt.Errorf("timer scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	s.logger.Info("timer scheduler started")
	return nil
}

// Stop halts the fire loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("timer scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.Tick(s.clock.Now())
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-s.clock.After(s.nextWait()):
		}
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	top := s.heap.peek()
	if top == nil {
		return maxIdle
	}
	d := top.wait.DueAt.Sub(s.clock.Now())
	if d > maxIdle {
		return maxIdle
	}
	return d
}

func (s *Scheduler) push(w *schema.PendingWait) {
	it := &item{wait: w}
	heap.Push(&s.heap, it)
	s.index[keyOf(w)] = it
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func copyWait(w *schema.PendingWait) *schema.PendingWait {
	cp := *w
	cp.Payload = append([]byte(nil), w.Payload...)
	return &cp
}

// Package workers provides the bounded goroutine pool shared by timer
// handling, trigger dispatch and notification delivery.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Metrics is a snapshot of pool counters.
type Metrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Rejected  int64 `json:"rejected"`
}

var (
	// ErrShutdown is returned when work is submitted to a stopped pool.
	ErrShutdown = errors.New("worker pool is shut down")
	// ErrFull is returned by TrySubmit when every slot is busy.
	ErrFull = errors.New("worker pool is full")
)

// Task is one unit of pool work.
type Task func(ctx context.Context) error

// Pool runs tasks on at most size goroutines.
type Pool struct {
	name    string
	sem     chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	logger  *slog.Logger
	metrics Metrics
}

// New creates a pool named name with the given concurrency.
func New(name string, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		name:   name,
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
		logger: logger.With(slog.String("pool", name)),
	}
}

// Submit runs fn on the pool. It blocks while the pool is at capacity and
// gives up when ctx is done or the pool shuts down.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if p.isClosed() {
		return ErrShutdown
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrShutdown
	}
	return p.start(ctx, fn)
}

// TrySubmit runs fn only if a slot is free right now.
func (p *Pool) TrySubmit(ctx context.Context, fn Task) error {
	if p.isClosed() {
		return ErrShutdown
	}
	select {
	case p.sem <- struct{}{}:
	default:
		atomic.AddInt64(&p.metrics.Rejected, 1)
		return ErrFull
	}
	return p.start(ctx, fn)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// start launches fn on an acquired slot. wg.Add happens under mu so
// Shutdown's Wait cannot miss it.
func (p *Pool) start(ctx context.Context, fn Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				p.logger.ErrorContext(ctx, "task panicked", slog.String("panic", fmt.Sprint(r)))
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.logger.DebugContext(ctx, "task failed", slog.String("error", err.Error()))
			return
		}
		atomic.AddInt64(&p.metrics.Completed, 1)
	}()
	return nil
}

// Wait blocks until all submitted work completes.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new work and waits for running tasks. It is idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() Metrics {
	return Metrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
		Rejected:  atomic.LoadInt64(&p.metrics.Rejected),
	}
}

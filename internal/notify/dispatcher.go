// Package notify delivers notification steps. Dispatch queues and returns
// at once; delivery runs on a worker pool and failures are logged, never
// retried.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bizportal/flowd/internal/metrics"
	"github.com/bizportal/flowd/internal/steps"
	"github.com/bizportal/flowd/internal/workers"
	"github.com/bizportal/flowd/pkg/schema"
)

const defaultQueueSize = 1024

// Dispatcher routes notifications to senders by channel.
type Dispatcher struct {
	mu       sync.RWMutex
	routes   map[string]Sender
	fallback Sender

	queue   chan queued
	pool    *workers.Pool
	logger  *slog.Logger
	metrics *metrics.Recorder
	timeout time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool
	stop      chan struct{}
	stopped   chan struct{}
}

type queued struct {
	ctx context.Context
	n   *steps.Notification
}

// Options configures a Dispatcher.
type Options struct {
	QueueSize int
	// SendTimeout bounds a single delivery.
	SendTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// NewDispatcher creates a dispatcher delivering on pool. Unrouted channels
// go to a LogSender.
func NewDispatcher(pool *workers.Pool, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		routes:   make(map[string]Sender),
		fallback: NewLogSender(opts.Logger),
		queue:    make(chan queued, opts.QueueSize),
		pool:     pool,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		timeout:  opts.SendTimeout,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Route sends notifications for channel through s.
func (d *Dispatcher) Route(channel string, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[channel] = s
}

// SetFallback replaces the sender used for unrouted channels.
func (d *Dispatcher) SetFallback(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = s
}

func (d *Dispatcher) sender(channel string) Sender {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.routes[channel]; ok {
		return s
	}
	return d.fallback
}

// Send delivers n synchronously on its channel's sender.
func (d *Dispatcher) Send(ctx context.Context, n *steps.Notification) (*Delivery, error) {
	if n == nil || n.Template == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "notification template is required")
	}
	s := d.sender(n.Channel)
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	del, err := s.Send(ctx, n)
	d.metrics.NotificationSent(ctx, n.Channel, err == nil)
	if err != nil {
		d.logger.WarnContext(ctx, "notification delivery failed",
			slog.String("instance_id", n.InstanceID),
			slog.String("step_id", n.StepID),
			slog.String("channel", n.Channel),
			slog.String("sender", s.Name()),
			slog.String("error", err.Error()))
		return nil, err
	}
	return del, nil
}

// Dispatch queues n for delivery and returns immediately. A full queue
// drops the notification with a warning.
func (d *Dispatcher) Dispatch(ctx context.Context, n *steps.Notification) {
	select {
	case d.queue <- queued{ctx: context.WithoutCancel(ctx), n: n}:
	default:
		d.metrics.NotificationSent(ctx, n.Channel, false)
		d.logger.WarnContext(ctx, "notification queue full, dropping",
			slog.String("instance_id", n.InstanceID),
			slog.String("step_id", n.StepID))
	}
}

// Start begins draining the queue onto the pool.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.running.Store(true)
		go d.pump(ctx)
	})
}

// Stop stops draining and waits for the pump to exit. Queued items not yet
// handed to the pool are logged and dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	if d.running.Load() {
		<-d.stopped
	}
}

func (d *Dispatcher) pump(ctx context.Context) {
	defer close(d.stopped)
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case <-d.stop:
			d.drain()
			return
		case q := <-d.queue:
			err := d.pool.Submit(ctx, func(context.Context) error {
				_, err := d.Send(q.ctx, q.n)
				return err
			})
			if err != nil {
				d.logger.WarnContext(q.ctx, "notification not delivered",
					slog.String("step_id", q.n.StepID), slog.String("error", err.Error()))
			}
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case q := <-d.queue:
			d.logger.WarnContext(q.ctx, "notification dropped on shutdown",
				slog.String("instance_id", q.n.InstanceID), slog.String("step_id", q.n.StepID))
		default:
			return
		}
	}
}

var _ steps.Dispatcher = (*Dispatcher)(nil)

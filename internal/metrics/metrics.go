// Package metrics records engine counters and histograms through the
// OpenTelemetry metric API. With no provider installed the global no-op
// provider is used, so recording is always safe.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bizportal/flowd/internal/workers"
)

const meterName = "github.com/bizportal/flowd"

// Recorder holds the engine instruments. A nil *Recorder records nothing.
type Recorder struct {
	meter         metric.Meter
	instances     metric.Int64Counter
	finished      metric.Int64Counter
	steps         metric.Int64Counter
	stepDuration  metric.Float64Histogram
	retries       metric.Int64Counter
	timers        metric.Int64Counter
	notifications metric.Int64Counter
	decisions     metric.Int64Counter
}

// New builds a Recorder on mp, or on the global provider when mp is nil.
func New(mp metric.MeterProvider) (*Recorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(meterName)
	r := &Recorder{meter: m}

	var err error
	if r.instances, err = m.Int64Counter("flowd.instances.started",
		metric.WithDescription("Workflow instances created")); err != nil {
		return nil, err
	}
	if r.finished, err = m.Int64Counter("flowd.instances.finished",
		metric.WithDescription("Workflow instances that reached a terminal status")); err != nil {
		return nil, err
	}
	if r.steps, err = m.Int64Counter("flowd.steps.executed",
		metric.WithDescription("Step executions by type and result")); err != nil {
		return nil, err
	}
	if r.stepDuration, err = m.Float64Histogram("flowd.steps.duration",
		metric.WithDescription("Step execution latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if r.retries, err = m.Int64Counter("flowd.steps.retries",
		metric.WithDescription("Scheduled step retries")); err != nil {
		return nil, err
	}
	if r.timers, err = m.Int64Counter("flowd.timers.fired",
		metric.WithDescription("Pending waits that came due")); err != nil {
		return nil, err
	}
	if r.notifications, err = m.Int64Counter("flowd.notifications.sent",
		metric.WithDescription("Notification deliveries by channel and result")); err != nil {
		return nil, err
	}
	if r.decisions, err = m.Int64Counter("flowd.approvals.decided",
		metric.WithDescription("Approval resolutions")); err != nil {
		return nil, err
	}
	return r, nil
}

// InstanceStarted counts a new instance.
func (r *Recorder) InstanceStarted(ctx context.Context, definitionID, trigger string) {
	if r == nil {
		return
	}
	r.instances.Add(ctx, 1, metric.WithAttributes(
		attribute.String("definition", definitionID),
		attribute.String("trigger", trigger)))
}

// InstanceFinished counts an instance reaching status.
func (r *Recorder) InstanceFinished(ctx context.Context, definitionID, status string) {
	if r == nil {
		return
	}
	r.finished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("definition", definitionID),
		attribute.String("status", status)))
}

// StepExecuted counts one executor call and its latency.
func (r *Recorder) StepExecuted(ctx context.Context, stepType, result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("step_type", stepType),
		attribute.String("result", result))
	r.steps.Add(ctx, 1, attrs)
	r.stepDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

// RetryScheduled counts a retry of a failed step.
func (r *Recorder) RetryScheduled(ctx context.Context, stepType string) {
	if r == nil {
		return
	}
	r.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("step_type", stepType)))
}

// TimerFired counts a due wait.
func (r *Recorder) TimerFired(ctx context.Context, kind string) {
	if r == nil {
		return
	}
	r.timers.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// NotificationSent counts a delivery attempt.
func (r *Recorder) NotificationSent(ctx context.Context, channel string, ok bool) {
	if r == nil {
		return
	}
	r.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.Bool("ok", ok)))
}

// ApprovalDecided counts an approval resolution.
func (r *Recorder) ApprovalDecided(ctx context.Context, approved, byTimeout bool) {
	if r == nil {
		return
	}
	r.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("approved", approved),
		attribute.Bool("timeout", byTimeout)))
}

// ObservePool exports a pool's active and rejected task counts as gauges.
func (r *Recorder) ObservePool(name string, pool *workers.Pool) error {
	if r == nil || pool == nil {
		return nil
	}
	active, err := r.meter.Int64ObservableGauge("flowd.pool.active",
		metric.WithDescription("Tasks currently running on a worker pool"))
	if err != nil {
		return err
	}
	rejected, err := r.meter.Int64ObservableCounter("flowd.pool.rejected",
		metric.WithDescription("Tasks refused because the pool was full"))
	if err != nil {
		return err
	}
	attrs := metric.WithAttributes(attribute.String("pool", name))
	_, err = r.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		m := pool.Metrics()
		o.ObserveInt64(active, m.Active, attrs)
		o.ObserveInt64(rejected, m.Rejected, attrs)
		return nil
	}, active, rejected)
	return err
}

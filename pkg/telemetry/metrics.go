package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics bundles the pipeline's instruments. A zero endpoint yields
// no-op instruments, so recording is always safe.
type Metrics struct {
	meter metric.Meter

	publishDuration metric.Float64Histogram
	publishEvents   metric.Int64Counter
	publishFaults   metric.Int64Counter
	flushSize       metric.Int64Histogram
	flushDuration   metric.Float64Histogram
	batchDropped    metric.Int64Counter
	batchFallback   metric.Int64Counter
	retryAttempts   metric.Int64Counter
	dlqArrivals     metric.Int64Counter
	storeFallback   metric.Int64Counter
	busDropped      metric.Int64Counter
	malformed       metric.Int64Counter
	subscriptions   metric.Int64UpDownCounter
}

// New creates the instrument set on the given provider.
func New(provider metric.MeterProvider) *Metrics {
	meter := provider.Meter("plenum")
	m := &Metrics{meter: meter}

	m.publishDuration, _ = meter.Float64Histogram("plenum.publish.duration",
		metric.WithDescription("Latency of publish calls"),
		metric.WithUnit("ms"))
	m.publishEvents, _ = meter.Int64Counter("plenum.publish.events",
		metric.WithDescription("Events published, by type and priority"),
		metric.WithUnit("{event}"))
	m.publishFaults, _ = meter.Int64Counter("plenum.publish.faults",
		metric.WithDescription("Internal faults absorbed by publish, by stage"),
		metric.WithUnit("{fault}"))
	m.flushSize, _ = meter.Int64Histogram("plenum.batch.flush.size",
		metric.WithDescription("Events per batch flush"),
		metric.WithUnit("{event}"))
	m.flushDuration, _ = meter.Float64Histogram("plenum.batch.flush.duration",
		metric.WithDescription("Latency of batch flushes"),
		metric.WithUnit("ms"))
	m.batchDropped, _ = meter.Int64Counter("plenum.batch.dropped",
		metric.WithDescription("Low-priority events dropped under buffer pressure"),
		metric.WithUnit("{event}"))
	m.batchFallback, _ = meter.Int64Counter("plenum.batch.fallback",
		metric.WithDescription("Batch writes degraded to per-event writes"),
		metric.WithUnit("{batch}"))
	m.retryAttempts, _ = meter.Int64Counter("plenum.retry.attempts",
		metric.WithDescription("Persistence retry attempts, by outcome"),
		metric.WithUnit("{attempt}"))
	m.dlqArrivals, _ = meter.Int64Counter("plenum.dlq.arrivals",
		metric.WithDescription("Events that exhausted their retry budget"),
		metric.WithUnit("{event}"))
	m.storeFallback, _ = meter.Int64Counter("plenum.store.fallback",
		metric.WithDescription("Replay reads served by the permanent store after a transient-log miss"),
		metric.WithUnit("{read}"))
	m.busDropped, _ = meter.Int64Counter("plenum.bus.dropped",
		metric.WithDescription("Live deliveries dropped on slow subscribers"),
		metric.WithUnit("{event}"))
	m.malformed, _ = meter.Int64Counter("plenum.records.malformed",
		metric.WithDescription("Stored records that failed to decode, by source"),
		metric.WithUnit("{record}"))
	m.subscriptions, _ = meter.Int64UpDownCounter("plenum.subscriptions.active",
		metric.WithDescription("Open live subscriptions"),
		metric.WithUnit("{subscription}"))

	return m
}

// NewNop returns a Metrics whose instruments record nothing. Tests and
// hosts that disable telemetry use this.
func NewNop() *Metrics {
	return New(noop.NewMeterProvider())
}

// RecordPublish notes one publish call.
func (m *Metrics) RecordPublish(ctx context.Context, eventType, priority string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("priority", priority),
	)
	m.publishEvents.Add(ctx, 1, attrs)
	m.publishDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
}

// RecordPublishFault notes an internal fault absorbed by publish.
// Stage is the pipeline step that failed: "sequence", "transient_log",
// "bus", or "persist".
func (m *Metrics) RecordPublishFault(ctx context.Context, stage string) {
	m.publishFaults.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordFlush notes one batch flush.
func (m *Metrics) RecordFlush(ctx context.Context, size int, elapsed time.Duration) {
	m.flushSize.Record(ctx, int64(size))
	m.flushDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0)
}

// RecordBatchDrop counts low-priority events dropped under pressure.
func (m *Metrics) RecordBatchDrop(ctx context.Context, n int) {
	m.batchDropped.Add(ctx, int64(n))
}

// RecordBatchFallback counts a batch write degraded to per-event writes.
func (m *Metrics) RecordBatchFallback(ctx context.Context) {
	m.batchFallback.Add(ctx, 1)
}

// RecordRetryAttempt notes one scheduled retry attempt.
func (m *Metrics) RecordRetryAttempt(ctx context.Context, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.retryAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDLQArrival counts an event moved to the dead-letter queue.
func (m *Metrics) RecordDLQArrival(ctx context.Context) {
	m.dlqArrivals.Add(ctx, 1)
}

// RecordStoreFallback counts a replay read that fell back to the
// permanent store.
func (m *Metrics) RecordStoreFallback(ctx context.Context) {
	m.storeFallback.Add(ctx, 1)
}

// RecordBusDrop counts deliveries lost to a slow subscriber.
func (m *Metrics) RecordBusDrop(ctx context.Context, n int) {
	m.busDropped.Add(ctx, int64(n))
}

// RecordMalformedRecord counts a stored record that failed to decode.
// Source is "transient_log", "retry_queue", or "dlq".
func (m *Metrics) RecordMalformedRecord(ctx context.Context, source string) {
	m.malformed.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// SubscriptionOpened and SubscriptionClosed track the live-subscription
// gauge.
func (m *Metrics) SubscriptionOpened(ctx context.Context) { m.subscriptions.Add(ctx, 1) }
func (m *Metrics) SubscriptionClosed(ctx context.Context) { m.subscriptions.Add(ctx, -1) }

// RegisterPendingEvents exports the batch buffer depth as a gauge.
func (m *Metrics) RegisterPendingEvents(fn func() int64) error {
	_, err := m.meter.Int64ObservableGauge("plenum.batch.pending",
		metric.WithDescription("Events buffered awaiting flush"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}))
	return err
}

// RegisterQueueDepths exports the retry queue and DLQ depths as gauges.
// The callbacks may touch the transient store; observation errors are
// reported to the reader, not the pipeline.
func (m *Metrics) RegisterQueueDepths(retryDepth, dlqDepth func(context.Context) (int64, error)) error {
	if _, err := m.meter.Int64ObservableGauge("plenum.retry.queue.depth",
		metric.WithDescription("Failed events awaiting retry"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			depth, err := retryDepth(ctx)
			if err != nil {
				return err
			}
			o.Observe(depth)
			return nil
		})); err != nil {
		return err
	}
	_, err := m.meter.Int64ObservableGauge("plenum.dlq.depth",
		metric.WithDescription("Events parked on the dead-letter queue"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			depth, err := dlqDepth(ctx)
			if err != nil {
				return err
			}
			o.Observe(depth)
			return nil
		}))
	return err
}

// RegisterBreakerState exports one circuit breaker's position:
// 0 closed, 1 half-open, 2 open.
func (m *Metrics) RegisterBreakerState(downstream string, fn func() int64) error {
	_, err := m.meter.Int64ObservableGauge("plenum.breaker.state",
		metric.WithDescription("Circuit breaker position per downstream (0 closed, 1 half-open, 2 open)"),
		metric.WithUnit("{state}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn(), metric.WithAttributes(attribute.String("downstream", downstream)))
			return nil
		}))
	return err
}

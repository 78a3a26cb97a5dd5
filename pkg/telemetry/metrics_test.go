package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	byName := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			byName[m.Name] = m
		}
	}
	return byName
}

func TestMetricsRecording(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := New(provider)

	m.RecordPublish(ctx, "contribution", "normal", 5*time.Millisecond)
	m.RecordPublish(ctx, "error", "critical", time.Millisecond)
	m.RecordFlush(ctx, 5, 12*time.Millisecond)
	m.RecordRetryAttempt(ctx, true)
	m.RecordRetryAttempt(ctx, false)
	m.RecordDLQArrival(ctx)
	m.RecordStoreFallback(ctx)
	m.RecordBusDrop(ctx, 3)
	m.RecordMalformedRecord(ctx, "retry_queue")
	m.SubscriptionOpened(ctx)

	got := collect(t, reader)

	t.Run("publish counter carries type and priority", func(t *testing.T) {
		data, ok := got["plenum.publish.events"].Data.(metricdata.Sum[int64])
		require.True(t, ok)
		assert.Len(t, data.DataPoints, 2)
	})

	t.Run("flush size histogram records", func(t *testing.T) {
		data, ok := got["plenum.batch.flush.size"].Data.(metricdata.Histogram[int64])
		require.True(t, ok)
		require.Len(t, data.DataPoints, 1)
		assert.Equal(t, uint64(1), data.DataPoints[0].Count)
		assert.Equal(t, int64(5), data.DataPoints[0].Sum)
	})

	t.Run("retry outcomes split success and failure", func(t *testing.T) {
		data, ok := got["plenum.retry.attempts"].Data.(metricdata.Sum[int64])
		require.True(t, ok)
		assert.Len(t, data.DataPoints, 2)
	})

	t.Run("gauges and counters present", func(t *testing.T) {
		for _, name := range []string{
			"plenum.dlq.arrivals",
			"plenum.store.fallback",
			"plenum.bus.dropped",
			"plenum.records.malformed",
			"plenum.subscriptions.active",
		} {
			assert.Contains(t, got, name)
		}
	})
}

func TestMetricsObservableRegistration(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := New(provider)

	require.NoError(t, m.RegisterPendingEvents(func() int64 { return 42 }))
	require.NoError(t, m.RegisterQueueDepths(
		func(context.Context) (int64, error) { return 7, nil },
		func(context.Context) (int64, error) { return 2, nil },
	))
	require.NoError(t, m.RegisterBreakerState("postgres", func() int64 { return 0 }))

	got := collect(t, reader)

	pending, ok := got["plenum.batch.pending"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, pending.DataPoints, 1)
	assert.Equal(t, int64(42), pending.DataPoints[0].Value)

	retry, ok := got["plenum.retry.queue.depth"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, retry.DataPoints, 1)
	assert.Equal(t, int64(7), retry.DataPoints[0].Value)

	dlq, ok := got["plenum.dlq.depth"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, dlq.DataPoints, 1)
	assert.Equal(t, int64(2), dlq.DataPoints[0].Value)

	assert.Contains(t, got, "plenum.breaker.state")
}

func TestNewNopIsSafe(t *testing.T) {
	m := NewNop()
	m.RecordPublish(context.Background(), "contribution", "normal", time.Millisecond)
	m.RecordBatchDrop(context.Background(), 1)
	m.RecordBatchFallback(context.Background())
	m.RecordPublishFault(context.Background(), "bus")
	m.SubscriptionClosed(context.Background())
	require.NoError(t, m.RegisterPendingEvents(func() int64 { return 0 }))
}

func TestInit(t *testing.T) {
	t.Run("empty endpoint installs noop provider", func(t *testing.T) {
		mp, shutdown, err := Init(context.Background(), Config{})
		require.NoError(t, err)
		require.NotNil(t, mp)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("config from env", func(t *testing.T) {
		t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
		t.Setenv("OTEL_SERVICE_NAME", "plenum-test")
		cfg := LoadConfigFromEnv()
		assert.Equal(t, "http://collector:4318", cfg.OTLPEndpoint)
		assert.Equal(t, "plenum-test", cfg.ServiceName)
	})
}

func TestParseEndpoint(t *testing.T) {
	host, insecure, err := parseEndpoint("http://collector:4318")
	require.NoError(t, err)
	assert.Equal(t, "collector:4318", host)
	assert.True(t, insecure)

	host, insecure, err = parseEndpoint("https://otel.example.com")
	require.NoError(t, err)
	assert.Equal(t, "otel.example.com", host)
	assert.False(t, insecure)
}

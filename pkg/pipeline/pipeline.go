// Package pipeline is the deliberation event pipeline facade. A
// Pipeline owns every moving part (sequence counter, transient log,
// pub/sub bus, expert merger, batch persister, retry queue) together
// with their background goroutines. Hosts construct one Pipeline at
// startup, publish into it, subscribe out of it, and shut it down with
// one final flush.
//
// Publish never fails and never blocks on persistence: it performs one
// transient-log write and one bus publish, then hands the envelope to
// the batch persister. Everything downstream of that hand-off runs on
// pipeline-owned goroutines.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/plenumhq/plenum/pkg/batch"
	"github.com/plenumhq/plenum/pkg/config"
	"github.com/plenumhq/plenum/pkg/event"
	"github.com/plenumhq/plenum/pkg/eventstore"
	"github.com/plenumhq/plenum/pkg/merge"
	"github.com/plenumhq/plenum/pkg/retry"
	"github.com/plenumhq/plenum/pkg/sequence"
	"github.com/plenumhq/plenum/pkg/telemetry"
	"github.com/plenumhq/plenum/pkg/transient"
)

// ErrShuttingDown is returned by consumer-facing operations once
// Shutdown has begun.
var ErrShuttingDown = errors.New("pipeline: shutting down")

// Deps are the capabilities a Pipeline is built on.
type Deps struct {
	// Store is the permanent event store. Wrap it with
	// eventstore.NewBreakerStore and set Breaker to export the breaker
	// state.
	Store eventstore.Store

	// Breaker, when set, feeds the breaker state gauge and the health
	// snapshot. Typically the same value as Store.
	Breaker *eventstore.BreakerStore

	// Redis backs the transient log, the pub/sub bus, and the retry
	// queue.
	Redis redis.UniversalClient

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// Metrics defaults to no-op instruments.
	Metrics *telemetry.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Pipeline is the event pipeline facade.
type Pipeline struct {
	cfg     *config.Config
	clock   clockwork.Clock
	metrics *telemetry.Metrics
	logger  *slog.Logger

	store   eventstore.Store
	breaker *eventstore.BreakerStore
	seq     *sequence.Counter
	tlog    *transient.BreakerLog
	bus     *transient.Bus
	merger  *merge.Merger
	batch   *batch.Persister
	retry   *retry.Queue

	running  atomic.Bool
	started  bool
	subCount atomic.Int64
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires a Pipeline from its dependencies. Start must be called
// before publishing.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid config: %w", err)
	}
	if deps.Store == nil {
		return nil, errors.New("pipeline: a permanent store is required")
	}
	if deps.Redis == nil {
		return nil, errors.New("pipeline: a redis client is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNop()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger

	p := &Pipeline{
		cfg:     cfg,
		clock:   deps.Clock,
		metrics: deps.Metrics,
		logger:  logger.With("component", "pipeline"),
		store:   deps.Store,
		breaker: deps.Breaker,
		stopCh:  make(chan struct{}),
	}
	p.seq = sequence.NewCounter(deps.Store)
	p.tlog = transient.NewBreakerLog(
		transient.NewLog(deps.Redis, cfg.TransientTTL, deps.Metrics, logger),
		transient.BreakerConfig{})
	p.bus = transient.NewBus(deps.Redis, cfg.SubscriberBacklog, deps.Metrics, logger)
	p.merger = merge.NewMerger(deps.Clock, cfg.MergeWindow, logger)
	p.retry = retry.NewQueue(deps.Redis, deps.Store, cfg, deps.Clock, deps.Metrics, logger)
	p.batch = batch.NewPersister(deps.Store, p.retry, cfg, deps.Clock, deps.Metrics, logger)

	if err := deps.Metrics.RegisterPendingEvents(p.batch.Len); err != nil {
		return nil, fmt.Errorf("pipeline: register pending gauge: %w", err)
	}
	if err := deps.Metrics.RegisterQueueDepths(p.retry.RetryDepth, p.retry.DLQDepth); err != nil {
		return nil, fmt.Errorf("pipeline: register depth gauges: %w", err)
	}
	if deps.Breaker != nil {
		if err := deps.Metrics.RegisterBreakerState(deps.Breaker.Name(), func() int64 {
			return int64(deps.Breaker.State())
		}); err != nil {
			return nil, fmt.Errorf("pipeline: register breaker gauge: %w", err)
		}
	}
	if err := deps.Metrics.RegisterBreakerState(p.tlog.Name(), func() int64 {
		return int64(p.tlog.State())
	}); err != nil {
		return nil, fmt.Errorf("pipeline: register breaker gauge: %w", err)
	}

	return p, nil
}

// Start launches the background loops: batch flushing, retry scanning,
// and the merge staleness sweeper.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.started {
		p.logger.Warn("Pipeline already started, ignoring duplicate Start call")
		return nil
	}
	p.started = true

	p.batch.Start(ctx)
	p.retry.Start(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runMergeSweeper(ctx)
	}()

	p.running.Store(true)
	p.logger.Info("Pipeline started")
	return nil
}

// Shutdown stops intake, flushes everything pending once, stale merge
// buffers included, and tears the background loops down. Open
// subscriptions close.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Pipeline shutting down")
		p.running.Store(false)
		close(p.stopCh)
		p.wg.Wait()

		// Unmerged sub-events publish as-is before the final flush so
		// nothing rides in a merge buffer across shutdown.
		for _, pend := range p.merger.FlushAll() {
			p.emit(context.WithoutCancel(ctx), pend.SessionID, pend.Draft)
		}

		p.batch.Stop()
		p.retry.Stop()
		p.bus.Close()
		p.logger.Info("Pipeline shut down")
	})
	return err
}

// Publish accepts one deliberation event. It never returns an error and
// never panics: internal faults are logged and counted, and live fanout
// is not blocked by persistence.
func (p *Pipeline) Publish(ctx context.Context, sessionID, eventType string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic absorbed in publish",
				"session_id", sessionID, "event_type", eventType, "panic", r)
		}
	}()

	if !p.running.Load() {
		p.logger.Warn("Publish after shutdown, event dropped",
			"session_id", sessionID, "event_type", eventType)
		return
	}

	start := p.clock.Now()
	priority := event.Classify(eventType)
	draft := merge.Draft{
		EventType: eventType,
		RequestID: event.RequestIDFromContext(ctx),
		Data:      data,
	}

	// Expert sub-events go through the merger first; merge decisions
	// happen before sequencing so a merged contribution consumes one
	// sequence. Critical events bypass merging entirely.
	var drafts []merge.Draft
	if priority != event.PriorityCritical && merge.Eligible(eventType) {
		drafts = p.merger.Offer(sessionID, draft)
	} else {
		drafts = []merge.Draft{draft}
	}

	for _, d := range drafts {
		p.emit(ctx, sessionID, d)
	}
	p.metrics.RecordPublish(ctx, eventType, priority.String(), p.clock.Now().Sub(start))
}

// emit sequences one draft and fans it out: transient log, pub/sub bus,
// persistence. Each stage absorbs its own failure.
func (p *Pipeline) emit(ctx context.Context, sessionID string, d merge.Draft) {
	seq, err := p.seq.Next(ctx, sessionID)
	if err != nil {
		// Without a sequence the envelope cannot exist; this is the one
		// fault that loses the event. It requires the permanent store
		// to be down on the session's very first publish.
		p.metrics.RecordPublishFault(ctx, "sequence")
		p.logger.Error("Failed to assign sequence, event lost",
			"session_id", sessionID, "event_type", d.EventType, "error", err)
		return
	}

	env := event.Envelope{
		SessionID: sessionID,
		Sequence:  seq,
		EventType: d.EventType,
		Timestamp: p.clock.Now().UTC(),
		RequestID: d.RequestID,
		Data:      d.Data,
	}

	logCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	err = p.tlog.Append(logCtx, env)
	cancel()
	if err != nil {
		// Non-fatal: replay falls back to the permanent store.
		p.metrics.RecordPublishFault(ctx, "transient_log")
		p.logger.Warn("Transient log write failed",
			"session_id", sessionID, "sequence", seq, "error", err)
	}

	busCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	err = p.bus.Publish(busCtx, env)
	cancel()
	if err != nil {
		// Non-fatal: live subscribers recover through catchup.
		p.metrics.RecordPublishFault(ctx, "bus")
		p.logger.Warn("Live publish failed",
			"session_id", sessionID, "sequence", seq, "error", err)
	}

	p.batch.Queue(ctx, env)
}

// FlushSession publishes any pending expert sub-events for the session
// unmerged, then drains its batch buffer. When it returns, every event
// published for the session is in the permanent store or on the retry
// queue.
func (p *Pipeline) FlushSession(ctx context.Context, sessionID string) error {
	for _, d := range p.merger.FlushSession(sessionID) {
		p.emit(ctx, sessionID, d)
	}
	return p.batch.FlushSession(ctx, sessionID)
}

// RetryDepth reports the number of events awaiting a persistence retry.
func (p *Pipeline) RetryDepth(ctx context.Context) (int64, error) {
	return p.retry.RetryDepth(ctx)
}

// DLQDepth reports the number of dead-lettered events.
func (p *Pipeline) DLQDepth(ctx context.Context) (int64, error) {
	return p.retry.DLQDepth(ctx)
}

// DLQEntries returns up to limit dead-lettered records for inspection.
func (p *Pipeline) DLQEntries(ctx context.Context, limit int64) ([]event.FailedEvent, error) {
	return p.retry.DLQEntries(ctx, limit)
}

// Health snapshots the pipeline for operator endpoints.
func (p *Pipeline) Health(ctx context.Context) event.Health {
	h := event.Health{
		Running:             p.running.Load(),
		BufferedEvents:      p.batch.Len(),
		PendingMerges:       p.merger.PendingCount(),
		ActiveSubscriptions: p.subCount.Load(),
	}

	var depthErr error
	if h.RetryDepth, depthErr = p.retry.RetryDepth(ctx); depthErr == nil {
		h.DLQDepth, depthErr = p.retry.DLQDepth(ctx)
	}
	if depthErr != nil {
		h.TransientError = depthErr.Error()
	}

	h.Breakers = map[string]string{
		p.tlog.Name(): p.tlog.State().String(),
	}
	if p.breaker != nil {
		h.Breakers[p.breaker.Name()] = p.breaker.State().String()
	}
	return h
}

// runMergeSweeper flushes stale expert merge buffers so a partial
// pattern cannot sit forever when an expert never concludes.
func (p *Pipeline) runMergeSweeper(ctx context.Context) {
	ticker := p.clock.NewTicker(p.cfg.MergeWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.Chan():
			for _, pend := range p.merger.Sweep() {
				p.logger.Info("Publishing stale expert sub-event unmerged",
					"session_id", pend.SessionID, "event_type", pend.Draft.EventType)
				p.emit(ctx, pend.SessionID, pend.Draft)
			}
		}
	}
}

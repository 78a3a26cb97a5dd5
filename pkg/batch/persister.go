// Package batch coalesces permanent-store writes. Normal and low
// priority events accumulate in a bounded buffer and flush as one batch
// when the coalescing window elapses, the batch size trigger fires, or
// the buffer hits its hard cap. Critical events skip the buffer: the
// session's pending events flush first, then the critical event is
// written in the same call.
//
// Failed writes are handed to a failure sink (the retry queue); from
// the persister's perspective a handed-off event has left the building,
// so session flushes never hang on a struggling store.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/pool"

	"github.com/plenumhq/plenum/pkg/config"
	"github.com/plenumhq/plenum/pkg/event"
	"github.com/plenumhq/plenum/pkg/eventstore"
	"github.com/plenumhq/plenum/pkg/telemetry"
)

// FailureSink receives events the persister could not write.
// Implemented by retry.Queue.
type FailureSink interface {
	Enqueue(ctx context.Context, env event.Envelope, cause error) error
}

// Persister buffers envelopes and writes them to the permanent store in
// batches. One flush loop owns the window timer; a bounded worker pool
// performs the actual writes so a slow store cannot stall intake.
type Persister struct {
	store   eventstore.Store
	sink    FailureSink
	cfg     *config.Config
	clock   clockwork.Clock
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	buf     []event.Envelope
	pending map[string]int             // per-session events buffered or in flight
	waiters map[string][]chan struct{} // FlushSession waiters, closed at zero pending

	armCh    chan struct{} // first element buffered: start the window timer
	kickCh   chan struct{} // size or pressure trigger: flush now
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	workers  *pool.Pool
	started  bool
}

// NewPersister creates a batch persister. Start launches the flush loop.
func NewPersister(store eventstore.Store, sink FailureSink, cfg *config.Config, clock clockwork.Clock, metrics *telemetry.Metrics, logger *slog.Logger) *Persister {
	if metrics == nil {
		metrics = telemetry.NewNop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		store:   store,
		sink:    sink,
		cfg:     cfg,
		clock:   clock,
		metrics: metrics,
		logger:  logger.With("component", "batch_persister"),
		pending: make(map[string]int),
		waiters: make(map[string][]chan struct{}),
		armCh:   make(chan struct{}, 1),
		kickCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the flush loop and the persist worker pool.
func (p *Persister) Start(ctx context.Context) {
	if p.started {
		p.logger.Warn("Batch persister already started, ignoring duplicate Start call")
		return
	}
	p.started = true
	p.workers = pool.New().WithMaxGoroutines(p.cfg.PersistWorkers)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
	p.logger.Info("Batch persister started",
		"window", p.cfg.BatchWindow,
		"batch_max", p.cfg.BatchMax,
		"buffer_cap", p.cfg.BufferCap,
		"workers", p.cfg.PersistWorkers)
}

// Stop flushes everything buffered once more, waits for in-flight
// writes, and halts the loop.
func (p *Persister) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("Batch persister stopped")
}

// Queue routes one envelope to persistence. Critical envelopes are
// written before Queue returns; the rest wait for the next flush.
func (p *Persister) Queue(ctx context.Context, env event.Envelope) {
	if event.Classify(env.EventType) == event.PriorityCritical {
		p.queueCritical(ctx, env)
		return
	}

	p.mu.Lock()
	if len(p.buf) >= p.cfg.BufferCap {
		if !p.dropOldestLowLocked(ctx) {
			// All-normal buffer: nothing droppable, force a flush and
			// let the buffer overshoot by this one entry.
			p.signal(p.kickCh)
		}
	}
	p.buf = append(p.buf, env)
	p.pending[env.SessionID]++
	first := len(p.buf) == 1
	full := len(p.buf) >= p.cfg.BatchMax
	p.mu.Unlock()

	if first {
		p.signal(p.armCh)
	}
	if full {
		p.signal(p.kickCh)
	}
}

// queueCritical flushes the session's buffered events, then writes the
// critical envelope in the same call. Failures go to the sink; the
// caller never sees them.
func (p *Persister) queueCritical(ctx context.Context, env event.Envelope) {
	buffered := p.extractSession(env.SessionID)
	if len(buffered) > 0 {
		p.writeBatch(ctx, buffered)
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	err := p.store.SaveEvent(writeCtx, env)
	cancel()
	if err != nil {
		p.logger.Error("Critical event write failed, queueing for retry",
			"session_id", env.SessionID,
			"sequence", env.Sequence,
			"event_type", env.EventType,
			"error", err)
		p.toSink(ctx, env, err)
	}
}

// FlushSession writes every buffered event for the session and returns
// once nothing for it remains buffered or in flight. After it returns,
// every queued event for the session is either in the permanent store
// or on the retry queue.
func (p *Persister) FlushSession(ctx context.Context, sessionID string) error {
	buffered := p.extractSession(sessionID)
	if len(buffered) > 0 {
		p.writeBatch(ctx, buffered)
	}

	p.mu.Lock()
	if p.pending[sessionID] == 0 {
		p.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	p.waiters[sessionID] = append(p.waiters[sessionID], done)
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush session %s: %w", sessionID, ctx.Err())
	}
}

// Len reports the buffered event count, exported as the pending gauge.
func (p *Persister) Len() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.buf))
}

func (p *Persister) run(ctx context.Context) {
	// The window timer is armed only while the buffer is non-empty;
	// it starts parked.
	timer := p.clock.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case <-p.stopCh:
			timer.Stop()
			p.flushAll(context.WithoutCancel(ctx))
			p.workers.Wait()
			return
		case <-p.armCh:
			timer.Reset(p.cfg.BatchWindow)
		case <-timer.Chan():
			p.flushAll(ctx)
		case <-p.kickCh:
			timer.Stop()
			p.flushAll(ctx)
		}
	}
}

// flushAll drains the whole buffer and hands it to the worker pool as
// one batch, preserving insertion order within the batch.
func (p *Persister) flushAll(ctx context.Context) {
	p.mu.Lock()
	batch := p.buf
	p.buf = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	p.workers.Go(func() {
		p.writeBatch(ctx, batch)
	})
}

// writeBatch persists a drained batch. On batch failure it degrades to
// per-envelope writes so one poison event cannot sink its batchmates;
// individual failures go to the sink. Every envelope is released from
// the session's pending count exactly once.
func (p *Persister) writeBatch(ctx context.Context, batch []event.Envelope) {
	start := p.clock.Now()

	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	err := p.store.SaveEventsBatch(writeCtx, batch)
	cancel()

	if err == nil {
		p.metrics.RecordFlush(ctx, len(batch), p.clock.Now().Sub(start))
		p.logger.Debug("Batch flushed", "size", len(batch))
		p.release(batch)
		return
	}

	p.metrics.RecordBatchFallback(ctx)
	p.logger.Warn("Batch write failed, falling back to per-event writes",
		"size", len(batch), "error", err)

	for _, env := range batch {
		writeCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
		saveErr := p.store.SaveEvent(writeCtx, env)
		cancel()
		if saveErr != nil {
			p.toSink(ctx, env, saveErr)
		}
	}
	p.metrics.RecordFlush(ctx, len(batch), p.clock.Now().Sub(start))
	p.release(batch)
}

// dropOldestLowLocked removes the oldest low-priority entry to admit a
// new one. Caller holds p.mu.
func (p *Persister) dropOldestLowLocked(ctx context.Context) bool {
	for i, env := range p.buf {
		if event.Classify(env.EventType) != event.PriorityLow {
			continue
		}
		p.logger.Warn("Dropping low-priority event under buffer pressure",
			"session_id", env.SessionID,
			"sequence", env.Sequence,
			"event_type", env.EventType)
		p.metrics.RecordBatchDrop(ctx, 1)
		p.buf = append(p.buf[:i], p.buf[i+1:]...)
		p.releaseOneLocked(env.SessionID)
		return true
	}
	return false
}

// extractSession removes and returns the session's buffered entries in
// insertion order. Their pending counts are released by the subsequent
// writeBatch.
func (p *Persister) extractSession(sessionID string) []event.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	var mine, rest []event.Envelope
	for _, env := range p.buf {
		if env.SessionID == sessionID {
			mine = append(mine, env)
		} else {
			rest = append(rest, env)
		}
	}
	p.buf = rest
	return mine
}

func (p *Persister) toSink(ctx context.Context, env event.Envelope, cause error) {
	if err := p.sink.Enqueue(ctx, env, cause); err != nil {
		p.logger.Error("Failed to queue event for retry; event at risk",
			"session_id", env.SessionID,
			"sequence", env.Sequence,
			"error", err)
	}
}

func (p *Persister) release(batch []event.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, env := range batch {
		p.releaseOneLocked(env.SessionID)
	}
}

// releaseOneLocked decrements a session's pending count and wakes
// FlushSession waiters at zero. Caller holds p.mu.
func (p *Persister) releaseOneLocked(sessionID string) {
	n := p.pending[sessionID] - 1
	if n > 0 {
		p.pending[sessionID] = n
		return
	}
	delete(p.pending, sessionID)
	for _, done := range p.waiters[sessionID] {
		close(done)
	}
	delete(p.waiters, sessionID)
}

func (p *Persister) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

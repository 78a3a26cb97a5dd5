// Package retry holds events that failed to persist and replays them
// against the permanent store on an exponential schedule. Records that
// exhaust the retry budget park on the dead-letter queue for manual
// inspection; nothing drains the DLQ automatically.
//
// Both queues are Redis sorted sets: the retry queue scored by the next
// attempt time, the DLQ by arrival time. Scoring by time makes the
// scheduler a range read, and ZREM doubles as an atomic claim when
// several scanners run against the same store.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/plenumhq/plenum/pkg/config"
	"github.com/plenumhq/plenum/pkg/event"
	"github.com/plenumhq/plenum/pkg/eventstore"
	"github.com/plenumhq/plenum/pkg/telemetry"
)

const (
	// retryQueueKey scores serialised FailedEvent records by next_retry_at.
	retryQueueKey = "events:retry_queue"

	// dlqKey scores exhausted records by moved_to_dlq_at.
	dlqKey = "events:dlq"
)

// Queue is the failed-event retry queue plus its DLQ.
type Queue struct {
	client  redis.UniversalClient
	store   eventstore.Store
	cfg     *config.Config
	clock   clockwork.Clock
	metrics *telemetry.Metrics
	logger  *slog.Logger

	scanner *scanner
}

// NewQueue creates the retry queue. Start launches the scanner; a queue
// that is never started still accepts Enqueue and serves depth reads.
func NewQueue(client redis.UniversalClient, store eventstore.Store, cfg *config.Config, clock clockwork.Clock, metrics *telemetry.Metrics, logger *slog.Logger) *Queue {
	if metrics == nil {
		metrics = telemetry.NewNop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		client:  client,
		store:   store,
		cfg:     cfg,
		clock:   clock,
		metrics: metrics,
		logger:  logger.With("component", "retry_queue"),
	}
	q.scanner = newScanner(q)
	return q
}

// Enqueue records a fresh persistence failure. The first retry is
// scheduled one backoff step out.
func (q *Queue) Enqueue(ctx context.Context, env event.Envelope, cause error) error {
	now := q.clock.Now().UTC()
	rec := event.FailedEvent{
		Envelope:      env,
		RetryCount:    0,
		FirstFailedAt: now,
		NextRetryAt:   now.Add(q.cfg.RetryDelay(0)),
		OriginalError: cause.Error(),
	}
	if err := q.add(ctx, retryQueueKey, rec, rec.NextRetryAt); err != nil {
		return err
	}
	q.logger.Warn("Event queued for retry",
		"session_id", env.SessionID,
		"sequence", env.Sequence,
		"event_type", env.EventType,
		"next_retry_at", rec.NextRetryAt,
		"error", cause)
	return nil
}

// RetryDepth returns the number of events awaiting retry.
func (q *Queue) RetryDepth(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, retryQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("retry queue: depth: %w", err)
	}
	return n, nil
}

// DLQDepth returns the number of dead-lettered events.
func (q *Queue) DLQDepth(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, dlqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("retry queue: dlq depth: %w", err)
	}
	return n, nil
}

// DLQEntries returns up to limit dead-lettered records, oldest first.
// Inspection only; entries stay parked.
func (q *Queue) DLQEntries(ctx context.Context, limit int64) ([]event.FailedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.client.ZRange(ctx, dlqKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("retry queue: read dlq: %w", err)
	}
	recs := make([]event.FailedEvent, 0, len(raw))
	for _, member := range raw {
		var rec event.FailedEvent
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			q.metrics.RecordMalformedRecord(ctx, "dlq")
			q.logger.Warn("Skipping malformed DLQ record", "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Start launches the background scanner.
func (q *Queue) Start(ctx context.Context) {
	q.scanner.start(ctx)
}

// Stop halts the scanner after one final pass over due records.
func (q *Queue) Stop() {
	q.scanner.stop()
}

func (q *Queue) add(ctx context.Context, key string, rec event.FailedEvent, at time.Time) error {
	member, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("retry queue: encode record %s: %w", rec.Envelope.EventID(), err)
	}
	if err := q.client.ZAdd(ctx, key, redis.Z{Score: score(at), Member: member}).Err(); err != nil {
		return fmt.Errorf("retry queue: add to %s: %w", key, err)
	}
	return nil
}

// score maps a time to a sorted-set score, keeping sub-second
// resolution so same-second records stay FIFO by insertion time.
func score(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

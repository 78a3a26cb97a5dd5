package retry

import (
	"context"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/plenumhq/plenum/pkg/event"
)

// scanner is the background loop that claims due records and replays
// them against the permanent store.
type scanner struct {
	q *Queue

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	// Edge-triggered DLQ alerts: warn/critical fire once per crossing
	// and re-arm when the depth falls back under the threshold.
	warnActive     bool
	criticalActive bool
}

func newScanner(q *Queue) *scanner {
	return &scanner{q: q, stopCh: make(chan struct{})}
}

func (s *scanner) start(ctx context.Context) {
	if s.started {
		s.q.logger.Warn("Retry scanner already started, ignoring duplicate Start call")
		return
	}
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

func (s *scanner) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *scanner) run(ctx context.Context) {
	s.q.logger.Info("Retry scanner started", "interval", s.q.cfg.RetryScanInterval)
	ticker := s.q.clock.NewTicker(s.q.cfg.RetryScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.q.logger.Info("Retry scanner stopped", "reason", ctx.Err())
			return
		case <-s.stopCh:
			// One final pass so shutdown does not strand due records.
			s.scanOnce(context.WithoutCancel(ctx))
			s.q.logger.Info("Retry scanner stopped")
			return
		case <-ticker.Chan():
			s.scanOnce(ctx)
		}
	}
}

// scanOnce claims every record due by now and attempts persistence.
// The ZREM claim makes concurrent scanners safe: whichever scanner
// removes the member owns the attempt, the others skip it.
func (s *scanner) scanOnce(ctx context.Context) {
	now := s.q.clock.Now().UTC()
	due, err := s.q.client.ZRangeByScore(ctx, retryQueueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(score(now), 'f', -1, 64),
	}).Result()
	if err != nil {
		s.q.logger.Error("Retry scan failed", "error", err)
		return
	}

	for _, member := range due {
		removed, err := s.q.client.ZRem(ctx, retryQueueKey, member).Result()
		if err != nil {
			s.q.logger.Error("Retry claim failed", "error", err)
			continue
		}
		if removed == 0 {
			// Another scanner claimed it first.
			continue
		}

		var rec event.FailedEvent
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			// Malformed record: already removed by the claim, count it
			// and move on. The scanner must survive bad data.
			s.q.metrics.RecordMalformedRecord(ctx, "retry_queue")
			s.q.logger.Error("Discarding malformed retry record", "error", err)
			continue
		}

		s.attempt(ctx, rec)
	}

	s.checkDLQThresholds(ctx)
}

func (s *scanner) attempt(ctx context.Context, rec event.FailedEvent) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.q.cfg.StoreTimeout)
	err := s.q.store.SaveEvent(attemptCtx, rec.Envelope)
	cancel()

	if err == nil {
		s.q.metrics.RecordRetryAttempt(ctx, true)
		s.q.logger.Info("Retried event persisted",
			"session_id", rec.Envelope.SessionID,
			"sequence", rec.Envelope.Sequence,
			"retry_count", rec.RetryCount)
		return
	}

	s.q.metrics.RecordRetryAttempt(ctx, false)
	rec.RetryCount++
	rec.LastError = err.Error()

	if rec.RetryCount >= s.q.cfg.RetryMaxAttempts {
		s.deadletter(ctx, rec)
		return
	}

	now := s.q.clock.Now().UTC()
	rec.NextRetryAt = now.Add(s.q.cfg.RetryDelay(rec.RetryCount))
	if addErr := s.q.add(ctx, retryQueueKey, rec, rec.NextRetryAt); addErr != nil {
		s.q.logger.Error("Failed to reschedule retry; event at risk",
			"session_id", rec.Envelope.SessionID,
			"sequence", rec.Envelope.Sequence,
			"error", addErr)
		return
	}
	s.q.logger.Warn("Retry attempt failed, rescheduled",
		"session_id", rec.Envelope.SessionID,
		"sequence", rec.Envelope.Sequence,
		"retry_count", rec.RetryCount,
		"next_retry_at", rec.NextRetryAt,
		"error", err)
}

func (s *scanner) deadletter(ctx context.Context, rec event.FailedEvent) {
	now := s.q.clock.Now().UTC()
	rec.MovedToDLQAt = &now
	if err := s.q.add(ctx, dlqKey, rec, now); err != nil {
		s.q.logger.Error("Failed to move event to DLQ; event at risk",
			"session_id", rec.Envelope.SessionID,
			"sequence", rec.Envelope.Sequence,
			"error", err)
		return
	}
	s.q.metrics.RecordDLQArrival(ctx)
	s.q.logger.Error("Event moved to DLQ after exhausting retries",
		"session_id", rec.Envelope.SessionID,
		"sequence", rec.Envelope.Sequence,
		"event_type", rec.Envelope.EventType,
		"retry_count", rec.RetryCount,
		"first_failed_at", rec.FirstFailedAt,
		"original_error", rec.OriginalError,
		"last_error", rec.LastError)
}

func (s *scanner) checkDLQThresholds(ctx context.Context) {
	depth, err := s.q.DLQDepth(ctx)
	if err != nil {
		s.q.logger.Error("DLQ depth check failed", "error", err)
		return
	}

	critical := s.q.cfg.DLQCriticalThreshold > 0 && depth >= s.q.cfg.DLQCriticalThreshold
	warn := s.q.cfg.DLQWarnThreshold > 0 && depth >= s.q.cfg.DLQWarnThreshold

	if critical && !s.criticalActive {
		s.q.logger.Error("DLQ depth crossed critical threshold",
			"depth", depth, "threshold", s.q.cfg.DLQCriticalThreshold)
	} else if warn && !s.warnActive && !critical {
		s.q.logger.Warn("DLQ depth crossed warning threshold",
			"depth", depth, "threshold", s.q.cfg.DLQWarnThreshold)
	}
	s.criticalActive = critical
	s.warnActive = warn
}

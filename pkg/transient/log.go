// Package transient wraps the Redis-backed transient store: the
// per-session history list used for reconnect replay (the transient
// log) and the pub/sub topic fanout used for live delivery.
//
// Both components are best-effort. Redis being down degrades the
// pipeline (replays fall back to the permanent store, live subscribers
// recover through catchup) but never fails a publish.
package transient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/plenumhq/plenum/pkg/event"
	"github.com/plenumhq/plenum/pkg/telemetry"
)

// Log is the bounded-TTL per-session history list, the fast source for
// reconnect replay. Entries are appended in publish order, which equals
// ascending sequence order per session.
type Log struct {
	client  redis.UniversalClient
	ttl     time.Duration
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewLog creates a transient log with the given retention TTL.
func NewLog(client redis.UniversalClient, ttl time.Duration, metrics *telemetry.Metrics, logger *slog.Logger) *Log {
	if metrics == nil {
		metrics = telemetry.NewNop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		client:  client,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger.With("component", "transient_log"),
	}
}

// Append pushes the envelope onto the session's history list and
// refreshes the list TTL, both in one round-trip.
func (l *Log) Append(ctx context.Context, env event.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transient log: encode envelope %s: %w", env.EventID(), err)
	}

	key := event.HistoryKey(env.SessionID)
	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("transient log: append %s: %w", env.EventID(), err)
	}
	return nil
}

// Range returns the session's envelopes with sequence greater than
// sinceSequence, in ascending sequence order. Entries that fail to
// decode are skipped and counted; a partial history is better than none.
func (l *Log) Range(ctx context.Context, sessionID string, sinceSequence int64) ([]event.Envelope, error) {
	raw, err := l.client.LRange(ctx, event.HistoryKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("transient log: range %s: %w", sessionID, err)
	}

	var envs []event.Envelope
	for _, entry := range raw {
		var env event.Envelope
		if err := json.Unmarshal([]byte(entry), &env); err != nil {
			l.metrics.RecordMalformedRecord(ctx, "transient_log")
			l.logger.Warn("Skipping malformed history entry",
				"session_id", sessionID, "error", err)
			continue
		}
		if env.Sequence > sinceSequence {
			envs = append(envs, env)
		}
	}
	return envs, nil
}

// Len returns the session's history length.
func (l *Log) Len(ctx context.Context, sessionID string) (int64, error) {
	n, err := l.client.LLen(ctx, event.HistoryKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("transient log: len %s: %w", sessionID, err)
	}
	return n, nil
}

// Package eventstore persists the authoritative per-session event log in
// PostgreSQL. Writes are idempotent on (session_id, sequence) so the
// at-least-once retry path can safely re-deliver.
package eventstore

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plenumhq/plenum/pkg/event"
)

// Store is the permanent-store capability the pipeline depends on.
type Store interface {
	// SaveEvent persists one envelope. Saving an envelope that already
	// exists is a no-op, not an error.
	SaveEvent(ctx context.Context, env event.Envelope) error

	// SaveEventsBatch persists envelopes atomically in slice order.
	SaveEventsBatch(ctx context.Context, envs []event.Envelope) error

	// GetEvents returns a session's envelopes with sequence greater
	// than sinceSequence, in ascending sequence order.
	GetEvents(ctx context.Context, sessionID string, sinceSequence int64) ([]event.Envelope, error)

	// MaxSequence returns the highest persisted sequence for a session,
	// or 0 when the session has no events.
	MaxSequence(ctx context.Context, sessionID string) (int64, error)
}

// PostgresStore implements Store over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore backed by the provided pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const (
	insertEventSQL = `
INSERT INTO session_events (session_id, sequence, event_type, request_id, payload, created_at)
VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb), $6)
ON CONFLICT (session_id, sequence) DO NOTHING;
`

	selectEventsSQL = `
SELECT session_id, sequence, event_type, request_id, payload, created_at
FROM session_events
WHERE session_id = $1
  AND sequence > $2
ORDER BY sequence ASC;
`

	maxSequenceSQL = `
SELECT COALESCE(MAX(sequence), 0)
FROM session_events
WHERE session_id = $1;
`
)

// SaveEvent persists one envelope.
func (s *PostgresStore) SaveEvent(ctx context.Context, env event.Envelope) error {
	if s.pool == nil {
		return fmt.Errorf("event store: nil pool")
	}
	args, err := insertArgs(env)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, insertEventSQL, args...); err != nil {
		return fmt.Errorf("event store: save event %s: %w", env.EventID(), err)
	}
	return nil
}

// SaveEventsBatch persists envelopes atomically: either every envelope
// is durable or none is. Envelopes are written in slice order.
func (s *PostgresStore) SaveEventsBatch(ctx context.Context, envs []event.Envelope) error {
	if s.pool == nil {
		return fmt.Errorf("event store: nil pool")
	}
	if len(envs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, env := range envs {
		args, err := insertArgs(env)
		if err != nil {
			return err
		}
		batch.Queue(insertEventSQL, args...)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("event store: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	results := tx.SendBatch(ctx, batch)
	for range envs {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("event store: batch write: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("event store: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("event store: commit batch: %w", err)
	}
	return nil
}

// GetEvents returns a session's envelopes after sinceSequence in
// ascending sequence order.
func (s *PostgresStore) GetEvents(ctx context.Context, sessionID string, sinceSequence int64) ([]event.Envelope, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("event store: nil pool")
	}
	rows, err := s.pool.Query(ctx, selectEventsSQL, sessionID, sinceSequence)
	if err != nil {
		return nil, fmt.Errorf("event store: get events: %w", err)
	}
	defer rows.Close()

	var envs []event.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event store: iterate events: %w", err)
	}
	return envs, nil
}

// MaxSequence returns the highest persisted sequence for a session.
func (s *PostgresStore) MaxSequence(ctx context.Context, sessionID string) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("event store: nil pool")
	}
	var maxSeq int64
	if err := s.pool.QueryRow(ctx, maxSequenceSQL, sessionID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("event store: max sequence: %w", err)
	}
	return maxSeq, nil
}

func insertArgs(env event.Envelope) ([]any, error) {
	var payload []byte
	if env.Data != nil {
		var err error
		payload, err = json.Marshal(env.Data)
		if err != nil {
			return nil, fmt.Errorf("event store: encode payload for %s: %w", env.EventID(), err)
		}
	}
	var requestID *string
	if env.RequestID != "" {
		requestID = &env.RequestID
	}
	return []any{env.SessionID, env.Sequence, env.EventType, requestID, payload, env.Timestamp}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (event.Envelope, error) {
	var (
		env       event.Envelope
		requestID pgtype.Text
		payload   []byte
	)
	if err := row.Scan(
		&env.SessionID,
		&env.Sequence,
		&env.EventType,
		&requestID,
		&payload,
		&env.Timestamp,
	); err != nil {
		return event.Envelope{}, fmt.Errorf("event store: scan event: %w", err)
	}
	if requestID.Valid {
		env.RequestID = requestID.String
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &env.Data); err != nil {
			return event.Envelope{}, fmt.Errorf("event store: decode payload for %s: %w", env.EventID(), err)
		}
	}
	env.Timestamp = env.Timestamp.UTC()
	return env, nil
}

var _ Store = (*PostgresStore)(nil)

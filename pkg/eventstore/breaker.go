package eventstore

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/plenumhq/plenum/pkg/event"
)

// BreakerConfig tunes the circuit breaker guarding the permanent store.
type BreakerConfig struct {
	// Name labels the breaker in logs and the state gauge.
	Name string

	// ConsecutiveFailures trips the breaker open. Zero means 5.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before probing
	// with a half-open request. Zero means 30s.
	OpenTimeout time.Duration
}

// BreakerStore decorates a Store with a circuit breaker so a struggling
// database fails fast instead of stacking timeouts. Open-state errors
// count as retryable persistence failures and flow to the retry queue
// like any other store error.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps inner with a circuit breaker.
func NewBreakerStore(inner Store, cfg BreakerConfig) *BreakerStore {
	if cfg.Name == "" {
		cfg.Name = "postgres"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
	}
	return &BreakerStore{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

// State reports the breaker position for the health snapshot and the
// state gauge: 0 closed, 1 half-open, 2 open.
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

// Name returns the breaker label.
func (b *BreakerStore) Name() string {
	return b.cb.Name()
}

func (b *BreakerStore) SaveEvent(ctx context.Context, env event.Envelope) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.SaveEvent(ctx, env)
	})
	return err
}

func (b *BreakerStore) SaveEventsBatch(ctx context.Context, envs []event.Envelope) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.SaveEventsBatch(ctx, envs)
	})
	return err
}

func (b *BreakerStore) GetEvents(ctx context.Context, sessionID string, sinceSequence int64) ([]event.Envelope, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.GetEvents(ctx, sessionID, sinceSequence)
	})
	if err != nil {
		return nil, err
	}
	return res.([]event.Envelope), nil
}

func (b *BreakerStore) MaxSequence(ctx context.Context, sessionID string) (int64, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.MaxSequence(ctx, sessionID)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

var _ Store = (*BreakerStore)(nil)

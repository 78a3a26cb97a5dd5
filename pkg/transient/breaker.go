package transient

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/plenumhq/plenum/pkg/event"
)

// BreakerConfig tunes the circuit breaker guarding the transient log.
type BreakerConfig struct {
	// Name labels the breaker in logs and the state gauge.
	Name string

	// ConsecutiveFailures trips the breaker open. Zero means 5.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before probing
	// with a half-open request. Zero means 10s.
	OpenTimeout time.Duration
}

// BreakerLog decorates a Log with a circuit breaker so a dead Redis
// fails fast instead of stalling every publish and replay on a timeout.
// Open-state errors degrade exactly like any other transient failure:
// appends are logged and dropped, reads fall back to the permanent
// store.
type BreakerLog struct {
	inner *Log
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerLog wraps inner with a circuit breaker.
func NewBreakerLog(inner *Log, cfg BreakerConfig) *BreakerLog {
	if cfg.Name == "" {
		cfg.Name = "redis"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
	}
	return &BreakerLog{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the breaker position: 0 closed, 1 half-open, 2 open.
func (b *BreakerLog) State() gobreaker.State {
	return b.cb.State()
}

// Name returns the breaker label.
func (b *BreakerLog) Name() string {
	return b.cb.Name()
}

// Append delegates to the inner log through the breaker.
func (b *BreakerLog) Append(ctx context.Context, env event.Envelope) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Append(ctx, env)
	})
	return err
}

// Range delegates to the inner log through the breaker.
func (b *BreakerLog) Range(ctx context.Context, sessionID string, sinceSequence int64) ([]event.Envelope, error) {
	envs, err := b.cb.Execute(func() (any, error) {
		return b.inner.Range(ctx, sessionID, sinceSequence)
	})
	if err != nil {
		return nil, err
	}
	return envs.([]event.Envelope), nil
}

// Len delegates to the inner log through the breaker.
func (b *BreakerLog) Len(ctx context.Context, sessionID string) (int64, error) {
	n, err := b.cb.Execute(func() (any, error) {
		return b.inner.Len(ctx, sessionID)
	})
	if err != nil {
		return 0, err
	}
	return n.(int64), nil
}

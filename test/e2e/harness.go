// Package e2e exercises the full deliberation event pipeline: real
// PostgreSQL for the permanent store, an in-process Redis for the
// transient log and live bus, and the production wiring in between.
package e2e

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/plenumhq/plenum/pkg/config"
	"github.com/plenumhq/plenum/pkg/database"
	"github.com/plenumhq/plenum/pkg/event"
	"github.com/plenumhq/plenum/pkg/eventstore"
	"github.com/plenumhq/plenum/pkg/pipeline"
	"github.com/plenumhq/plenum/test/util"
)

// harness is one fully wired pipeline on real backing stores.
type harness struct {
	Pipeline *pipeline.Pipeline
	Store    *eventstore.PostgresStore
	Faults   *faultStore
	Redis    *miniredis.Miniredis
	DB       *database.Client
	Config   *config.Config
}

// fastTestConfig shrinks the timing knobs so scenarios complete in
// milliseconds instead of minutes.
func fastTestConfig() *config.Config {
	cfg := config.Default()
	cfg.BatchWindow = 25 * time.Millisecond
	cfg.BatchMax = 100
	cfg.RetryScanInterval = 25 * time.Millisecond
	cfg.RetryDelays = []time.Duration{10 * time.Millisecond}
	cfg.RetryMaxAttempts = 3
	cfg.MergeWindow = 200 * time.Millisecond
	cfg.StoreTimeout = 5 * time.Second
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = fastTestConfig()
	}

	db := util.SetupTestDatabase(t)
	mr, client := util.SetupTestRedis(t)

	store := eventstore.NewPostgresStore(db.Pool())
	faults := &faultStore{inner: store}
	breaker := eventstore.NewBreakerStore(faults, eventstore.BreakerConfig{
		Name: "postgres",
		// High enough that scenario-injected failures never trip it;
		// breaker behaviour has its own unit coverage.
		ConsecutiveFailures: 100,
	})

	p, err := pipeline.New(cfg, pipeline.Deps{
		Store:   breaker,
		Breaker: breaker,
		Redis:   client,
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, p.Shutdown(shutdownCtx))
	})

	return &harness{Pipeline: p, Store: store, Faults: faults, Redis: mr, DB: db, Config: cfg}
}

// restartPipeline builds a fresh pipeline over the same PostgreSQL
// schema and Redis instance, simulating a process restart.
func restartPipeline(t *testing.T, old *harness) *harness {
	t.Helper()

	client := goredis.NewClient(&goredis.Options{Addr: old.Redis.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := eventstore.NewPostgresStore(old.DB.Pool())
	faults := &faultStore{inner: store}
	breaker := eventstore.NewBreakerStore(faults, eventstore.BreakerConfig{
		Name:                "postgres",
		ConsecutiveFailures: 100,
	})

	p, err := pipeline.New(old.Config, pipeline.Deps{
		Store:   breaker,
		Breaker: breaker,
		Redis:   client,
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, p.Shutdown(shutdownCtx))
	})

	return &harness{Pipeline: p, Store: store, Faults: faults, Redis: old.Redis, DB: old.DB, Config: old.Config}
}

// storedEvents reads a session's persisted envelopes straight from
// PostgreSQL, bypassing the pipeline.
func (h *harness) storedEvents(t *testing.T, sessionID string) []event.Envelope {
	t.Helper()
	envs, err := h.Store.GetEvents(context.Background(), sessionID, 0)
	require.NoError(t, err)
	return envs
}

// waitStored blocks until the session has exactly n persisted events.
func (h *harness) waitStored(t *testing.T, sessionID string, n int) []event.Envelope {
	t.Helper()
	var envs []event.Envelope
	require.Eventually(t, func() bool {
		envs = h.storedEvents(t, sessionID)
		return len(envs) == n
	}, 10*time.Second, 20*time.Millisecond, "expected %d persisted events for %s", n, sessionID)
	return envs
}

// receive drains n envelopes from a subscription.
func receive(t *testing.T, sub *pipeline.Subscription, n int) []event.Envelope {
	t.Helper()
	out := make([]event.Envelope, 0, n)
	deadline := time.After(10 * time.Second)
	for len(out) < n {
		select {
		case env, ok := <-sub.Events():
			require.True(t, ok, "stream closed after %d of %d envelopes (err: %v)", len(out), n, sub.Err())
			out = append(out, env)
		case <-deadline:
			t.Fatalf("timed out waiting for envelope %d of %d", len(out)+1, n)
		}
	}
	return out
}

// faultStore sits between the pipeline and PostgreSQL and fails writes
// on demand, simulating a database outage.
type faultStore struct {
	inner eventstore.Store

	mu        sync.Mutex
	failCount int  // fail this many writes, then recover
	failAll   bool // fail every write until cleared
}

var errInjected = errors.New("injected store outage")

// FailWrites makes the next n writes fail.
func (f *faultStore) FailWrites(n int) {
	f.mu.Lock()
	f.failCount = n
	f.mu.Unlock()
}

// FailAllWrites fails every write until Recover.
func (f *faultStore) FailAllWrites() {
	f.mu.Lock()
	f.failAll = true
	f.mu.Unlock()
}

// Recover clears all injected failures.
func (f *faultStore) Recover() {
	f.mu.Lock()
	f.failCount = 0
	f.failAll = false
	f.mu.Unlock()
}

func (f *faultStore) writeAllowed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return false
	}
	if f.failCount > 0 {
		f.failCount--
		return false
	}
	return true
}

func (f *faultStore) SaveEvent(ctx context.Context, env event.Envelope) error {
	if !f.writeAllowed() {
		return errInjected
	}
	return f.inner.SaveEvent(ctx, env)
}

func (f *faultStore) SaveEventsBatch(ctx context.Context, envs []event.Envelope) error {
	if !f.writeAllowed() {
		return errInjected
	}
	return f.inner.SaveEventsBatch(ctx, envs)
}

func (f *faultStore) GetEvents(ctx context.Context, sessionID string, sinceSequence int64) ([]event.Envelope, error) {
	return f.inner.GetEvents(ctx, sessionID, sinceSequence)
}

func (f *faultStore) MaxSequence(ctx context.Context, sessionID string) (int64, error) {
	return f.inner.MaxSequence(ctx, sessionID)
}

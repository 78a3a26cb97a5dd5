package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plenumhq/plenum/pkg/config"
	"github.com/plenumhq/plenum/pkg/event"
	"github.com/plenumhq/plenum/test/util"
)

// stubStore fails a configurable number of SaveEvent calls before
// succeeding, recording everything that lands.
type stubStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	saved    []event.Envelope
}

func (s *stubStore) SaveEvent(_ context.Context, env event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("store unavailable")
	}
	s.saved = append(s.saved, env)
	return nil
}

func (s *stubStore) SaveEventsBatch(ctx context.Context, envs []event.Envelope) error {
	for _, env := range envs {
		if err := s.SaveEvent(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubStore) GetEvents(context.Context, string, int64) ([]event.Envelope, error) {
	return nil, nil
}

func (s *stubStore) MaxSequence(context.Context, string) (int64, error) {
	return 0, nil
}

func (s *stubStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.RetryMaxAttempts = 3
	cfg.RetryDelays = []time.Duration{time.Minute, 2 * time.Minute}
	cfg.RetryScanInterval = 5 * time.Second
	cfg.DLQWarnThreshold = 1
	cfg.DLQCriticalThreshold = 3
	return cfg
}

func testEnvelope(seq int64) event.Envelope {
	return event.Envelope{
		SessionID: "s1",
		Sequence:  seq,
		EventType: "contribution",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:      map[string]any{"n": float64(seq)},
	}
}

func newTestQueue(t *testing.T, store *stubStore) (*Queue, *clockwork.FakeClock) {
	t.Helper()
	_, client := util.SetupTestRedis(t)
	clock := clockwork.NewFakeClock()
	return NewQueue(client, store, testConfig(), clock, nil, nil), clock
}

func TestQueue_EnqueueSchedulesFirstRetry(t *testing.T) {
	q, clock := newTestQueue(t, &stubStore{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEnvelope(1), errors.New("write failed")))

	depth, err := q.RetryDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// Not due yet: a scan before the first delay leaves it queued.
	q.scanner.scanOnce(ctx)
	depth, err = q.RetryDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	clock.Advance(time.Minute)
	q.scanner.scanOnce(ctx)
	depth, err = q.RetryDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestQueue_RetryThenSuccess(t *testing.T) {
	// The store rejects the enqueue cause plus two scheduled attempts,
	// then recovers.
	store := &stubStore{failures: 2}
	q, clock := newTestQueue(t, store)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEnvelope(7), errors.New("initial failure")))

	// First attempt fails: retry_count 1, rescheduled at delay[1].
	clock.Advance(time.Minute)
	q.scanner.scanOnce(ctx)
	assert.Equal(t, 0, store.savedCount())
	depth, _ := q.RetryDepth(ctx)
	assert.Equal(t, int64(1), depth)

	// Second attempt fails: retry_count 2.
	clock.Advance(2 * time.Minute)
	q.scanner.scanOnce(ctx)
	assert.Equal(t, 0, store.savedCount())

	// Third attempt succeeds: record removed, event persisted once.
	clock.Advance(2 * time.Minute)
	q.scanner.scanOnce(ctx)
	require.Equal(t, 1, store.savedCount())
	assert.Equal(t, int64(7), store.saved[0].Sequence)

	depth, _ = q.RetryDepth(ctx)
	assert.Equal(t, int64(0), depth)
	dlq, _ := q.DLQDepth(ctx)
	assert.Equal(t, int64(0), dlq)
}

func TestQueue_ExhaustedRetriesMoveToDLQ(t *testing.T) {
	store := &stubStore{failures: 100} // never recovers
	q, clock := newTestQueue(t, store)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEnvelope(3), errors.New("down")))
	start := clock.Now().UTC()

	// Three attempts (RetryMaxAttempts) exhaust the budget.
	for i := 0; i < 3; i++ {
		clock.Advance(2 * time.Minute)
		q.scanner.scanOnce(ctx)
	}

	depth, _ := q.RetryDepth(ctx)
	assert.Equal(t, int64(0), depth, "retry queue drained")
	dlq, err := q.DLQDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlq)

	entries, err := q.DLQEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	rec := entries[0]
	assert.Equal(t, int64(3), rec.Envelope.Sequence)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Equal(t, "down", rec.OriginalError)
	assert.NotEmpty(t, rec.LastError)
	require.NotNil(t, rec.MovedToDLQAt)
	assert.True(t, rec.MovedToDLQAt.After(start))
	assert.True(t, rec.FirstFailedAt.Equal(start))
}

func zMember(member string, at time.Time) redis.Z {
	return redis.Z{Score: score(at), Member: member}
}

func TestQueue_MalformedRecordDiscarded(t *testing.T) {
	store := &stubStore{}
	q, clock := newTestQueue(t, store)
	ctx := context.Background()

	require.NoError(t, q.client.ZAdd(ctx, retryQueueKey, zMember("not json", clock.Now())).Err())
	require.NoError(t, q.Enqueue(ctx, testEnvelope(1), errors.New("x")))

	clock.Advance(time.Minute)
	q.scanner.scanOnce(ctx)

	// The bad record is gone, the good one was retried.
	depth, _ := q.RetryDepth(ctx)
	assert.Equal(t, int64(0), depth)
	assert.Equal(t, 1, store.savedCount())
}

func TestQueue_ScannerLoopProcessesOnTick(t *testing.T) {
	store := &stubStore{}
	q, clock := newTestQueue(t, store)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEnvelope(1), errors.New("x")))

	q.Start(ctx)
	defer q.Stop()

	// Wait for the scanner's ticker, then advance past the retry delay.
	clock.BlockUntil(1)
	clock.Advance(time.Minute + 5*time.Second)

	require.Eventually(t, func() bool {
		return store.savedCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "scanner tick should persist the due record")
}

func TestQueue_StopRunsFinalPass(t *testing.T) {
	store := &stubStore{}
	q, clock := newTestQueue(t, store)
	ctx := context.Background()

	q.Start(ctx)
	require.NoError(t, q.Enqueue(ctx, testEnvelope(1), errors.New("x")))
	clock.Advance(time.Minute)

	// Stop without a tick having fired: the final pass picks it up.
	q.Stop()
	assert.Equal(t, 1, store.savedCount())
}

func TestQueue_DLQEntriesSkipsMalformed(t *testing.T) {
	q, clock := newTestQueue(t, &stubStore{})
	ctx := context.Background()

	require.NoError(t, q.client.ZAdd(ctx, dlqKey, zMember("garbage", clock.Now())).Err())

	entries, err := q.DLQEntries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	depth, err := q.DLQDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "inspection never drains the DLQ")
}

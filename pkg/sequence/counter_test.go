package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSeeder struct {
	mu    sync.Mutex
	seeds map[string]int64
	err   error
	calls int
}

func (s *stubSeeder) MaxSequence(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.seeds[sessionID], nil
}

func TestCounter_FreshSessionStartsAtOne(t *testing.T) {
	c := NewCounter(&stubSeeder{})

	seq, err := c.Next(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	seq, err = c.Next(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestCounter_SessionsAreIndependent(t *testing.T) {
	c := NewCounter(&stubSeeder{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Next(ctx, "a")
		require.NoError(t, err)
	}
	seq, err := c.Next(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq, "session b starts fresh")
}

func TestCounter_ColdStartSeedsFromStore(t *testing.T) {
	seeder := &stubSeeder{seeds: map[string]int64{"restarted": 42}}
	c := NewCounter(seeder)

	seq, err := c.Next(context.Background(), "restarted")
	require.NoError(t, err)
	assert.Equal(t, int64(43), seq, "continues past the persisted range")

	// Seed read happens once per session, not per call.
	_, err = c.Next(context.Background(), "restarted")
	require.NoError(t, err)
	assert.Equal(t, 1, seeder.calls)
}

func TestCounter_SeedFailureSurfaces(t *testing.T) {
	seeder := &stubSeeder{err: errors.New("store down")}
	c := NewCounter(seeder)

	_, err := c.Next(context.Background(), "s")
	require.Error(t, err)

	// Recovery: once the store answers, counting proceeds.
	seeder.mu.Lock()
	seeder.err = nil
	seeder.mu.Unlock()
	seq, err := c.Next(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestCounter_ConcurrentNextIsGapFree(t *testing.T) {
	c := NewCounter(&stubSeeder{})
	ctx := context.Background()

	const n = 200
	results := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := c.Next(ctx, "busy")
			if err == nil {
				results <- seq
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool, n)
	for seq := range results {
		assert.False(t, seen[seq], "duplicate sequence %d", seq)
		seen[seq] = true
	}
	require.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing sequence %d", i)
	}
}

func TestCounter_ForgetReseeds(t *testing.T) {
	seeder := &stubSeeder{seeds: map[string]int64{"s": 5}}
	c := NewCounter(seeder)
	ctx := context.Background()

	seq, err := c.Next(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(6), seq)

	seeder.mu.Lock()
	seeder.seeds["s"] = 6
	seeder.mu.Unlock()
	c.Forget("s")

	seq, err = c.Next(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
	assert.Equal(t, 2, seeder.calls, "forget forces a fresh seed read")

	assert.Equal(t, int64(0), c.Current("unknown"))
	assert.Equal(t, int64(7), c.Current("s"))
}

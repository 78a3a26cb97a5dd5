package util

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// SetupTestRedis starts an in-process Redis and returns it together with
// a connected client. Both are torn down with the test. The miniredis
// handle is returned so tests can fast-forward TTLs and inject faults.
func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	require.NoError(t, client.Ping(context.Background()).Err())
	return mr, client
}

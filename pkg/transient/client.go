package transient

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
)

const defaultRedisURL = "redis://localhost:6379/0"

// NewClient connects to Redis at the given URL and verifies the
// connection. An empty URL falls back to REDIS_URL, then to a local
// default.
func NewClient(ctx context.Context, url string) (redis.UniversalClient, error) {
	if url == "" {
		url = os.Getenv("REDIS_URL")
	}
	if url == "" {
		url = defaultRedisURL
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("transient: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("transient: ping redis: %w", err)
	}
	return client, nil
}

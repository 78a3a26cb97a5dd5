// Package config holds the pipeline tunables, loaded from environment
// variables with built-in defaults. Storage connection settings live
// with their owners (pkg/database, pkg/transient); this package covers
// the pipeline's own behaviour.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains pipeline configuration.
type Config struct {
	// BatchWindow is the coalescing window: the longest a batchable
	// event waits in the buffer before a flush. Starts on the first
	// buffered event.
	BatchWindow time.Duration

	// BatchMax triggers an immediate flush when the buffer reaches
	// this many events.
	BatchMax int

	// BufferCap is the hard buffer limit. At cap the oldest
	// low-priority entry is dropped to admit a new one.
	BufferCap int

	// PersistWorkers bounds concurrent batch writes to the permanent
	// store, protecting the connection pool.
	PersistWorkers int

	// RetryMaxAttempts is the persistence retry budget before an event
	// moves to the DLQ.
	RetryMaxAttempts int

	// RetryDelays is the backoff schedule between attempts. When
	// attempts outnumber entries the last delay repeats.
	RetryDelays []time.Duration

	// RetryScanInterval is how often the retry scanner looks for due
	// records.
	RetryScanInterval time.Duration

	// TransientTTL bounds the transient history list, refreshed on
	// every append.
	TransientTTL time.Duration

	// SubscriberBacklog is the per-subscriber channel depth on the
	// pub/sub bus. A subscriber that falls behind loses messages.
	SubscriberBacklog int

	// DLQWarnThreshold and DLQCriticalThreshold drive the DLQ depth
	// alerts emitted after each scanner pass.
	DLQWarnThreshold     int64
	DLQCriticalThreshold int64

	// MergeWindow is how long a partial expert pattern may sit in the
	// merge buffer before it is flushed unmerged.
	MergeWindow time.Duration

	// StoreTimeout caps every individual transient/permanent store
	// call. Timeouts on the write path are retryable failures.
	StoreTimeout time.Duration

	// ReplayMaxTries bounds permanent-store read retries during replay
	// before the subscription surfaces the error.
	ReplayMaxTries int
}

// Default returns the built-in pipeline defaults.
func Default() *Config {
	return &Config{
		BatchWindow:          50 * time.Millisecond,
		BatchMax:             100,
		BufferCap:            500,
		PersistWorkers:       15,
		RetryMaxAttempts:     5,
		RetryDelays:          []time.Duration{60 * time.Second, 120 * time.Second, 300 * time.Second, 600 * time.Second, 1800 * time.Second},
		RetryScanInterval:    5 * time.Second,
		TransientTTL:         7 * 24 * time.Hour,
		SubscriberBacklog:    64,
		DLQWarnThreshold:     10,
		DLQCriticalThreshold: 100,
		MergeWindow:          30 * time.Second,
		StoreTimeout:         5 * time.Second,
		ReplayMaxTries:       3,
	}
}

// LoadFromEnv builds a Config from environment variables, falling back
// to defaults for anything unset.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	var err error
	if cfg.BatchWindow, err = getEnvMillis("BATCH_WINDOW_MS", cfg.BatchWindow); err != nil {
		return nil, err
	}
	if cfg.BatchMax, err = getEnvInt("BATCH_MAX", cfg.BatchMax); err != nil {
		return nil, err
	}
	if cfg.BufferCap, err = getEnvInt("BUFFER_CAP", cfg.BufferCap); err != nil {
		return nil, err
	}
	if cfg.PersistWorkers, err = getEnvInt("PERSIST_WORKERS", cfg.PersistWorkers); err != nil {
		return nil, err
	}
	if cfg.RetryMaxAttempts, err = getEnvInt("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return nil, err
	}
	if delays := os.Getenv("RETRY_DELAYS_SECONDS"); delays != "" {
		cfg.RetryDelays, err = parseDelaySeconds(delays)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_DELAYS_SECONDS: %w", err)
		}
	}
	if cfg.RetryScanInterval, err = getEnvMillis("RETRY_SCAN_INTERVAL_MS", cfg.RetryScanInterval); err != nil {
		return nil, err
	}
	ttlSecs, err := getEnvInt("TRANSIENT_TTL_SECONDS", int(cfg.TransientTTL/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.TransientTTL = time.Duration(ttlSecs) * time.Second
	if cfg.SubscriberBacklog, err = getEnvInt("SUBSCRIBER_BACKLOG", cfg.SubscriberBacklog); err != nil {
		return nil, err
	}
	if cfg.DLQWarnThreshold, err = getEnvInt64("DLQ_WARN_THRESHOLD", cfg.DLQWarnThreshold); err != nil {
		return nil, err
	}
	if cfg.DLQCriticalThreshold, err = getEnvInt64("DLQ_CRITICAL_THRESHOLD", cfg.DLQCriticalThreshold); err != nil {
		return nil, err
	}
	if cfg.MergeWindow, err = getEnvMillis("MERGE_WINDOW_MS", cfg.MergeWindow); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = getEnvMillis("STORE_TIMEOUT_MS", cfg.StoreTimeout); err != nil {
		return nil, err
	}
	if cfg.ReplayMaxTries, err = getEnvInt("REPLAY_MAX_TRIES", cfg.ReplayMaxTries); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.BatchWindow <= 0:
		return fmt.Errorf("batch window must be positive, got %v", c.BatchWindow)
	case c.BatchMax <= 0:
		return fmt.Errorf("batch max must be positive, got %d", c.BatchMax)
	case c.BufferCap < c.BatchMax:
		return fmt.Errorf("buffer cap %d must be at least batch max %d", c.BufferCap, c.BatchMax)
	case c.PersistWorkers <= 0:
		return fmt.Errorf("persist workers must be positive, got %d", c.PersistWorkers)
	case c.RetryMaxAttempts <= 0:
		return fmt.Errorf("retry max attempts must be positive, got %d", c.RetryMaxAttempts)
	case len(c.RetryDelays) == 0:
		return fmt.Errorf("retry delay schedule must not be empty")
	case c.RetryScanInterval <= 0:
		return fmt.Errorf("retry scan interval must be positive, got %v", c.RetryScanInterval)
	case c.TransientTTL <= 0:
		return fmt.Errorf("transient TTL must be positive, got %v", c.TransientTTL)
	case c.SubscriberBacklog <= 0:
		return fmt.Errorf("subscriber backlog must be positive, got %d", c.SubscriberBacklog)
	case c.MergeWindow <= 0:
		return fmt.Errorf("merge window must be positive, got %v", c.MergeWindow)
	case c.StoreTimeout <= 0:
		return fmt.Errorf("store timeout must be positive, got %v", c.StoreTimeout)
	case c.ReplayMaxTries <= 0:
		return fmt.Errorf("replay max tries must be positive, got %d", c.ReplayMaxTries)
	}
	for i, d := range c.RetryDelays {
		if d <= 0 {
			return fmt.Errorf("retry delay %d must be positive, got %v", i, d)
		}
	}
	return nil
}

// RetryDelay returns the wait before attempt n (0-based). Attempts past
// the end of the schedule reuse the last entry.
func (c *Config) RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(c.RetryDelays) {
		return c.RetryDelays[len(c.RetryDelays)-1]
	}
	return c.RetryDelays[attempt]
}

func parseDelaySeconds(s string) ([]time.Duration, error) {
	parts := strings.Split(s, ",")
	delays := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		secs, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("delay %q is not an integer", p)
		}
		delays = append(delays, time.Duration(secs)*time.Second)
	}
	return delays, nil
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvMillis(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	ms, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

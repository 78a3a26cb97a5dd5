package event

import "time"

// FailedEvent is a retry-queue record: an envelope that could not be
// persisted, together with its retry bookkeeping. Records are serialised
// whole into the retry sorted set, scored by NextRetryAt; exhausted
// records move to the DLQ set and gain MovedToDLQAt.
type FailedEvent struct {
	Envelope      Envelope   `json:"envelope"`
	RetryCount    int        `json:"retry_count"`
	FirstFailedAt time.Time  `json:"first_failed_at"`
	NextRetryAt   time.Time  `json:"next_retry_at"`
	OriginalError string     `json:"original_error"`
	LastError     string     `json:"last_error,omitempty"`
	MovedToDLQAt  *time.Time `json:"moved_to_dlq_at,omitempty"`
}

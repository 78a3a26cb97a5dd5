package event

// Health is the pipeline's operator-facing snapshot, served by the
// host's health endpoint.
type Health struct {
	Running             bool  `json:"running"`
	BufferedEvents      int64 `json:"buffered_events"`
	PendingMerges       int   `json:"pending_merges"`
	RetryDepth          int64 `json:"retry_depth"`
	DLQDepth            int64 `json:"dlq_depth"`
	ActiveSubscriptions int64 `json:"active_subscriptions"`

	// Breakers maps downstream name to circuit state
	// (closed, half-open, open).
	Breakers map[string]string `json:"breakers,omitempty"`

	// TransientError carries the queue-depth read failure when the
	// transient store is unreachable; empty otherwise.
	TransientError string `json:"transient_error,omitempty"`
}

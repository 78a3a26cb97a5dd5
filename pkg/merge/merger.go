// Package merge collapses expert contribution chatter. Experts report
// in three micro-events (expert_started, expert_reasoning,
// expert_conclusion); when the full triple arrives consecutively for
// one expert it becomes a single expert_contribution_complete event.
//
// The merger sits ahead of sequence assignment: buffered sub-events
// consume no sequence numbers, and a merged event receives one fresh
// sequence at emission time. Everything the merger holds is pre-publish
// state, flushed unmerged on session close or staleness.
package merge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Draft is a pre-sequence event: what a producer handed to Publish,
// before the pipeline stamps a sequence and timestamp on it.
type Draft struct {
	EventType string
	RequestID string
	Data      map[string]any
}

// Pending pairs a flushed draft with the session it belongs to.
type Pending struct {
	SessionID string
	Draft     Draft
}

const (
	eventExpertStarted    = "expert_started"
	eventExpertReasoning  = "expert_reasoning"
	eventExpertConclusion = "expert_conclusion"
	eventExpertComplete   = "expert_contribution_complete"
)

// Eligible reports whether an event type is an expert sub-event the
// merger should see. Critical events bypass the merger regardless.
func Eligible(eventType string) bool {
	switch eventType {
	case eventExpertStarted, eventExpertReasoning, eventExpertConclusion:
		return true
	}
	return false
}

// ExpertID extracts the expert identifier from a sub-event payload.
// Sub-events without one cannot be correlated and pass through.
func ExpertID(data map[string]any) (string, bool) {
	id, ok := data["expert_id"].(string)
	return id, ok && id != ""
}

type bufferKey struct {
	sessionID string
	expertID  string
}

type expertBuffer struct {
	drafts   []Draft
	oldestAt time.Time
}

// Merger buffers expert sub-events per (session, expert) and emits
// merged contributions. Safe for concurrent use; one expert's buffer is
// only ever appended by its own producer, so the single mutex sees no
// contention in practice.
type Merger struct {
	clock  clockwork.Clock
	window time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[bufferKey]*expertBuffer
}

// NewMerger creates a merger whose partial patterns go stale after
// window.
func NewMerger(clock clockwork.Clock, window time.Duration, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{
		clock:   clock,
		window:  window,
		logger:  logger.With("component", "merger"),
		buffers: make(map[bufferKey]*expertBuffer),
	}
}

// Offer feeds one expert sub-event through the merger and returns the
// drafts to publish now, in order. An empty result means the sub-event
// was buffered awaiting the rest of its pattern.
func (m *Merger) Offer(sessionID string, d Draft) []Draft {
	expertID, ok := ExpertID(d.Data)
	if !Eligible(d.EventType) || !ok {
		return []Draft{d}
	}

	key := bufferKey{sessionID: sessionID, expertID: expertID}

	m.mu.Lock()
	defer m.mu.Unlock()

	buf := m.buffers[key]

	switch d.EventType {
	case eventExpertStarted:
		// A new pattern begins; anything pending is an abandoned
		// partial and flushes unmerged first.
		var out []Draft
		if buf != nil {
			out = buf.drafts
		}
		m.buffers[key] = &expertBuffer{drafts: []Draft{d}, oldestAt: m.clock.Now()}
		return out

	case eventExpertReasoning:
		if buf != nil && len(buf.drafts) == 1 && buf.drafts[0].EventType == eventExpertStarted {
			buf.drafts = append(buf.drafts, d)
			return nil
		}
		return m.passThroughLocked(key, d)

	case eventExpertConclusion:
		if buf != nil && len(buf.drafts) == 2 &&
			buf.drafts[0].EventType == eventExpertStarted &&
			buf.drafts[1].EventType == eventExpertReasoning {
			delete(m.buffers, key)
			merged := mergeTriple(buf.drafts[0], buf.drafts[1], d)
			m.logger.Debug("Merged expert contribution",
				"session_id", sessionID, "expert_id", expertID)
			return []Draft{merged}
		}
		return m.passThroughLocked(key, d)
	}

	return []Draft{d}
}

// passThroughLocked flushes the expert's pending buffer and appends the
// out-of-pattern draft after it, preserving intra-expert order.
func (m *Merger) passThroughLocked(key bufferKey, d Draft) []Draft {
	buf := m.buffers[key]
	if buf == nil {
		return []Draft{d}
	}
	delete(m.buffers, key)
	return append(buf.drafts, d)
}

// mergeTriple builds the merged contribution: the shallow union of the
// three payloads (later fields win) plus the merged marker.
func mergeTriple(started, reasoning, conclusion Draft) Draft {
	data := make(map[string]any, len(started.Data)+len(reasoning.Data)+len(conclusion.Data)+1)
	for _, src := range []map[string]any{started.Data, reasoning.Data, conclusion.Data} {
		for k, v := range src {
			data[k] = v
		}
	}
	data["merged"] = true

	requestID := started.RequestID
	if requestID == "" {
		requestID = reasoning.RequestID
	}
	if requestID == "" {
		requestID = conclusion.RequestID
	}

	return Draft{EventType: eventExpertComplete, RequestID: requestID, Data: data}
}

// FlushSession emits every pending sub-event for a session unmerged, in
// per-expert buffer order. Called on session close.
func (m *Merger) FlushSession(sessionID string) []Draft {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Draft
	for key, buf := range m.buffers {
		if key.sessionID != sessionID {
			continue
		}
		out = append(out, buf.drafts...)
		delete(m.buffers, key)
	}
	return out
}

// FlushAll drains every buffer. Called on pipeline shutdown.
func (m *Merger) FlushAll() []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Pending
	for key, buf := range m.buffers {
		for _, d := range buf.drafts {
			out = append(out, Pending{SessionID: key.sessionID, Draft: d})
		}
		delete(m.buffers, key)
	}
	return out
}

// Sweep flushes buffers whose oldest entry has outlived the staleness
// window, so a partial pattern cannot ride forever when an expert never
// concludes.
func (m *Merger) Sweep() []Pending {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Pending
	for key, buf := range m.buffers {
		if now.Sub(buf.oldestAt) < m.window {
			continue
		}
		m.logger.Debug("Flushing stale expert buffer",
			"session_id", key.sessionID, "expert_id", key.expertID,
			"pending", len(buf.drafts))
		for _, d := range buf.drafts {
			out = append(out, Pending{SessionID: key.sessionID, Draft: d})
		}
		delete(m.buffers, key)
	}
	return out
}

// PendingCount reports buffered sub-events across all experts.
func (m *Merger) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, buf := range m.buffers {
		n += len(buf.drafts)
	}
	return n
}

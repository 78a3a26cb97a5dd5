// Package event defines the canonical envelope that moves through the
// deliberation pipeline, the fixed priority classification of event
// types, and the transient-store key naming shared by the pipeline
// components.
//
// An envelope is created once per publish, assigned a per-session
// sequence starting at 1, and is immutable afterwards. The same JSON
// encoding is used everywhere an envelope crosses a process boundary:
// the transient history list, the pub/sub topic, the retry queue, and
// the permanent store payload column.
//
// Expert contributions arrive as three micro-events
// (expert_started, expert_reasoning, expert_conclusion). When they
// appear consecutively for one expert they are merged into a single
// expert_contribution_complete envelope before a sequence is assigned;
// the micro-events themselves never consume sequence numbers.
package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Deliberation event types published by the producer.
const (
	// Round lifecycle
	EventTypeRoundStart = "round_start"
	EventTypeRoundEnd   = "round_end"

	// Expert contribution micro-events, merged into one
	// expert_contribution_complete when the full triple arrives.
	EventTypeExpertStarted      = "expert_started"
	EventTypeExpertReasoning    = "expert_reasoning"
	EventTypeExpertConclusion   = "expert_conclusion"
	EventTypeExpertContribution = "expert_contribution_complete"

	// Deliberation content
	EventTypeContribution        = "contribution"
	EventTypeFacilitatorDecision = "facilitator_decision"
	EventTypeSynthesisComplete   = "synthesis_complete"

	// Progress chatter, first to be dropped under memory pressure.
	EventTypeStatusUpdate  = "status_update"
	EventTypeProgress      = "progress"
	EventTypeWorkingStatus = "working_status"

	// Session lifecycle
	EventTypeSessionComplete  = "session_complete"
	EventTypeSessionFailed    = "session_failed"
	EventTypeSessionCancelled = "session_cancelled"

	// Fault reporting
	EventTypeError = "error"
)

// Envelope is the unit of delivery: one published deliberation event.
type Envelope struct {
	SessionID string         `json:"session_id"`
	Sequence  int64          `json:"sequence"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
	Data      map[string]any `json:"data"`
}

// EventID returns the envelope's consumer-facing identifier,
// "{session_id}:{sequence}". SSE adapters hand it back as Last-Event-ID.
func (e Envelope) EventID() string {
	return FormatEventID(e.SessionID, e.Sequence)
}

// IsTerminal reports whether the event ends its session. A live
// subscription closes after delivering a terminal event.
func (e Envelope) IsTerminal() bool {
	switch e.EventType {
	case EventTypeSessionComplete, EventTypeSessionFailed, EventTypeSessionCancelled:
		return true
	}
	return false
}

// FormatEventID builds the "{session_id}:{sequence}" identifier.
func FormatEventID(sessionID string, sequence int64) string {
	return sessionID + ":" + strconv.FormatInt(sequence, 10)
}

// ParseEventID splits a "{session_id}:{sequence}" identifier. The
// sequence is the text after the last colon, so session IDs containing
// colons parse correctly. Malformed input returns an error; callers
// treat that as "replay everything".
func ParseEventID(eventID string) (sessionID string, sequence int64, err error) {
	idx := strings.LastIndex(eventID, ":")
	if idx <= 0 || idx == len(eventID)-1 {
		return "", 0, fmt.Errorf("malformed event id %q", eventID)
	}
	seq, err := strconv.ParseInt(eventID[idx+1:], 10, 64)
	if err != nil || seq < 0 {
		return "", 0, fmt.Errorf("malformed event id %q", eventID)
	}
	return eventID[:idx], seq, nil
}

// TopicChannel returns the pub/sub topic carrying a session's live events.
// Format: "session:{session_id}:events"
func TopicChannel(sessionID string) string {
	return "session:" + sessionID + ":events"
}

// HistoryKey returns the transient-log list key for a session.
// Format: "session:{session_id}:history"
func HistoryKey(sessionID string) string {
	return "session:" + sessionID + ":history"
}

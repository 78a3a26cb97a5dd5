package event

import "strings"

// Priority controls how an event's persistence is scheduled.
//
//   - PriorityCritical: persisted synchronously, ahead of any buffered
//     events for the session. Never merged, never dropped.
//   - PriorityNormal: batched inside the flush window. Never dropped.
//   - PriorityLow: batched; oldest low entries are dropped first when
//     the buffer hits its hard cap.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Classify maps an event type to its priority. The mapping is fixed:
// terminal and fault events are critical, progress chatter is low,
// everything else (including unknown types) is normal.
func Classify(eventType string) Priority {
	switch eventType {
	case EventTypeError, EventTypeFacilitatorDecision,
		EventTypeSessionFailed, EventTypeSessionCancelled:
		return PriorityCritical
	case EventTypeStatusUpdate, EventTypeProgress, EventTypeWorkingStatus:
		return PriorityLow
	}
	if strings.HasSuffix(eventType, "_complete") {
		return PriorityCritical
	}
	return PriorityNormal
}

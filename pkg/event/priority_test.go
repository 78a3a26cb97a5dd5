package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		want      Priority
	}{
		{"error is critical", EventTypeError, PriorityCritical},
		{"facilitator decision is critical", EventTypeFacilitatorDecision, PriorityCritical},
		{"synthesis_complete is critical", EventTypeSynthesisComplete, PriorityCritical},
		{"session_complete is critical", EventTypeSessionComplete, PriorityCritical},
		{"session_failed is critical", EventTypeSessionFailed, PriorityCritical},
		{"session_cancelled is critical", EventTypeSessionCancelled, PriorityCritical},
		{"merged expert contribution is critical", EventTypeExpertContribution, PriorityCritical},
		{"any _complete suffix is critical", "vote_complete", PriorityCritical},
		{"contribution is normal", EventTypeContribution, PriorityNormal},
		{"round_start is normal", EventTypeRoundStart, PriorityNormal},
		{"round_end is normal", EventTypeRoundEnd, PriorityNormal},
		{"unknown type defaults to normal", "custom_thing", PriorityNormal},
		{"expert micro-events are normal", EventTypeExpertReasoning, PriorityNormal},
		{"status_update is low", EventTypeStatusUpdate, PriorityLow},
		{"progress is low", EventTypeProgress, PriorityLow},
		{"working_status is low", EventTypeWorkingStatus, PriorityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.eventType))
		})
	}
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "critical", PriorityCritical.String())
	assert.Equal(t, "normal", PriorityNormal.String())
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "unknown", Priority(99).String())
}

func TestPriorityOrdering(t *testing.T) {
	// Drop policy compares priorities; low must sort below normal.
	assert.Less(t, PriorityLow, PriorityNormal)
	assert.Less(t, PriorityNormal, PriorityCritical)
}

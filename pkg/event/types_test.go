package event

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicChannel(t *testing.T) {
	assert.Equal(t, "session:abc-123:events", TopicChannel("abc-123"))
	assert.Equal(t, "session:550e8400-e29b-41d4-a716-446655440000:events",
		TopicChannel("550e8400-e29b-41d4-a716-446655440000"))
}

func TestHistoryKey(t *testing.T) {
	assert.Equal(t, "session:abc-123:history", HistoryKey("abc-123"))
}

func TestFormatEventID(t *testing.T) {
	assert.Equal(t, "abc-123:7", FormatEventID("abc-123", 7))
	assert.Equal(t, "abc-123:0", FormatEventID("abc-123", 0))
}

func TestParseEventID(t *testing.T) {
	tests := []struct {
		name        string
		eventID     string
		wantSession string
		wantSeq     int64
		wantErr     bool
	}{
		{
			name:        "simple id",
			eventID:     "abc-123:42",
			wantSession: "abc-123",
			wantSeq:     42,
		},
		{
			name:        "session id containing colons",
			eventID:     "tenant:7:session:9:15",
			wantSession: "tenant:7:session:9",
			wantSeq:     15,
		},
		{
			name:    "missing separator",
			eventID: "abc-123",
			wantErr: true,
		},
		{
			name:    "non-numeric sequence",
			eventID: "abc-123:xyz",
			wantErr: true,
		},
		{
			name:    "negative sequence",
			eventID: "abc-123:-4",
			wantErr: true,
		},
		{
			name:    "empty sequence",
			eventID: "abc-123:",
			wantErr: true,
		},
		{
			name:    "empty session",
			eventID: ":5",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, seq, err := ParseEventID(tt.eventID)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSession, session)
			assert.Equal(t, tt.wantSeq, seq)
		})
	}
}

func TestEnvelopeEventID(t *testing.T) {
	env := Envelope{SessionID: "s1", Sequence: 3}
	assert.Equal(t, "s1:3", env.EventID())
}

func TestEnvelopeIsTerminal(t *testing.T) {
	assert.True(t, Envelope{EventType: EventTypeSessionComplete}.IsTerminal())
	assert.True(t, Envelope{EventType: EventTypeSessionFailed}.IsTerminal())
	assert.True(t, Envelope{EventType: EventTypeSessionCancelled}.IsTerminal())
	assert.False(t, Envelope{EventType: EventTypeContribution}.IsTerminal())
	assert.False(t, Envelope{EventType: EventTypeError}.IsTerminal())
}

func TestEnvelopeWireFormat(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 30, 45, 123000000, time.UTC)
	env := Envelope{
		SessionID: "s1",
		Sequence:  1,
		EventType: EventTypeContribution,
		Timestamp: ts,
		RequestID: "req-9",
		Data:      map[string]any{"text": "hello"},
	}

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))

	// Field names are the wire contract; consumers key on them.
	assert.Equal(t, "s1", fields["session_id"])
	assert.Equal(t, float64(1), fields["sequence"])
	assert.Equal(t, "contribution", fields["event_type"])
	assert.Equal(t, "req-9", fields["request_id"])
	assert.Contains(t, fields["timestamp"], "2025-06-01T12:30:45")
	assert.Equal(t, map[string]any{"text": "hello"}, fields["data"])

	t.Run("request_id omitted when empty", func(t *testing.T) {
		env.RequestID = ""
		raw, err := json.Marshal(env)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "request_id")
	})
}

func TestEventTypeConstants(t *testing.T) {
	// Verify event types are non-empty and distinct
	types := []string{
		EventTypeRoundStart,
		EventTypeRoundEnd,
		EventTypeExpertStarted,
		EventTypeExpertReasoning,
		EventTypeExpertConclusion,
		EventTypeExpertContribution,
		EventTypeContribution,
		EventTypeFacilitatorDecision,
		EventTypeSynthesisComplete,
		EventTypeStatusUpdate,
		EventTypeProgress,
		EventTypeWorkingStatus,
		EventTypeSessionComplete,
		EventTypeSessionFailed,
		EventTypeSessionCancelled,
		EventTypeError,
	}

	seen := make(map[string]bool)
	for _, typ := range types {
		assert.NotEmpty(t, typ, "event type should not be empty")
		assert.False(t, seen[typ], "duplicate event type: %s", typ)
		seen[typ] = true
	}
}

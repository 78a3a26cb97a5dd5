package merge

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expertDraft(eventType, expertID string, extra map[string]any) Draft {
	data := map[string]any{"expert_id": expertID}
	for k, v := range extra {
		data[k] = v
	}
	return Draft{EventType: eventType, Data: data}
}

func newTestMerger(t *testing.T) (*Merger, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	return NewMerger(clock, 30*time.Second, nil), clock
}

func TestMerger_FullTripleCollapses(t *testing.T) {
	m, _ := newTestMerger(t)

	out := m.Offer("s1", expertDraft("expert_started", "x", map[string]any{"topic": "safety"}))
	assert.Empty(t, out)
	out = m.Offer("s1", expertDraft("expert_reasoning", "x", map[string]any{"reasoning": "because"}))
	assert.Empty(t, out)
	out = m.Offer("s1", expertDraft("expert_conclusion", "x", map[string]any{"conclusion": "approve"}))

	require.Len(t, out, 1)
	merged := out[0]
	assert.Equal(t, "expert_contribution_complete", merged.EventType)
	assert.Equal(t, map[string]any{
		"expert_id":  "x",
		"topic":      "safety",
		"reasoning":  "because",
		"conclusion": "approve",
		"merged":     true,
	}, merged.Data)
	assert.Equal(t, 0, m.PendingCount())
}

func TestMerger_LaterFieldsWin(t *testing.T) {
	m, _ := newTestMerger(t)

	m.Offer("s1", expertDraft("expert_started", "x", map[string]any{"status": "starting"}))
	m.Offer("s1", expertDraft("expert_reasoning", "x", map[string]any{"status": "thinking"}))
	out := m.Offer("s1", expertDraft("expert_conclusion", "x", map[string]any{"status": "done"}))

	require.Len(t, out, 1)
	assert.Equal(t, "done", out[0].Data["status"])
}

func TestMerger_ExpertsAreIndependent(t *testing.T) {
	m, _ := newTestMerger(t)

	// Interleaved experts still merge per expert.
	assert.Empty(t, m.Offer("s1", expertDraft("expert_started", "x", nil)))
	assert.Empty(t, m.Offer("s1", expertDraft("expert_started", "y", nil)))
	assert.Empty(t, m.Offer("s1", expertDraft("expert_reasoning", "y", nil)))
	assert.Empty(t, m.Offer("s1", expertDraft("expert_reasoning", "x", nil)))

	outX := m.Offer("s1", expertDraft("expert_conclusion", "x", nil))
	require.Len(t, outX, 1)
	assert.Equal(t, "expert_contribution_complete", outX[0].EventType)

	outY := m.Offer("s1", expertDraft("expert_conclusion", "y", nil))
	require.Len(t, outY, 1)
	assert.Equal(t, "y", outY[0].Data["expert_id"])
}

func TestMerger_OutOfPatternPassesThrough(t *testing.T) {
	m, _ := newTestMerger(t)

	t.Run("reasoning without started", func(t *testing.T) {
		out := m.Offer("s1", expertDraft("expert_reasoning", "lone", nil))
		require.Len(t, out, 1)
		assert.Equal(t, "expert_reasoning", out[0].EventType)
	})

	t.Run("conclusion without reasoning flushes partial first", func(t *testing.T) {
		assert.Empty(t, m.Offer("s1", expertDraft("expert_started", "p", nil)))
		out := m.Offer("s1", expertDraft("expert_conclusion", "p", nil))
		require.Len(t, out, 2)
		assert.Equal(t, "expert_started", out[0].EventType)
		assert.Equal(t, "expert_conclusion", out[1].EventType)
	})

	t.Run("restarted pattern flushes abandoned partial", func(t *testing.T) {
		assert.Empty(t, m.Offer("s1", expertDraft("expert_started", "r", map[string]any{"run": float64(1)})))
		out := m.Offer("s1", expertDraft("expert_started", "r", map[string]any{"run": float64(2)}))
		require.Len(t, out, 1)
		assert.Equal(t, float64(1), out[0].Data["run"])

		// The new pattern still completes.
		assert.Empty(t, m.Offer("s1", expertDraft("expert_reasoning", "r", nil)))
		out = m.Offer("s1", expertDraft("expert_conclusion", "r", nil))
		require.Len(t, out, 1)
		assert.Equal(t, float64(2), out[0].Data["run"])
	})
}

func TestMerger_NonExpertEventsUntouched(t *testing.T) {
	m, _ := newTestMerger(t)

	d := Draft{EventType: "contribution", Data: map[string]any{"text": "hi"}}
	out := m.Offer("s1", d)
	require.Len(t, out, 1)
	assert.Equal(t, d, out[0])

	t.Run("sub-event without expert_id passes through", func(t *testing.T) {
		d := Draft{EventType: "expert_started", Data: map[string]any{"topic": "x"}}
		out := m.Offer("s1", d)
		require.Len(t, out, 1)
		assert.Equal(t, d, out[0])
	})
}

func TestMerger_FlushSession(t *testing.T) {
	m, _ := newTestMerger(t)

	m.Offer("s1", expertDraft("expert_started", "x", nil))
	m.Offer("s1", expertDraft("expert_reasoning", "x", nil))
	m.Offer("s2", expertDraft("expert_started", "y", nil))

	out := m.FlushSession("s1")
	require.Len(t, out, 2)
	assert.Equal(t, "expert_started", out[0].EventType)
	assert.Equal(t, "expert_reasoning", out[1].EventType)

	// s2's buffer survives.
	assert.Equal(t, 1, m.PendingCount())
	assert.Empty(t, m.FlushSession("s1"))
}

func TestMerger_Sweep(t *testing.T) {
	m, clock := newTestMerger(t)

	m.Offer("s1", expertDraft("expert_started", "slow", nil))
	clock.Advance(20 * time.Second)
	m.Offer("s1", expertDraft("expert_started", "fresh", nil))

	assert.Empty(t, m.Sweep(), "nothing stale yet")

	clock.Advance(15 * time.Second)
	out := m.Sweep()
	require.Len(t, out, 1)
	assert.Equal(t, "s1", out[0].SessionID)
	assert.Equal(t, "slow", out[0].Draft.Data["expert_id"])

	// The fresh buffer stays until its own window passes.
	assert.Equal(t, 1, m.PendingCount())
	clock.Advance(30 * time.Second)
	assert.Len(t, m.Sweep(), 1)
}

func TestMerger_FlushAll(t *testing.T) {
	m, _ := newTestMerger(t)

	m.Offer("s1", expertDraft("expert_started", "x", nil))
	m.Offer("s2", expertDraft("expert_started", "y", nil))

	out := m.FlushAll()
	assert.Len(t, out, 2)
	assert.Equal(t, 0, m.PendingCount())
}

func TestMerger_MergeIsDeterministic(t *testing.T) {
	run := func() Draft {
		m, _ := newTestMerger(t)
		m.Offer("s1", Draft{EventType: "contribution", Data: map[string]any{"noise": true}})
		m.Offer("s1", expertDraft("expert_started", "x", map[string]any{"a": float64(1)}))
		m.Offer("s1", Draft{EventType: "status_update", Data: nil})
		m.Offer("s1", expertDraft("expert_reasoning", "x", map[string]any{"b": float64(2)}))
		out := m.Offer("s1", expertDraft("expert_conclusion", "x", map[string]any{"c": float64(3)}))
		require.Len(t, out, 1)
		return out[0]
	}

	first := run()
	second := run()
	assert.Equal(t, first, second, "merging the same triple yields the same draft")
	assert.Equal(t, true, first.Data["merged"])
}

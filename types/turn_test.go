package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestTurnID(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := TurnID("conv-1", 0, 0)
		b := TurnID("conv-1", 0, 0)
		assert.Equal(t, a, b)
		assert.Len(t, a, 32) // 16 bytes hex encoded
	})

	t.Run("distinct coordinates", func(t *testing.T) {
		assert.NotEqual(t, TurnID("conv-1", 0, 0), TurnID("conv-1", 0, 1))
		assert.NotEqual(t, TurnID("conv-1", 0, 0), TurnID("conv-1", 1, 0))
		assert.NotEqual(t, TurnID("conv-1", 0, 0), TurnID("conv-2", 0, 0))
	})
}

func TestTurnIDProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		conv := rapid.StringN(1, 64, 64).Draw(t, "conv")
		round := rapid.IntRange(0, 1000).Draw(t, "round")
		seq := rapid.IntRange(0, 1000).Draw(t, "seq")

		id := TurnID(conv, round, seq)
		if id != TurnID(conv, round, seq) {
			t.Fatalf("same coordinates produced different ids")
		}
		if len(id) != 32 {
			t.Fatalf("id length %d, want 32", len(id))
		}
		if id == TurnID(conv, round, seq+1) {
			t.Fatalf("adjacent sequences collided")
		}
	})
}

func TestTurnStateTerminal(t *testing.T) {
	assert.True(t, TurnCompleted.Terminal())
	assert.True(t, TurnCancelled.Terminal())
	assert.False(t, TurnPlanned.Terminal())
	assert.False(t, TurnRunning.Terminal())
	assert.False(t, TurnFailed.Terminal())
}

func TestNewTurn(t *testing.T) {
	sched := TurnSchedule{Round: 2, Sequence: 1, AgentID: "agent-1"}
	turn := NewTurn("conv-1", sched)

	assert.Equal(t, TurnID("conv-1", 2, 1), turn.ID)
	assert.Equal(t, TurnPlanned, turn.State)
	assert.Equal(t, 2, turn.Round)
	assert.Equal(t, 1, turn.Sequence)
	assert.Equal(t, "agent-1", turn.AgentID)
	assert.False(t, turn.CreatedAt.IsZero())
}

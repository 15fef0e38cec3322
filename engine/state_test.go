package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/colloquy/types"
)

func TestConversationTransitions(t *testing.T) {
	cases := []struct {
		from, to types.Status
		ok       bool
	}{
		{types.StatusIdle, types.StatusRunning, true},
		{types.StatusIdle, types.StatusPaused, false},
		{types.StatusRunning, types.StatusPaused, true},
		{types.StatusRunning, types.StatusFinishing, true},
		{types.StatusRunning, types.StatusCompleted, true},
		{types.StatusPaused, types.StatusRunning, true},
		{types.StatusPaused, types.StatusFinishing, true},
		{types.StatusFinishing, types.StatusCompleted, true},
		{types.StatusFinishing, types.StatusRunning, false},
		{types.StatusCompleted, types.StatusIdle, true},
		{types.StatusCompleted, types.StatusRunning, true},
		{types.StatusCompleted, types.StatusPaused, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTurnTransitions(t *testing.T) {
	assert.True(t, CanTransitionTurn(types.TurnPlanned, types.TurnRunning))
	assert.True(t, CanTransitionTurn(types.TurnRunning, types.TurnFailed))
	assert.True(t, CanTransitionTurn(types.TurnFailed, types.TurnRunning))
	assert.True(t, CanTransitionTurn(types.TurnRunning, types.TurnCancelled))

	// terminal states allow nothing
	assert.False(t, CanTransitionTurn(types.TurnCompleted, types.TurnRunning))
	assert.False(t, CanTransitionTurn(types.TurnCancelled, types.TurnRunning))
	assert.False(t, CanTransitionTurn(types.TurnCompleted, types.TurnFailed))
}

func TestStateMachine(t *testing.T) {
	t.Run("invalid transition leaves state untouched", func(t *testing.T) {
		sm := NewStateMachine(types.StatusCompleted, nil)
		err := sm.Transition(types.StatusPaused)
		require.Error(t, err)
		assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
		assert.Equal(t, types.StatusCompleted, sm.Current())
	})

	t.Run("completed conversation can restart", func(t *testing.T) {
		sm := NewStateMachine(types.StatusCompleted, nil)
		require.NoError(t, sm.Transition(types.StatusRunning))
		assert.Equal(t, types.StatusRunning, sm.Current())
	})

	t.Run("listeners run in registration order", func(t *testing.T) {
		sm := NewStateMachine(types.StatusIdle, nil)
		var order []int
		sm.Subscribe(func(from, to types.Status) {
			order = append(order, 1)
			assert.Equal(t, types.StatusIdle, from)
			assert.Equal(t, types.StatusRunning, to)
		})
		sm.Subscribe(func(from, to types.Status) { order = append(order, 2) })

		require.NoError(t, sm.Transition(types.StatusRunning))
		assert.Equal(t, []int{1, 2}, order)
	})

	t.Run("listeners not notified on rejection", func(t *testing.T) {
		sm := NewStateMachine(types.StatusIdle, nil)
		calls := 0
		sm.Subscribe(func(from, to types.Status) { calls++ })
		_ = sm.Transition(types.StatusCompleted)
		assert.Zero(t, calls)
	})
}

// The machine state must always equal the result of replaying exactly the
// accepted transitions.
func TestStateMachineProperties(t *testing.T) {
	statuses := []types.Status{
		types.StatusIdle, types.StatusRunning, types.StatusPaused,
		types.StatusFinishing, types.StatusCompleted,
	}
	rapid.Check(t, func(t *rapid.T) {
		sm := NewStateMachine(types.StatusIdle, nil)
		model := types.StatusIdle
		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			target := rapid.SampledFrom(statuses).Draw(t, "target")
			err := sm.Transition(target)
			if CanTransition(model, target) {
				if err != nil {
					t.Fatalf("legal transition %s -> %s rejected: %v", model, target, err)
				}
				model = target
			} else if err == nil {
				t.Fatalf("illegal transition %s -> %s accepted", model, target)
			}
			if sm.Current() != model {
				t.Fatalf("state %s diverged from model %s", sm.Current(), model)
			}
		}
	})
}

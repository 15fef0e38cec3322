package engine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/colloquy/types"
)

// validTransitions defines the legal conversation status changes.
var validTransitions = map[types.Status][]types.Status{
	types.StatusIdle:      {types.StatusRunning},
	types.StatusRunning:   {types.StatusPaused, types.StatusCompleted, types.StatusFinishing, types.StatusIdle},
	types.StatusPaused:    {types.StatusRunning, types.StatusFinishing, types.StatusIdle},
	types.StatusFinishing: {types.StatusCompleted, types.StatusIdle},
	types.StatusCompleted: {types.StatusIdle, types.StatusRunning}, // explicit restart allowed
}

// validTurnTransitions defines the legal turn state changes.
// completed and cancelled are terminal; failed turns may be retried.
var validTurnTransitions = map[types.TurnState][]types.TurnState{
	types.TurnPlanned: {types.TurnRunning, types.TurnCancelled},
	types.TurnRunning: {types.TurnCompleted, types.TurnFailed, types.TurnCancelled},
	types.TurnFailed:  {types.TurnRunning, types.TurnCancelled},
}

// CanTransition checks whether a conversation status change is legal.
func CanTransition(from, to types.Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionTurn checks whether a turn state change is legal.
func CanTransitionTurn(from, to types.TurnState) bool {
	for _, s := range validTurnTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateListener is notified after every successful transition.
type StateListener func(from, to types.Status)

// StateMachine validates and applies conversation status transitions.
// It performs no I/O; listeners run synchronously in registration order.
type StateMachine struct {
	mu        sync.Mutex
	current   types.Status
	listeners []StateListener
	logger    *zap.Logger
}

// NewStateMachine creates a state machine at the given initial status.
func NewStateMachine(initial types.Status, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if initial == "" {
		initial = types.StatusIdle
	}
	return &StateMachine{
		current: initial,
		logger:  logger.With(zap.String("component", "state_machine")),
	}
}

// Current returns the current status.
func (m *StateMachine) Current() types.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe registers a listener for successful transitions.
func (m *StateMachine) Subscribe(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Transition moves to the target status if the change is legal. An illegal
// change is rejected without mutating state: it is logged and returned as a
// non-fatal error, and the caller's action becomes a no-op.
func (m *StateMachine) Transition(to types.Status) error {
	m.mu.Lock()
	from := m.current
	if !CanTransition(from, to) {
		m.mu.Unlock()
		m.logger.Warn("invalid state transition rejected",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return types.NewErrorf(types.ErrInvalidTransition, "invalid transition: %s -> %s", from, to)
	}
	m.current = to
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(from, to)
	}
	return nil
}

package types

import "time"

// Mode selects the turn-selection policy for a conversation.
type Mode string

const (
	ModeRoundRobin Mode = "round_robin" // fixed registration order
	ModeModerator  Mode = "moderator"   // weighted toward quiet agents
	ModeDynamic    Mode = "dynamic"     // @mention addressing with round-robin fallback
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusFinishing Status = "finishing"
	StatusCompleted Status = "completed"
)

// Conversation is a turn-based multi-agent discussion toward a shared goal.
// It is mutated only through the engine while a run is active.
type Conversation struct {
	ID           string        `json:"id"`
	Subject      string        `json:"subject"`
	Goal         string        `json:"goal,omitempty"`
	Mode         Mode          `json:"mode"`
	Status       Status        `json:"status"`
	CurrentRound int           `json:"current_round"`
	TurnDelay    time.Duration `json:"turn_delay,omitempty"`
	MaxRounds    int           `json:"max_rounds,omitempty"` // 0 means unlimited
	MaxTurns     int           `json:"max_turns,omitempty"`  // 0 means unlimited
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TurnState is the lifecycle state of a single turn.
type TurnState string

const (
	TurnPlanned   TurnState = "planned"
	TurnRunning   TurnState = "running"
	TurnCompleted TurnState = "completed"
	TurnFailed    TurnState = "failed" // retryable
	TurnCancelled TurnState = "cancelled"
)

// Terminal reports whether the state allows no further transitions.
func (s TurnState) Terminal() bool {
	return s == TurnCompleted || s == TurnCancelled
}

// TurnID derives the deterministic identity of a turn. The same
// (conversation, round, sequence) always yields the same id, so
// re-scheduling a turn can never create a duplicate record.
func TurnID(conversationID string, round, sequence int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", conversationID, round, sequence)))
	return hex.EncodeToString(sum[:16])
}

// TurnSchedule is the ephemeral output of speaker selection. It is the
// input to turn creation and is never persisted directly.
type TurnSchedule struct {
	Round       int    `json:"round"`
	Sequence    int    `json:"sequence"`
	AgentID     string `json:"agent_id"`
	AddressedTo string `json:"addressed_to,omitempty"` // agent that asked for this speaker
}

// Turn is one scheduled speaking opportunity for one agent.
type Turn struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Round          int        `json:"round"`
	Sequence       int        `json:"sequence"`
	AgentID        string     `json:"agent_id"`
	State          TurnState  `json:"state"`
	TokensUsed     int        `json:"tokens_used,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// NewTurn creates a planned turn for the given schedule.
func NewTurn(conversationID string, sched TurnSchedule) *Turn {
	return &Turn{
		ID:             TurnID(conversationID, sched.Round, sched.Sequence),
		ConversationID: conversationID,
		Round:          sched.Round,
		Sequence:       sched.Sequence,
		AgentID:        sched.AgentID,
		State:          TurnPlanned,
		CreatedAt:      time.Now(),
	}
}

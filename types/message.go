package types

import "time"

// MessageType classifies a conversation message.
type MessageType string

const (
	MessageResponse     MessageType = "response"     // produced by a completed turn
	MessageSummary      MessageType = "summary"      // secretary round summary
	MessageInterjection MessageType = "interjection" // user-submitted text
	MessageSystem       MessageType = "system"
)

// Message is an immutable conversation record. Exactly one response
// message exists per completed turn.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	TurnID         string      `json:"turn_id,omitempty"`
	AgentID        string      `json:"agent_id,omitempty"`
	Round          int         `json:"round"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	Weight         int         `json:"weight,omitempty"` // user-assigned importance
	CreatedAt      time.Time   `json:"created_at"`
}

// Interjection is user-submitted text waiting to enter the conversation,
// either immediately or at a future round boundary.
type Interjection struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	AfterRound     int       `json:"after_round"` // delivered at or after this round
	Processed      bool      `json:"processed"`
	CreatedAt      time.Time `json:"created_at"`
}

// MaxInterjectionLength bounds interjection content, enforced at the
// public control surface rather than inside the queue.
const MaxInterjectionLength = 2000

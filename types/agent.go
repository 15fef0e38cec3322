package types

import "time"

// Agent is a discussion participant backed by a model call.
// Secretary agents never appear in the turn rotation; they are consulted
// only for round summaries and result drafts.
type Agent struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name"`
	Role           string    `json:"role,omitempty"`
	Expertise      string    `json:"expertise,omitempty"`
	SystemPrompt   string    `json:"system_prompt,omitempty"`
	Model          string    `json:"model,omitempty"`
	IsSecretary    bool      `json:"is_secretary,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

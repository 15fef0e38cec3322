package types

import "time"

// ResultStats are the aggregate statistics attached to a final draft.
type ResultStats struct {
	MessageCount    int        `json:"message_count"`
	RoundsCompleted int        `json:"rounds_completed"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ResultDraft is the incrementally updated discussion outcome. One draft
// exists per conversation; the aggregator is its only writer and the last
// write wins per field.
type ResultDraft struct {
	ConversationID  string      `json:"conversation_id"`
	Summary         string      `json:"summary,omitempty"`
	KeyDecisions    []string    `json:"key_decisions,omitempty"`
	Themes          []string    `json:"themes,omitempty"`
	Consensus       string      `json:"consensus,omitempty"`
	Disagreements   string      `json:"disagreements,omitempty"`
	RoundSummaries  []string    `json:"round_summaries,omitempty"`
	LastUpdateRound int         `json:"last_update_round"`
	Stats           ResultStats `json:"stats"`
	FinalizedAt     *time.Time  `json:"finalized_at,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Finalized reports whether a final structured draft has been produced.
func (d *ResultDraft) Finalized() bool {
	return d.FinalizedAt != nil
}

// Package store provides the persistence boundary for conversations,
// agents, turns, messages, interjections, and result drafts.
//
// Supported backends:
//   - Memory: for development and testing (default)
//   - Gorm: sqlite / postgres / mysql for production deployments
package store

import (
	"context"
	"errors"

	"github.com/BaSui01/colloquy/types"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrStoreClosed = errors.New("store is closed")
)

// Store is the CRUD record store the engine persists through. Turn lookup
// is by deterministic id (types.TurnID). Implementations serialize their
// own writes per record; they are safe for concurrent use.
type Store interface {
	SaveConversation(ctx context.Context, conv *types.Conversation) error
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)

	SaveAgent(ctx context.Context, agent *types.Agent) error
	ListAgents(ctx context.Context, conversationID string) ([]*types.Agent, error)

	SaveTurn(ctx context.Context, turn *types.Turn) error
	GetTurn(ctx context.Context, id string) (*types.Turn, error)
	ListTurns(ctx context.Context, conversationID string) ([]*types.Turn, error)

	SaveMessage(ctx context.Context, msg *types.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error)

	// MessagesSinceRound returns messages with Round >= round, oldest first.
	MessagesSinceRound(ctx context.Context, conversationID string, round int) ([]*types.Message, error)

	// RecentMessages returns up to n messages, newest first.
	RecentMessages(ctx context.Context, conversationID string, n int) ([]*types.Message, error)

	SaveInterjection(ctx context.Context, in *types.Interjection) error
	UnprocessedInterjections(ctx context.Context, conversationID string) ([]*types.Interjection, error)

	SaveResultDraft(ctx context.Context, draft *types.ResultDraft) error
	GetResultDraft(ctx context.Context, conversationID string) (*types.ResultDraft, error)

	Ping(ctx context.Context) error
	Close() error
}

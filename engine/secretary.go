package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/colloquy/llm"
	"github.com/BaSui01/colloquy/store"
	"github.com/BaSui01/colloquy/types"
)

// Secretary produces discussion summaries. Every method is best-effort from
// the engine's point of view: a failure is logged and the discussion
// continues.
type Secretary interface {
	// RoundSummary summarizes the responses of one finished round. An
	// empty string with nil error means there was nothing to summarize.
	RoundSummary(ctx context.Context, round int) (string, error)

	// FinalDraft produces a structured outcome for the whole discussion.
	FinalDraft(ctx context.Context, conv *types.Conversation) (*types.ResultDraft, error)
}

// LLMSecretary implements Secretary with a dedicated agent persona backed
// by an LLM provider.
type LLMSecretary struct {
	agent          *types.Agent
	provider       llm.Provider
	store          store.Store
	conversationID string
	logger         *zap.Logger
}

// NewLLMSecretary creates a secretary for the given conversation.
func NewLLMSecretary(agent *types.Agent, provider llm.Provider, st store.Store, conversationID string, logger *zap.Logger) *LLMSecretary {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMSecretary{
		agent:          agent,
		provider:       provider,
		store:          st,
		conversationID: conversationID,
		logger:         logger.With(zap.String("component", "secretary")),
	}
}

func (s *LLMSecretary) systemPrompt() string {
	if s.agent != nil && s.agent.SystemPrompt != "" {
		return s.agent.SystemPrompt
	}
	return "You are the discussion secretary. Summarize accurately and concisely, without adding opinions of your own."
}

func (s *LLMSecretary) model() string {
	if s.agent != nil {
		return s.agent.Model
	}
	return ""
}

// RoundSummary summarizes the response messages of one round.
func (s *LLMSecretary) RoundSummary(ctx context.Context, round int) (string, error) {
	msgs, err := s.store.MessagesSinceRound(ctx, s.conversationID, round)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, m := range msgs {
		if m.Round != round || m.Type != types.MessageResponse {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.AgentID, m.Content)
	}
	if sb.Len() == 0 {
		return "", nil
	}

	resp, err := s.provider.Completion(ctx, &llm.ChatRequest{
		Model: s.model(),
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: s.systemPrompt()},
			{Role: llm.RoleUser, Content: fmt.Sprintf(
				"Summarize round %d of the discussion in a few sentences:\n\n%s", round, sb.String())},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// FinalDraft asks the provider for a closing summary of the discussion.
// Only the summary field is filled in; the aggregator merges it with its
// own statistics.
func (s *LLMSecretary) FinalDraft(ctx context.Context, conv *types.Conversation) (*types.ResultDraft, error) {
	msgs, err := s.store.RecentMessages(ctx, s.conversationID, 50)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for i := len(msgs) - 1; i >= 0; i-- { // oldest first
		m := msgs[i]
		if m.Type != types.MessageResponse && m.Type != types.MessageInterjection {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.AgentID, m.Content)
	}

	prompt := fmt.Sprintf(
		"The discussion on %q has ended. Goal: %s.\nWrite a final summary covering key decisions, points of consensus, and open disagreements.\n\nTranscript:\n%s",
		conv.Subject, conv.Goal, sb.String())

	resp, err := s.provider.Completion(ctx, &llm.ChatRequest{
		Model: s.model(),
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: s.systemPrompt()},
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, types.NewError(types.ErrProviderFailure, "secretary returned no choices")
	}
	return &types.ResultDraft{
		ConversationID: conv.ID,
		Summary:        strings.TrimSpace(resp.Choices[0].Message.Content),
	}, nil
}

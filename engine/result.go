package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/colloquy/store"
	"github.com/BaSui01/colloquy/types"
)

const (
	// maxKeyDecisions caps the weighted messages promoted into the final draft.
	maxKeyDecisions = 10
	// recentDecisionCount is how many recent responses stand in for key
	// decisions when no message carries a weight.
	recentDecisionCount = 5
)

// ResultAggregator maintains the single result draft of a conversation. It
// is the draft's only writer: incremental updates fold in each finished
// round, and finalization produces the structured outcome, via the
// secretary when one is available and deterministically otherwise.
type ResultAggregator struct {
	conversationID string
	store          store.Store
	secretary      Secretary
	logger         *zap.Logger

	mu    sync.Mutex
	draft *types.ResultDraft
}

// NewResultAggregator creates an aggregator. The secretary may be nil.
func NewResultAggregator(conversationID string, st store.Store, secretary Secretary, logger *zap.Logger) *ResultAggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultAggregator{
		conversationID: conversationID,
		store:          st,
		secretary:      secretary,
		logger:         logger.With(zap.String("component", "result_aggregator")),
	}
}

// loadDraft returns the in-memory draft, reading it from the store on first
// use. Callers must hold the mutex.
func (a *ResultAggregator) loadDraft(ctx context.Context) (*types.ResultDraft, error) {
	if a.draft != nil {
		return a.draft, nil
	}
	draft, err := a.store.GetResultDraft(ctx, a.conversationID)
	if errors.Is(err, store.ErrNotFound) {
		draft = &types.ResultDraft{ConversationID: a.conversationID}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	a.draft = draft
	return draft, nil
}

// Draft returns a copy of the current draft, or nil before the first update.
func (a *ResultAggregator) Draft() *types.ResultDraft {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.draft == nil {
		return nil
	}
	cp := *a.draft
	return &cp
}

// IncrementalUpdate folds the just-finished round into the draft.
// currentRound is the conversation's round counter after the increment, so
// the finished round is currentRound-1. Calling it twice for the same round
// is a no-op, which keeps restarts safe.
func (a *ResultAggregator) IncrementalUpdate(ctx context.Context, currentRound int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	draft, err := a.loadDraft(ctx)
	if err != nil {
		return err
	}
	if currentRound <= draft.LastUpdateRound {
		return nil
	}
	finished := currentRound - 1

	msgs, err := a.store.MessagesSinceRound(ctx, a.conversationID, finished)
	if err != nil {
		return err
	}
	speakers := make(map[string]struct{})
	responses := 0
	for _, m := range msgs {
		if m.Round != finished || m.Type != types.MessageResponse {
			continue
		}
		responses++
		speakers[m.AgentID] = struct{}{}
	}
	draft.RoundSummaries = append(draft.RoundSummaries,
		fmt.Sprintf("Round %d: %d responses from %d agents", finished, responses, len(speakers)))

	total, err := a.store.ListMessages(ctx, a.conversationID)
	if err != nil {
		return err
	}
	draft.Stats.MessageCount = len(total)
	draft.Stats.RoundsCompleted = currentRound
	draft.LastUpdateRound = currentRound
	draft.UpdatedAt = time.Now()

	if err := a.store.SaveResultDraft(ctx, draft); err != nil {
		return err
	}
	a.logger.Debug("draft updated", zap.Int("round", finished))
	return nil
}

// Finalize produces the final structured draft. The secretary is tried
// first; on failure, or without one, a deterministic fallback is built from
// the subject, goal, participant list, top-weighted messages (or the most
// recent responses when nothing is weighted), and the aggregate statistics.
func (a *ResultAggregator) Finalize(ctx context.Context, conv *types.Conversation) (*types.ResultDraft, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	draft, err := a.loadDraft(ctx)
	if err != nil {
		return nil, err
	}

	if a.secretary != nil {
		generated, err := a.secretary.FinalDraft(ctx, conv)
		if err != nil {
			a.logger.Warn("secretary final draft failed, using fallback", zap.Error(err))
		} else if generated != nil && generated.Summary != "" {
			draft.Summary = generated.Summary
			if len(generated.KeyDecisions) > 0 {
				draft.KeyDecisions = generated.KeyDecisions
			}
			if generated.Consensus != "" {
				draft.Consensus = generated.Consensus
			}
			if generated.Disagreements != "" {
				draft.Disagreements = generated.Disagreements
			}
			return a.finalize(ctx, draft)
		}
	}

	if err := a.fallback(ctx, conv, draft); err != nil {
		return nil, err
	}
	return a.finalize(ctx, draft)
}

func (a *ResultAggregator) finalize(ctx context.Context, draft *types.ResultDraft) (*types.ResultDraft, error) {
	now := time.Now()
	draft.FinalizedAt = &now
	draft.Stats.CompletedAt = &now
	draft.UpdatedAt = now
	if err := a.store.SaveResultDraft(ctx, draft); err != nil {
		return nil, err
	}
	cp := *draft
	return &cp, nil
}

// fallback fills the draft without any LLM call. The same inputs always
// produce the same draft.
func (a *ResultAggregator) fallback(ctx context.Context, conv *types.Conversation, draft *types.ResultDraft) error {
	agents, err := a.store.ListAgents(ctx, a.conversationID)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(agents))
	nameByID := make(map[string]string, len(agents))
	for _, ag := range agents {
		nameByID[ag.ID] = ag.Name
		if !ag.IsSecretary {
			names = append(names, ag.Name)
		}
	}

	msgs, err := a.store.ListMessages(ctx, a.conversationID)
	if err != nil {
		return err
	}
	weighted := make([]*types.Message, 0)
	for _, m := range msgs {
		if m.Type == types.MessageResponse && m.Weight >= 2 {
			weighted = append(weighted, m)
		}
	}
	sort.SliceStable(weighted, func(i, j int) bool { return weighted[i].Weight > weighted[j].Weight })
	if len(weighted) > maxKeyDecisions {
		weighted = weighted[:maxKeyDecisions]
	}
	if len(weighted) == 0 {
		recent := make([]*types.Message, 0, recentDecisionCount)
		for i := len(msgs) - 1; i >= 0 && len(recent) < recentDecisionCount; i-- {
			if msgs[i].Type == types.MessageResponse {
				recent = append(recent, msgs[i])
			}
		}
		// oldest first
		for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
			recent[i], recent[j] = recent[j], recent[i]
		}
		weighted = recent
	}

	decisions := make([]string, 0, len(weighted))
	for _, m := range weighted {
		name := nameByID[m.AgentID]
		if name == "" {
			name = m.AgentID
		}
		decisions = append(decisions, fmt.Sprintf("%s: %s", name, truncate(m.Content, 200)))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Discussion of %q", conv.Subject)
	if conv.Goal != "" {
		fmt.Fprintf(&sb, " toward: %s.", conv.Goal)
	} else {
		sb.WriteString(".")
	}
	fmt.Fprintf(&sb, " Participants: %s.", strings.Join(names, ", "))
	fmt.Fprintf(&sb, " %d messages over %d rounds.", len(msgs), draft.Stats.RoundsCompleted)

	draft.Summary = sb.String()
	draft.KeyDecisions = decisions
	draft.Stats.MessageCount = len(msgs)
	return nil
}

// Clear resets the draft to empty. Used on conversation reset.
func (a *ResultAggregator) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	draft := &types.ResultDraft{ConversationID: a.conversationID, UpdatedAt: time.Now()}
	if err := a.store.SaveResultDraft(ctx, draft); err != nil {
		return err
	}
	a.draft = draft
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ExportMarkdown renders a draft and transcript as a markdown document.
// It is a pure function of its inputs.
func ExportMarkdown(conv *types.Conversation, draft *types.ResultDraft, msgs []*types.Message, agents []*types.Agent) string {
	nameByID := make(map[string]string, len(agents))
	for _, a := range agents {
		nameByID[a.ID] = a.Name
	}
	speaker := func(id string) string {
		if n := nameByID[id]; n != "" {
			return n
		}
		if id == "" {
			return "User"
		}
		return id
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", conv.Subject)
	if conv.Goal != "" {
		fmt.Fprintf(&sb, "Goal: %s\n\n", conv.Goal)
	}
	if draft != nil && draft.Summary != "" {
		fmt.Fprintf(&sb, "## Summary\n\n%s\n\n", draft.Summary)
	}
	if draft != nil && len(draft.KeyDecisions) > 0 {
		sb.WriteString("## Key Decisions\n\n")
		for _, d := range draft.KeyDecisions {
			fmt.Fprintf(&sb, "- %s\n", d)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("## Transcript\n\n")
	round := -1
	for _, m := range msgs {
		if m.Round != round {
			round = m.Round
			fmt.Fprintf(&sb, "### Round %d\n\n", round)
		}
		switch m.Type {
		case types.MessageInterjection:
			fmt.Fprintf(&sb, "**[User interjection]** %s\n\n", m.Content)
		case types.MessageSummary:
			fmt.Fprintf(&sb, "**[Summary]** %s\n\n", m.Content)
		default:
			fmt.Fprintf(&sb, "**%s:** %s\n\n", speaker(m.AgentID), m.Content)
		}
	}
	return sb.String()
}

// ExportJSON renders a draft as indented JSON.
func ExportJSON(draft *types.ResultDraft) ([]byte, error) {
	return json.MarshalIndent(draft, "", "  ")
}

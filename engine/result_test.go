package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/colloquy/store"
	"github.com/BaSui01/colloquy/testutil"
	"github.com/BaSui01/colloquy/types"
)

func seedDiscussion(t *testing.T, st store.Store) *types.Conversation {
	t.Helper()
	ctx := testutil.TestContext(t)
	conv := &types.Conversation{
		ID:      "conv-1",
		Subject: "api versioning",
		Goal:    "pick a strategy",
		Mode:    types.ModeRoundRobin,
	}
	require.NoError(t, st.SaveConversation(ctx, conv))
	for i, n := range []string{"Alice", "Bob"} {
		require.NoError(t, st.SaveAgent(ctx, &types.Agent{
			ID: fmt.Sprintf("agent-%d", i), ConversationID: conv.ID, Name: n, CreatedAt: time.Now(),
		}))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, st.SaveMessage(ctx, &types.Message{
			ID:             fmt.Sprintf("msg-%d", i),
			ConversationID: conv.ID,
			AgentID:        fmt.Sprintf("agent-%d", i%2),
			Round:          i / 2,
			Type:           types.MessageResponse,
			Content:        fmt.Sprintf("point %d", i),
			CreatedAt:      time.Now(),
		}))
	}
	return conv
}

func TestIncrementalUpdate(t *testing.T) {
	ctx := testutil.TestContext(t)
	st := store.NewMemoryStore()
	seedDiscussion(t, st)
	agg := NewResultAggregator("conv-1", st, nil, nil)

	require.NoError(t, agg.IncrementalUpdate(ctx, 1))
	draft := agg.Draft()
	require.NotNil(t, draft)
	assert.Equal(t, 1, draft.LastUpdateRound)
	assert.Equal(t, 1, draft.Stats.RoundsCompleted)
	assert.Equal(t, 4, draft.Stats.MessageCount)
	require.Len(t, draft.RoundSummaries, 1)
	assert.Contains(t, draft.RoundSummaries[0], "Round 0")

	t.Run("repeat call is a no-op", func(t *testing.T) {
		require.NoError(t, agg.IncrementalUpdate(ctx, 1))
		assert.Len(t, agg.Draft().RoundSummaries, 1)
	})

	t.Run("next round appends", func(t *testing.T) {
		require.NoError(t, agg.IncrementalUpdate(ctx, 2))
		draft := agg.Draft()
		assert.Len(t, draft.RoundSummaries, 2)
		assert.Equal(t, 2, draft.LastUpdateRound)
	})

	t.Run("draft is persisted", func(t *testing.T) {
		saved, err := st.GetResultDraft(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, 2, saved.LastUpdateRound)
	})
}

func TestFinalizeFallback(t *testing.T) {
	ctx := testutil.TestContext(t)
	st := store.NewMemoryStore()
	conv := seedDiscussion(t, st)

	// two weighted messages become key decisions, highest weight first
	require.NoError(t, st.SaveMessage(ctx, &types.Message{
		ID: "w-1", ConversationID: "conv-1", AgentID: "agent-0", Round: 1,
		Type: types.MessageResponse, Content: "we should pin the major version", Weight: 2, CreatedAt: time.Now(),
	}))
	require.NoError(t, st.SaveMessage(ctx, &types.Message{
		ID: "w-2", ConversationID: "conv-1", AgentID: "agent-1", Round: 1,
		Type: types.MessageResponse, Content: "headers beat URL paths", Weight: 5, CreatedAt: time.Now(),
	}))

	agg := NewResultAggregator("conv-1", st, nil, nil)
	draft, err := agg.Finalize(ctx, conv)
	require.NoError(t, err)

	assert.True(t, draft.Finalized())
	assert.Contains(t, draft.Summary, "api versioning")
	assert.Contains(t, draft.Summary, "Alice")
	require.Len(t, draft.KeyDecisions, 2)
	assert.Contains(t, draft.KeyDecisions[0], "headers beat URL paths")
	assert.Contains(t, draft.KeyDecisions[1], "pin the major version")
	assert.NotNil(t, draft.Stats.CompletedAt)
}

func TestFinalizeFallbackUnweighted(t *testing.T) {
	ctx := testutil.TestContext(t)
	st := store.NewMemoryStore()
	conv := seedDiscussion(t, st) // four responses, nothing weighted
	for i := 4; i < 7; i++ {
		require.NoError(t, st.SaveMessage(ctx, &types.Message{
			ID:             fmt.Sprintf("msg-%d", i),
			ConversationID: "conv-1",
			AgentID:        fmt.Sprintf("agent-%d", i%2),
			Round:          i / 2,
			Type:           types.MessageResponse,
			Content:        fmt.Sprintf("point %d", i),
			CreatedAt:      time.Now(),
		}))
	}

	agg := NewResultAggregator("conv-1", st, nil, nil)
	draft, err := agg.Finalize(ctx, conv)
	require.NoError(t, err)

	require.Len(t, draft.KeyDecisions, 5, "recent responses stand in when nothing is weighted")
	assert.Contains(t, draft.KeyDecisions[0], "point 2", "oldest of the five comes first")
	assert.Contains(t, draft.KeyDecisions[4], "point 6")
}

type stubSecretary struct {
	summary string
	err     error
}

func (s *stubSecretary) RoundSummary(ctx context.Context, round int) (string, error) {
	return s.summary, s.err
}

func (s *stubSecretary) FinalDraft(ctx context.Context, conv *types.Conversation) (*types.ResultDraft, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &types.ResultDraft{ConversationID: conv.ID, Summary: s.summary}, nil
}

func TestFinalizeWithSecretary(t *testing.T) {
	ctx := testutil.TestContext(t)
	st := store.NewMemoryStore()
	conv := seedDiscussion(t, st)

	t.Run("secretary summary wins", func(t *testing.T) {
		agg := NewResultAggregator("conv-1", st, &stubSecretary{summary: "the room agreed on headers"}, nil)
		draft, err := agg.Finalize(ctx, conv)
		require.NoError(t, err)
		assert.Equal(t, "the room agreed on headers", draft.Summary)
		assert.True(t, draft.Finalized())
	})

	t.Run("secretary failure falls back deterministically", func(t *testing.T) {
		agg := NewResultAggregator("conv-1", st, &stubSecretary{err: errors.New("provider down")}, nil)
		draft, err := agg.Finalize(ctx, conv)
		require.NoError(t, err)
		assert.Contains(t, draft.Summary, "api versioning")
		assert.True(t, draft.Finalized())
	})
}

func TestClearDraft(t *testing.T) {
	ctx := testutil.TestContext(t)
	st := store.NewMemoryStore()
	seedDiscussion(t, st)
	agg := NewResultAggregator("conv-1", st, nil, nil)

	require.NoError(t, agg.IncrementalUpdate(ctx, 1))
	require.NoError(t, agg.Clear(ctx))

	draft := agg.Draft()
	require.NotNil(t, draft)
	assert.Empty(t, draft.RoundSummaries)
	assert.Zero(t, draft.LastUpdateRound)
	assert.False(t, draft.Finalized())
}

func TestExportMarkdown(t *testing.T) {
	conv := &types.Conversation{ID: "conv-1", Subject: "api versioning", Goal: "pick a strategy"}
	agents := []*types.Agent{{ID: "agent-0", Name: "Alice"}}
	draft := &types.ResultDraft{
		Summary:      "headers won",
		KeyDecisions: []string{"Alice: use headers"},
	}
	msgs := []*types.Message{
		{Round: 0, Type: types.MessageResponse, AgentID: "agent-0", Content: "headers are cleaner"},
		{Round: 0, Type: types.MessageInterjection, Content: "what about caching?"},
		{Round: 1, Type: types.MessageSummary, Content: "round went well"},
	}

	doc := ExportMarkdown(conv, draft, msgs, agents)
	assert.Contains(t, doc, "# api versioning")
	assert.Contains(t, doc, "## Summary")
	assert.Contains(t, doc, "headers won")
	assert.Contains(t, doc, "**Alice:** headers are cleaner")
	assert.Contains(t, doc, "[User interjection]")
	assert.Contains(t, doc, "### Round 1")

	// pure function: same inputs, same document
	assert.Equal(t, doc, ExportMarkdown(conv, draft, msgs, agents))
}

func TestExportJSON(t *testing.T) {
	draft := &types.ResultDraft{ConversationID: "conv-1", Summary: "done"}
	data, err := ExportJSON(draft)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "conv-1", decoded["conversation_id"])
}

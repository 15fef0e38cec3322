package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/colloquy/store"
	"github.com/BaSui01/colloquy/testutil"
	"github.com/BaSui01/colloquy/types"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type() == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	store    *store.MemoryStore
	conv     *types.Conversation
	provider *testutil.ScriptedProvider
	recorder *eventRecorder
	bus      Bus
}

func newFixture(t *testing.T, mode types.Mode, maxRounds, maxTurns int, provider *testutil.ScriptedProvider, names ...string) *fixture {
	t.Helper()
	ctx := testutil.TestContext(t)
	st := store.NewMemoryStore()
	conv := &types.Conversation{
		ID:        "conv-1",
		Subject:   "api versioning",
		Goal:      "pick a strategy",
		Mode:      mode,
		Status:    types.StatusIdle,
		MaxRounds: maxRounds,
		MaxTurns:  maxTurns,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.SaveConversation(ctx, conv))
	for i, n := range names {
		require.NoError(t, st.SaveAgent(ctx, &types.Agent{
			ID:             fmt.Sprintf("agent-%d", i),
			ConversationID: conv.ID,
			Name:           n,
			CreatedAt:      time.Now(),
		}))
	}

	rec := &eventRecorder{}
	bus := NewBus(nil)
	bus.SubscribeAll(rec.record)
	return &fixture{store: st, conv: conv, provider: provider, recorder: rec, bus: bus}
}

func (f *fixture) newEngine(t *testing.T, opts ...func(*Options)) *Engine {
	t.Helper()
	ctx := testutil.TestContext(t)
	o := Options{
		Conversation: f.conv,
		Store:        f.store,
		Provider:     f.provider,
		Bus:          f.bus,
		RetryBackoff: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	eng, err := New(ctx, o)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func waitCompleted(t *testing.T, eng *Engine) {
	t.Helper()
	ok := testutil.WaitFor(t, 10*time.Second, func() bool {
		return eng.Status() == types.StatusCompleted
	})
	require.True(t, ok, "conversation did not complete, status %s", eng.Status())
}

func TestEngineRunsOneRound(t *testing.T) {
	ctx := testutil.TestContext(t)
	provider := &testutil.ScriptedProvider{Responses: []string{"use headers", "agree", "also agree"}}
	f := newFixture(t, types.ModeRoundRobin, 1, 0, provider, "Alice", "Bob", "Carol")
	eng := f.newEngine(t)

	require.NoError(t, eng.Start(ctx))
	waitCompleted(t, eng)

	turns, err := f.store.ListTurns(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for _, turn := range turns {
		assert.Equal(t, types.TurnCompleted, turn.State)
	}

	msgs, err := f.store.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	responses := 0
	for _, m := range msgs {
		if m.Type == types.MessageResponse {
			responses++
		}
	}
	assert.Equal(t, 3, responses)

	rounds := f.recorder.byType(EventRoundComplete)
	require.Len(t, rounds, 1)
	assert.Equal(t, 0, rounds[0].(RoundCompleteEvent).Round)

	assert.Equal(t, 1, eng.CurrentRound())

	saved, err := f.store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, saved.Status)
	assert.Equal(t, 1, saved.CurrentRound)

	draft := eng.Draft()
	require.NotNil(t, draft)
	assert.True(t, draft.Finalized())

	assert.Greater(t, eng.Usage().TotalTokens, 0)
}

func TestEngineRetriesFailedTurn(t *testing.T) {
	ctx := testutil.TestContext(t)
	provider := &testutil.ScriptedProvider{Responses: []string{"eventually fine"}, FailFirst: 1}
	f := newFixture(t, types.ModeRoundRobin, 1, 0, provider, "Alice")
	eng := f.newEngine(t)

	require.NoError(t, eng.Start(ctx))
	waitCompleted(t, eng)

	assert.Equal(t, 2, provider.Calls(), "first attempt fails, retry succeeds")

	turns, err := f.store.ListTurns(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, turns, 1, "retry reuses the same turn record")
	assert.Equal(t, types.TurnCompleted, turns[0].State)

	msgs, err := f.store.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "no duplicate message from the failed attempt")
	assert.Equal(t, "eventually fine", msgs[0].Content)
}

func TestEngineSkipsCompletedTurns(t *testing.T) {
	ctx := testutil.TestContext(t)
	provider := &testutil.ScriptedProvider{Responses: []string{"fresh response"}}
	f := newFixture(t, types.ModeRoundRobin, 1, 0, provider, "Alice", "Bob")

	// Alice's turn finished in a previous run.
	done := types.NewTurn("conv-1", types.TurnSchedule{Round: 0, Sequence: 0, AgentID: "agent-0"})
	done.State = types.TurnCompleted
	require.NoError(t, f.store.SaveTurn(ctx, done))
	require.NoError(t, f.store.SaveMessage(ctx, &types.Message{
		ID: "old-msg", ConversationID: "conv-1", TurnID: done.ID, AgentID: "agent-0",
		Round: 0, Type: types.MessageResponse, Content: "from the previous run", CreatedAt: time.Now(),
	}))

	eng := f.newEngine(t)
	require.NoError(t, eng.Start(ctx))
	waitCompleted(t, eng)

	assert.Equal(t, 1, provider.Calls(), "only Bob's turn reaches the provider")

	msgs, err := f.store.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "the completed turn is never replayed")
}

func TestEngineDeliversImmediateInterjection(t *testing.T) {
	ctx := testutil.TestContext(t)
	provider := &testutil.ScriptedProvider{Responses: []string{"noted"}}
	f := newFixture(t, types.ModeRoundRobin, 1, 0, provider, "Alice")
	eng := f.newEngine(t)

	require.NoError(t, eng.AddInterjection(ctx, "please consider caching", true))
	require.NoError(t, eng.Start(ctx))
	waitCompleted(t, eng)

	msgs, err := f.store.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, types.MessageInterjection, msgs[0].Type, "interjection lands before the first response")
	assert.Equal(t, "please consider caching", msgs[0].Content)
	assert.Equal(t, types.MessageResponse, msgs[1].Type)

	pending, err := f.store.UnprocessedInterjections(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEngineDeliversNextRoundInterjection(t *testing.T) {
	ctx := testutil.TestContext(t)
	provider := &testutil.ScriptedProvider{Responses: []string{"round one", "round two"}}
	f := newFixture(t, types.ModeRoundRobin, 2, 0, provider, "Alice")
	eng := f.newEngine(t)

	require.NoError(t, eng.AddInterjection(ctx, "remember the deadline", false))
	require.NoError(t, eng.Start(ctx))
	waitCompleted(t, eng)

	msgs, err := f.store.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	var interjections []*types.Message
	for _, m := range msgs {
		if m.Type == types.MessageInterjection {
			interjections = append(interjections, m)
		}
	}
	require.Len(t, interjections, 1, "the interjection enters at the round boundary")
	assert.Equal(t, "remember the deadline", interjections[0].Content)
	assert.Equal(t, 1, interjections[0].Round, "it lands in round 1, not round 0")

	pending, err := f.store.UnprocessedInterjections(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEngineRejectsBadInterjections(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t, types.ModeRoundRobin, 1, 0, &testutil.ScriptedProvider{}, "Alice")
	eng := f.newEngine(t)

	err := eng.AddInterjection(ctx, "   ", true)
	assert.Equal(t, types.ErrInvalidInterjection, types.GetErrorCode(err))

	long := make([]byte, types.MaxInterjectionLength+1)
	for i := range long {
		long[i] = 'x'
	}
	err = eng.AddInterjection(ctx, string(long), false)
	assert.Equal(t, types.ErrInvalidInterjection, types.GetErrorCode(err))
}

func TestEngineDynamicAddressing(t *testing.T) {
	ctx := testutil.TestContext(t)
	provider := &testutil.ScriptedProvider{Responses: []string{
		"I defer to @Bob on this",
		"thanks, headers are fine",
	}}
	f := newFixture(t, types.ModeDynamic, 1, 0, provider, "Alice", "Bob")
	eng := f.newEngine(t)

	require.NoError(t, eng.Start(ctx))
	waitCompleted(t, eng)

	turns, err := f.store.ListTurns(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "agent-0", turns[0].AgentID, "round robin fallback opens the round")
	assert.Equal(t, "agent-1", turns[1].AgentID, "the mention hands the floor to Bob")
}

func TestEngineMaxTurnsCap(t *testing.T) {
	ctx := testutil.TestContext(t)
	provider := &testutil.ScriptedProvider{Responses: []string{"one", "two"}}
	f := newFixture(t, types.ModeRoundRobin, 0, 2, provider, "Alice", "Bob", "Carol")
	eng := f.newEngine(t)

	require.NoError(t, eng.Start(ctx))
	waitCompleted(t, eng)

	turns, err := f.store.ListTurns(ctx, "conv-1")
	require.NoError(t, err)
	completed := 0
	for _, turn := range turns {
		if turn.State == types.TurnCompleted {
			completed++
		}
	}
	assert.Equal(t, 2, completed)
	assert.Equal(t, 0, eng.CurrentRound(), "the round never finished")
}

func TestEngineLockContention(t *testing.T) {
	ctx := testutil.TestContext(t)
	registry := NewLockRegistry()
	other := registry.NewLocker()
	require.True(t, other.AcquireLock(ctx, "conv-1"))

	f := newFixture(t, types.ModeRoundRobin, 1, 0, &testutil.ScriptedProvider{}, "Alice")
	eng := f.newEngine(t, func(o *Options) { o.Locker = registry.NewLocker() })

	err := eng.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrConversationLocked, types.GetErrorCode(err))
	assert.Equal(t, types.StatusIdle, eng.Status(), "a rejected start changes nothing")

	other.ReleaseLock(ctx, "conv-1")
	require.NoError(t, eng.Start(ctx))
	waitCompleted(t, eng)
}

func TestEnginePauseResumeStop(t *testing.T) {
	ctx := testutil.TestContext(t)
	provider := &testutil.ScriptedProvider{
		Responses:  []string{"thinking out loud"},
		ChunkSize:  4,
		ChunkDelay: 5 * time.Millisecond,
	}
	f := newFixture(t, types.ModeRoundRobin, 0, 0, provider, "Alice", "Bob")
	eng := f.newEngine(t)

	require.NoError(t, eng.Start(ctx))
	ok := testutil.WaitFor(t, 5*time.Second, func() bool {
		msgs, _ := f.store.ListMessages(ctx, "conv-1")
		return len(msgs) >= 1
	})
	require.True(t, ok)

	require.NoError(t, eng.Pause(ctx))
	assert.Equal(t, types.StatusPaused, eng.Status())

	msgs, err := f.store.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	before := len(msgs)
	time.Sleep(50 * time.Millisecond)
	msgs, err = f.store.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, before, len(msgs), "a paused conversation produces nothing")

	// pausing again is rejected without side effects
	err = eng.Pause(ctx)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))

	require.NoError(t, eng.Resume(ctx))
	ok = testutil.WaitFor(t, 5*time.Second, func() bool {
		m, _ := f.store.ListMessages(ctx, "conv-1")
		return len(m) > before
	})
	require.True(t, ok, "resume picks the discussion back up")

	require.NoError(t, eng.Stop(ctx))
	assert.Equal(t, types.StatusCompleted, eng.Status())
	draft := eng.Draft()
	require.NotNil(t, draft)
	assert.True(t, draft.Finalized())
}

func TestEngineReset(t *testing.T) {
	ctx := testutil.TestContext(t)
	provider := &testutil.ScriptedProvider{Responses: []string{"done"}}
	f := newFixture(t, types.ModeRoundRobin, 1, 0, provider, "Alice")
	eng := f.newEngine(t)

	require.NoError(t, eng.Start(ctx))
	waitCompleted(t, eng)
	require.Equal(t, 1, eng.CurrentRound())

	require.NoError(t, eng.Reset(ctx))
	assert.Equal(t, types.StatusIdle, eng.Status())
	assert.Equal(t, 0, eng.CurrentRound())

	draft, err := f.store.GetResultDraft(ctx, "conv-1")
	require.NoError(t, err)
	assert.Zero(t, draft.LastUpdateRound)
	assert.False(t, draft.Finalized())

	msgs, err := f.store.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.NotEmpty(t, msgs, "the transcript survives a reset")
}

func TestEngineForceNextSpeaker(t *testing.T) {
	ctx := testutil.TestContext(t)
	provider := &testutil.ScriptedProvider{Responses: []string{"I was called on", "regular turn"}}
	f := newFixture(t, types.ModeRoundRobin, 1, 0, provider, "Alice", "Bob")
	eng := f.newEngine(t)

	require.NoError(t, eng.ForceNextSpeaker("agent-1"))
	assert.Error(t, eng.ForceNextSpeaker("nobody"))

	require.NoError(t, eng.Start(ctx))
	waitCompleted(t, eng)

	turns, err := f.store.ListTurns(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "agent-1", turns[0].AgentID, "the forced speaker opens the round")
}

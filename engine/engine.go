package engine

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/colloquy/internal/metrics"
	"github.com/BaSui01/colloquy/llm"
	"github.com/BaSui01/colloquy/store"
	"github.com/BaSui01/colloquy/types"
)

const (
	defaultRetryBackoff = 2 * time.Second
	historyWindow       = 30
)

// Options configures an Engine. Conversation, Store, and Provider are
// required; everything else has a working default.
type Options struct {
	Conversation *types.Conversation
	Store        store.Store
	Provider     llm.Provider

	Logger    *zap.Logger
	Bus       Bus
	Locker    Locker
	Secretary Secretary
	Metrics   *metrics.Collector

	// OnError receives non-fatal errors from the run loop.
	OnError func(error)

	// RetryBackoff is the wait before re-attempting a failed turn.
	RetryBackoff time.Duration

	// RecentWindow is how many messages the dynamic policy scans.
	RecentWindow int

	// Rand seeds the moderator policy; nil uses a time-seeded source.
	Rand *rand.Rand
}

// Engine drives one conversation: it schedules turns, executes them
// against the provider, applies interjections, maintains the result draft,
// and exposes the control surface. One engine instance serves one
// conversation.
type Engine struct {
	conv       *types.Conversation
	agents     []*types.Agent
	secretary  *types.Agent
	summarizer Secretary

	store    store.Store
	provider llm.Provider
	logger   *zap.Logger
	bus      Bus
	locker   Locker
	metrics  *metrics.Collector
	onError  func(error)
	backoff  time.Duration

	sm       *StateMachine
	turns    *TurnManager
	queue    *InterjectionQueue
	results  *ResultAggregator
	executor *TurnExecutor

	mu         sync.Mutex
	cancelTurn context.CancelFunc
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	pending    *types.TurnSchedule
	executed   int // completed turns, counted against MaxTurns
	usage      types.TokenUsage

	streamMu sync.RWMutex
	streams  map[string]*strings.Builder
}

// New creates an engine for the conversation in opts. Agents are loaded
// from the store; at most one secretary is honored.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Conversation == nil || opts.Store == nil || opts.Provider == nil {
		return nil, types.NewError(types.ErrMissingConfig, "conversation, store, and provider are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("component", "engine"),
		zap.String("conversation_id", opts.Conversation.ID),
	)
	bus := opts.Bus
	if bus == nil {
		bus = NewBus(logger)
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	agents, err := opts.Store.ListAgents(ctx, opts.Conversation.ID)
	if err != nil {
		return nil, types.NewError(types.ErrStoreFailure, "agent roster load failed").WithCause(err)
	}
	var secretaryAgent *types.Agent
	for _, a := range agents {
		if a.IsSecretary {
			secretaryAgent = a
			break
		}
	}

	tmOpts := []TurnManagerOption{}
	if opts.Rand != nil {
		tmOpts = append(tmOpts, WithRand(opts.Rand))
	}
	if opts.RecentWindow > 0 {
		tmOpts = append(tmOpts, WithRecentWindow(opts.RecentWindow))
	}

	secretary := opts.Secretary
	if secretary == nil && secretaryAgent != nil {
		secretary = NewLLMSecretary(secretaryAgent, opts.Provider, opts.Store, opts.Conversation.ID, opts.Logger)
	}

	e := &Engine{
		conv:       opts.Conversation,
		agents:     agents,
		secretary:  secretaryAgent,
		summarizer: secretary,
		store:     opts.Store,
		provider:  opts.Provider,
		logger:    logger,
		bus:       bus,
		locker:    opts.Locker,
		metrics:   opts.Metrics,
		onError:   opts.OnError,
		backoff:   backoff,
		sm:        NewStateMachine(opts.Conversation.Status, opts.Logger),
		turns:     NewTurnManager(opts.Conversation, agents, opts.Store, opts.Logger, tmOpts...),
		queue:     NewInterjectionQueue(opts.Conversation.ID, opts.Conversation.CurrentRound, opts.Store, opts.Logger),
		results:   NewResultAggregator(opts.Conversation.ID, opts.Store, secretary, opts.Logger),
		executor: NewTurnExecutor(opts.Store, opts.Provider, opts.Logger,
			WithTokenizer(llm.NewTokenizer(modelOf(agents))),
			WithMetrics(opts.Metrics)),
		streams: make(map[string]*strings.Builder),
	}

	turns, err := opts.Store.ListTurns(ctx, opts.Conversation.ID)
	if err == nil {
		for _, t := range turns {
			if t.State == types.TurnCompleted {
				e.executed++
			}
		}
	}
	return e, nil
}

func modelOf(agents []*types.Agent) string {
	for _, a := range agents {
		if a.Model != "" {
			return a.Model
		}
	}
	return ""
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() Bus { return e.bus }

// Status returns the current conversation status.
func (e *Engine) Status() types.Status { return e.sm.Current() }

// CurrentRound returns the conversation's round counter.
func (e *Engine) CurrentRound() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.CurrentRound
}

// Conversation returns a copy of the conversation record.
func (e *Engine) Conversation() types.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.conv
}

// Agents returns the full agent roster, secretary included.
func (e *Engine) Agents() []*types.Agent {
	out := make([]*types.Agent, len(e.agents))
	copy(out, e.agents)
	return out
}

// Draft returns a copy of the current result draft, or nil.
func (e *Engine) Draft() *types.ResultDraft { return e.results.Draft() }

// Usage returns the cumulative token consumption of this run.
func (e *Engine) Usage() types.TokenUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

// StreamingContent returns the text an agent has streamed so far in its
// in-flight turn. It resets when the agent's next turn starts.
func (e *Engine) StreamingContent(agentID string) string {
	e.streamMu.RLock()
	defer e.streamMu.RUnlock()
	if sb, ok := e.streams[agentID]; ok {
		return sb.String()
	}
	return ""
}

// Start transitions the conversation to running and launches the run loop.
// When another process holds the conversation lock, Start fails with
// CONVERSATION_LOCKED and no state changes.
func (e *Engine) Start(ctx context.Context) error {
	if e.locker != nil && !e.locker.AcquireLock(ctx, e.conv.ID) {
		e.metrics.LockContention()
		return types.NewErrorf(types.ErrConversationLocked, "conversation %s is locked by another process", e.conv.ID)
	}
	if err := e.sm.Transition(types.StatusRunning); err != nil {
		return err
	}
	e.setStatus(ctx, types.StatusRunning)
	e.publishLifecycle(EventConversationStarted)
	e.logger.Info("conversation started", zap.String("mode", string(e.conv.Mode)))
	e.launchLoop(ctx)
	return nil
}

// Pause cancels any in-flight provider call, then transitions to paused.
// Pausing a conversation that is not running is a logged no-op.
func (e *Engine) Pause(ctx context.Context) error {
	e.cancelActiveTurn()
	if err := e.sm.Transition(types.StatusPaused); err != nil {
		return err
	}
	e.stopLoop()
	e.setStatus(ctx, types.StatusPaused)
	e.publishLifecycle(EventConversationPaused)
	e.logger.Info("conversation paused")
	return nil
}

// Resume transitions a paused conversation back to running and relaunches
// the run loop. Scheduling picks up exactly where it stopped.
func (e *Engine) Resume(ctx context.Context) error {
	if err := e.sm.Transition(types.StatusRunning); err != nil {
		return err
	}
	e.setStatus(ctx, types.StatusRunning)
	e.publishLifecycle(EventConversationResumed)
	e.logger.Info("conversation resumed")
	e.launchLoop(ctx)
	return nil
}

// Stop gracefully ends the conversation: the in-flight turn is cancelled,
// the final draft is produced, and the status lands on completed.
func (e *Engine) Stop(ctx context.Context) error {
	if e.sm.Current() == types.StatusCompleted {
		return nil
	}
	e.cancelActiveTurn()
	e.stopLoop()
	return e.complete(ctx)
}

// Reset returns the conversation to a clean idle state: non-terminal turns
// are cancelled, counters rewind to round zero, pending interjections are
// discarded, and the result draft is cleared. Persisted messages remain.
func (e *Engine) Reset(ctx context.Context) error {
	e.cancelActiveTurn()
	e.stopLoop()

	turns, err := e.store.ListTurns(ctx, e.conv.ID)
	if err != nil {
		return types.NewError(types.ErrStoreFailure, "turn list failed").WithCause(err)
	}
	for _, t := range turns {
		if t.State.Terminal() {
			continue
		}
		t.State = types.TurnCancelled
		if err := e.store.SaveTurn(ctx, t); err != nil {
			e.logger.Warn("turn not cancelled during reset", zap.String("turn_id", t.ID), zap.Error(err))
		}
	}

	e.turns.Reset()
	e.queue.SetRound(0)
	if err := e.queue.Clear(ctx); err != nil {
		e.logger.Warn("interjection clear failed during reset", zap.Error(err))
	}
	if err := e.results.Clear(ctx); err != nil {
		e.logger.Warn("draft clear failed during reset", zap.Error(err))
	}

	e.mu.Lock()
	e.conv.CurrentRound = 0
	e.pending = nil
	e.executed = 0
	e.usage = types.TokenUsage{}
	e.mu.Unlock()
	e.streamMu.Lock()
	e.streams = make(map[string]*strings.Builder)
	e.streamMu.Unlock()

	if e.sm.Current() != types.StatusIdle {
		if err := e.sm.Transition(types.StatusIdle); err != nil {
			return err
		}
	}
	e.setStatus(ctx, types.StatusIdle)
	e.publishLifecycle(EventConversationReset)
	e.logger.Info("conversation reset")
	return nil
}

// AddInterjection queues user text for delivery. Immediate interjections
// enter before the next turn; otherwise they wait for the next round
// boundary. Content must be non-empty and within the length bound.
func (e *Engine) AddInterjection(ctx context.Context, content string, immediate bool) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return types.NewError(types.ErrInvalidInterjection, "interjection content is empty")
	}
	if len(content) > types.MaxInterjectionLength {
		return types.NewErrorf(types.ErrInvalidInterjection, "interjection exceeds %d characters", types.MaxInterjectionLength)
	}
	mode := InterjectNextRound
	if immediate {
		mode = InterjectImmediate
	}
	if _, err := e.queue.Add(ctx, content, mode); err != nil {
		return err
	}
	e.metrics.InterjectionAdded(string(mode))
	return nil
}

// ForceNextSpeaker queues an agent to speak next regardless of mode.
func (e *Engine) ForceNextSpeaker(agentID string) error {
	return e.turns.QueueAgent(agentID)
}

// Close stops the run loop and releases the conversation lock. It does not
// change the conversation status.
func (e *Engine) Close() error {
	e.cancelActiveTurn()
	e.stopLoop()
	if e.locker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.locker.ReleaseLock(ctx, e.conv.ID)
	}
	return nil
}

func (e *Engine) launchLoop(ctx context.Context) {
	// The loop must outlive the caller's request-scoped context.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	e.mu.Lock()
	e.loopCancel = cancel
	e.loopDone = done
	e.mu.Unlock()
	go e.run(loopCtx, done)
}

func (e *Engine) stopLoop() {
	e.mu.Lock()
	cancel := e.loopCancel
	done := e.loopDone
	e.loopCancel = nil
	e.loopDone = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (e *Engine) cancelActiveTurn() {
	e.mu.Lock()
	cancel := e.cancelTurn
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// run is the engine loop: deliver due interjections, select the next
// speaker, execute the turn, and do round bookkeeping. A failed turn is
// retried at the same (round, sequence) after a backoff; a completed turn
// found in the store is skipped without re-execution.
func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil || e.sm.Current() != types.StatusRunning {
			return
		}
		if e.capsReached() {
			e.logger.Info("conversation caps reached",
				zap.Int("round", e.CurrentRound()),
				zap.Int("turns", e.executedTurns()))
			if err := e.complete(ctx); err != nil {
				e.reportError(err)
			}
			return
		}

		e.deliverInterjections(ctx)

		e.mu.Lock()
		sched := e.pending
		e.mu.Unlock()
		if sched == nil {
			next, err := e.turns.GetNextAgent(ctx)
			if err != nil {
				e.reportError(err)
				e.sleep(ctx, e.backoff)
				continue
			}
			if next == nil {
				e.reportError(types.NewError(types.ErrEmptyRoster, "no speaking agents registered"))
				if err := e.complete(ctx); err != nil {
					e.reportError(err)
				}
				return
			}
			if e.turns.IsTurnCompleted(ctx, next.Round, next.Sequence) {
				// Executed by a previous run; never replayed.
				e.logger.Debug("skipping completed turn",
					zap.Int("round", next.Round),
					zap.Int("sequence", next.Sequence))
				continue
			}
			e.mu.Lock()
			e.pending = next
			e.mu.Unlock()
			sched = next
		}

		turn, err := e.turns.CreateTurn(ctx, sched)
		if err != nil {
			e.reportError(err)
			e.sleep(ctx, e.backoff)
			continue
		}
		if turn.State.Terminal() {
			// completed turns are never replayed; a cancelled seat is
			// abandoned rather than retried
			e.clearPending()
			continue
		}

		agent := e.agentByID(sched.AgentID)
		if agent == nil {
			e.reportError(types.NewErrorf(types.ErrAgentNotFound, "scheduled agent %s not in roster", sched.AgentID))
			e.clearPending()
			continue
		}

		res := e.executeTurn(ctx, turn, agent)
		switch {
		case res.Cancelled:
			e.clearPending()
			continue // loop top observes the new status and exits
		case !res.Success:
			if res.Err != nil {
				e.reportError(res.Err)
			}
			// pending kept: the retry reuses the same (round, sequence)
			e.sleep(ctx, e.backoff)
			continue
		}

		e.clearPending()
		e.mu.Lock()
		e.executed++
		e.usage.Add(res.Usage)
		e.mu.Unlock()
		if res.Message != nil {
			e.bus.Publish(MessageCreatedEvent{Message: res.Message, At: time.Now()})
		}

		if e.turns.IsRoundComplete() {
			e.completeRound(ctx, sched.Round)
		}

		if delay := e.turnDelay(); delay > 0 {
			e.sleep(ctx, delay)
		}
	}
}

func (e *Engine) executeTurn(ctx context.Context, turn *types.Turn, agent *types.Agent) TurnResult {
	tctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelTurn = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.cancelTurn = nil
		e.mu.Unlock()
	}()

	e.resetStream(agent.ID)
	e.bus.Publish(AgentStatusEvent{Kind: EventAgentThinking, ConversationID: e.conv.ID, AgentID: agent.ID, At: time.Now()})

	req, err := e.buildRequest(ctx, agent)
	if err != nil {
		e.bus.Publish(AgentStatusEvent{Kind: EventAgentIdle, ConversationID: e.conv.ID, AgentID: agent.ID, At: time.Now()})
		return TurnResult{Err: err}
	}

	res := e.executor.Execute(tctx, turn, agent, req, func(delta string) {
		e.appendStream(agent.ID, delta)
		e.bus.Publish(StreamChunkEvent{ConversationID: e.conv.ID, AgentID: agent.ID, Content: delta, At: time.Now()})
	})

	e.bus.Publish(StreamCompleteEvent{ConversationID: e.conv.ID, AgentID: agent.ID, At: time.Now()})
	e.bus.Publish(AgentStatusEvent{Kind: EventAgentIdle, ConversationID: e.conv.ID, AgentID: agent.ID, At: time.Now()})
	return res
}

// buildRequest assembles the prompt: the agent's persona as the system
// message, then the recent transcript with the agent's own responses as
// assistant messages and everything else as annotated user messages.
func (e *Engine) buildRequest(ctx context.Context, agent *types.Agent) (*llm.ChatRequest, error) {
	recent, err := e.store.RecentMessages(ctx, e.conv.ID, historyWindow)
	if err != nil {
		return nil, types.NewError(types.ErrStoreFailure, "history load failed").WithCause(err)
	}

	msgs := []llm.ChatMessage{{Role: llm.RoleSystem, Content: e.personaPrompt(agent)}}
	for i := len(recent) - 1; i >= 0; i-- { // oldest first
		m := recent[i]
		switch m.Type {
		case types.MessageResponse:
			if m.AgentID == agent.ID {
				msgs = append(msgs, llm.ChatMessage{Role: llm.RoleAssistant, Content: m.Content})
			} else {
				msgs = append(msgs, llm.ChatMessage{Role: llm.RoleUser, Content: fmt.Sprintf("%s: %s", e.agentName(m.AgentID), m.Content)})
			}
		case types.MessageInterjection:
			msgs = append(msgs, llm.ChatMessage{Role: llm.RoleUser, Content: "[User] " + m.Content})
		case types.MessageSummary:
			msgs = append(msgs, llm.ChatMessage{Role: llm.RoleUser, Content: "[Summary] " + m.Content})
		default:
			msgs = append(msgs, llm.ChatMessage{Role: llm.RoleUser, Content: m.Content})
		}
	}
	return &llm.ChatRequest{Model: agent.Model, Messages: msgs}, nil
}

func (e *Engine) personaPrompt(agent *types.Agent) string {
	if agent.SystemPrompt != "" {
		return agent.SystemPrompt
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s", agent.Name)
	if agent.Role != "" {
		fmt.Fprintf(&sb, ", the %s", agent.Role)
	}
	sb.WriteString(" in a multi-participant discussion.")
	if agent.Expertise != "" {
		fmt.Fprintf(&sb, " Your expertise: %s.", agent.Expertise)
	}
	fmt.Fprintf(&sb, " Subject: %s.", e.conv.Subject)
	if e.conv.Goal != "" {
		fmt.Fprintf(&sb, " Goal: %s.", e.conv.Goal)
	}
	sb.WriteString(" Respond in character and keep it concise.")
	return sb.String()
}

func (e *Engine) agentName(id string) string {
	if a := e.agentByID(id); a != nil {
		return a.Name
	}
	return id
}

func (e *Engine) agentByID(id string) *types.Agent {
	for _, a := range e.agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// deliverInterjections turns due user input into persisted interjection
// messages, immediate FIFO entries first.
func (e *Engine) deliverInterjections(ctx context.Context) {
	for _, in := range e.queue.DrainImmediate() {
		e.injectMessage(ctx, in)
	}
	due, err := e.queue.Due(ctx)
	if err != nil {
		e.logger.Warn("interjection poll failed", zap.Error(err))
		return
	}
	for _, in := range due {
		e.injectMessage(ctx, in)
	}
}

func (e *Engine) injectMessage(ctx context.Context, in *types.Interjection) {
	msg := &types.Message{
		ID:             uuid.New().String(),
		ConversationID: e.conv.ID,
		Round:          e.CurrentRound(),
		Type:           types.MessageInterjection,
		Content:        in.Content,
		CreatedAt:      time.Now(),
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		e.logger.Warn("interjection message not persisted", zap.Error(err))
		return
	}
	if err := e.queue.MarkProcessed(ctx, in); err != nil {
		e.logger.Warn("interjection not marked processed", zap.Error(err))
	}
	e.bus.Publish(MessageCreatedEvent{Message: msg, At: time.Now()})
	e.logger.Info("interjection delivered", zap.String("interjection_id", in.ID))
}

// completeRound runs the round-boundary sequence after the last turn of a
// round succeeds: advance counters, write the secretary summary, deliver
// newly due interjections, fold the round into the draft, and announce
// the round.
func (e *Engine) completeRound(ctx context.Context, finished int) {
	e.mu.Lock()
	e.conv.CurrentRound = finished + 1
	next := e.conv.CurrentRound
	e.mu.Unlock()
	e.persistConversation(ctx)

	e.turns.AdvanceRound()
	e.queue.SetRound(next)

	if e.summarizer != nil {
		text, err := e.summarizer.RoundSummary(ctx, finished)
		if err != nil {
			e.metrics.SummaryFailure()
			e.logger.Warn("round summary failed", zap.Int("round", finished), zap.Error(err))
		} else if text != "" {
			msg := &types.Message{
				ID:             uuid.New().String(),
				ConversationID: e.conv.ID,
				AgentID:        e.secretaryID(),
				Round:          finished,
				Type:           types.MessageSummary,
				Content:        text,
				CreatedAt:      time.Now(),
			}
			if err := e.store.SaveMessage(ctx, msg); err != nil {
				e.logger.Warn("round summary not persisted", zap.Error(err))
			} else {
				e.bus.Publish(MessageCreatedEvent{Message: msg, At: time.Now()})
			}
		}
	}

	// Round-scoped interjections become due the moment the pointer
	// advances; they must be injected before the sweep below marks them.
	e.deliverInterjections(ctx)

	if err := e.results.IncrementalUpdate(ctx, next); err != nil {
		e.logger.Warn("draft update failed", zap.Int("round", finished), zap.Error(err))
	} else {
		e.bus.Publish(DraftUpdatedEvent{ConversationID: e.conv.ID, Draft: e.results.Draft(), At: time.Now()})
	}
	if err := e.queue.MarkAllProcessed(ctx); err != nil {
		e.logger.Warn("interjection sweep failed", zap.Error(err))
	}

	e.metrics.RoundCompleted()
	e.bus.Publish(RoundCompleteEvent{ConversationID: e.conv.ID, Round: finished, At: time.Now()})
	e.logger.Info("round complete", zap.Int("round", finished))
}

// complete runs the finishing sequence: finishing status, final draft,
// completed status.
func (e *Engine) complete(ctx context.Context) error {
	if e.sm.Current() == types.StatusCompleted {
		return nil
	}
	if err := e.sm.Transition(types.StatusFinishing); err != nil {
		return err
	}
	e.setStatus(ctx, types.StatusFinishing)

	draft, err := e.results.Finalize(ctx, e.conv)
	if err != nil {
		e.logger.Warn("final draft failed", zap.Error(err))
	} else {
		e.bus.Publish(DraftUpdatedEvent{ConversationID: e.conv.ID, Draft: draft, At: time.Now()})
	}

	if err := e.sm.Transition(types.StatusCompleted); err != nil {
		return err
	}
	e.setStatus(ctx, types.StatusCompleted)
	e.publishLifecycle(EventConversationStopped)
	e.logger.Info("conversation completed", zap.Int("rounds", e.CurrentRound()))
	return nil
}

func (e *Engine) capsReached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conv.MaxRounds > 0 && e.conv.CurrentRound >= e.conv.MaxRounds {
		return true
	}
	if e.conv.MaxTurns > 0 && e.executed >= e.conv.MaxTurns {
		return true
	}
	return false
}

func (e *Engine) turnDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.TurnDelay
}

func (e *Engine) secretaryID() string {
	if e.secretary != nil {
		return e.secretary.ID
	}
	return ""
}

func (e *Engine) executedTurns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executed
}

func (e *Engine) clearPending() {
	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()
}

func (e *Engine) setStatus(ctx context.Context, status types.Status) {
	e.mu.Lock()
	e.conv.Status = status
	e.mu.Unlock()
	e.persistConversation(ctx)
}

func (e *Engine) persistConversation(ctx context.Context) {
	e.mu.Lock()
	e.conv.UpdatedAt = time.Now()
	cp := *e.conv
	e.mu.Unlock()
	if err := e.store.SaveConversation(context.WithoutCancel(ctx), &cp); err != nil {
		e.logger.Warn("conversation not persisted", zap.Error(err))
	}
}

func (e *Engine) publishLifecycle(kind EventType) {
	e.bus.Publish(LifecycleEvent{Kind: kind, ConversationID: e.conv.ID, At: time.Now()})
}

func (e *Engine) reportError(err error) {
	e.logger.Error("run loop error", zap.Error(err))
	if e.onError != nil {
		e.onError(err)
	}
}

func (e *Engine) resetStream(agentID string) {
	e.streamMu.Lock()
	e.streams[agentID] = &strings.Builder{}
	e.streamMu.Unlock()
}

func (e *Engine) appendStream(agentID, delta string) {
	e.streamMu.Lock()
	if sb, ok := e.streams[agentID]; ok {
		sb.WriteString(delta)
	}
	e.streamMu.Unlock()
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/colloquy/internal/metrics"
	"github.com/BaSui01/colloquy/llm"
	"github.com/BaSui01/colloquy/store"
	"github.com/BaSui01/colloquy/types"
)

// TurnResult is the outcome of one turn execution attempt.
type TurnResult struct {
	Success   bool
	Cancelled bool
	Message   *types.Message
	Tokens    int
	Usage     types.TokenUsage
	Err       error
}

// TurnExecutor runs a single turn end to end: state bookkeeping, the
// streaming provider call, and message persistence. It knows nothing about
// scheduling; retry policy lives in the engine loop.
type TurnExecutor struct {
	store     store.Store
	provider  llm.Provider
	tokenizer *llm.Tokenizer
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   *metrics.Collector
}

// TurnExecutorOption customizes a TurnExecutor.
type TurnExecutorOption func(*TurnExecutor)

// WithTokenizer sets the fallback token counter used when the provider
// reports no usage.
func WithTokenizer(t *llm.Tokenizer) TurnExecutorOption {
	return func(e *TurnExecutor) { e.tokenizer = t }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) TurnExecutorOption {
	return func(e *TurnExecutor) { e.metrics = c }
}

// NewTurnExecutor creates a turn executor.
func NewTurnExecutor(st store.Store, provider llm.Provider, logger *zap.Logger, opts ...TurnExecutorOption) *TurnExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &TurnExecutor{
		store:    st,
		provider: provider,
		logger:   logger.With(zap.String("component", "turn_executor")),
		tracer:   otel.Tracer("colloquy/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the turn. On success exactly one response message is
// persisted and the turn completes. Provider or store failures mark the
// turn failed and leave it retryable. Context cancellation marks the turn
// cancelled; cancelled turns produce no message and are never retried.
// A turn already in a terminal state is returned as-is without any call.
func (e *TurnExecutor) Execute(ctx context.Context, turn *types.Turn, agent *types.Agent, req *llm.ChatRequest, onChunk func(delta string)) TurnResult {
	ctx, span := e.tracer.Start(ctx, "turn.execute",
		trace.WithAttributes(
			attribute.String("conversation.id", turn.ConversationID),
			attribute.String("turn.id", turn.ID),
			attribute.String("agent.id", agent.ID),
			attribute.Int("turn.round", turn.Round),
		))
	defer span.End()

	if turn.State.Terminal() {
		return TurnResult{Success: turn.State == types.TurnCompleted}
	}
	if !CanTransitionTurn(turn.State, types.TurnRunning) {
		err := types.NewErrorf(types.ErrInvalidTransition, "turn %s cannot start from state %s", turn.ID, turn.State)
		return TurnResult{Err: err}
	}

	started := time.Now()
	turn.State = types.TurnRunning
	turn.StartedAt = &started
	turn.Error = ""
	if err := e.store.SaveTurn(ctx, turn); err != nil {
		e.logger.Warn("turn start not persisted", zap.String("turn_id", turn.ID), zap.Error(err))
	}

	ch, err := e.provider.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return e.cancelTurn(ctx, turn, started)
		}
		return e.failTurn(ctx, turn, started, err)
	}

	var sb strings.Builder
	var usage *llm.ChatUsage
stream:
	for {
		select {
		case <-ctx.Done():
			return e.cancelTurn(ctx, turn, started)
		case chunk, ok := <-ch:
			if !ok {
				break stream
			}
			if ctx.Err() != nil {
				return e.cancelTurn(ctx, turn, started)
			}
			if chunk.Err != nil {
				return e.failTurn(ctx, turn, started, chunk.Err)
			}
			if chunk.Delta != "" {
				sb.WriteString(chunk.Delta)
				if onChunk != nil {
					onChunk(chunk.Delta)
				}
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
		}
	}
	if ctx.Err() != nil {
		return e.cancelTurn(ctx, turn, started)
	}

	content := sb.String()
	tokens := 0
	var turnUsage types.TokenUsage
	if usage != nil {
		tokens = usage.CompletionTokens
		if tokens == 0 {
			tokens = usage.TotalTokens
		}
		turnUsage = types.TokenUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	if tokens == 0 && e.tokenizer != nil {
		tokens = e.tokenizer.CountTokens(content)
		turnUsage.CompletionTokens = tokens
	}
	if turnUsage.TotalTokens == 0 {
		turnUsage.TotalTokens = turnUsage.PromptTokens + turnUsage.CompletionTokens
	}

	msg := &types.Message{
		ID:             uuid.New().String(),
		ConversationID: turn.ConversationID,
		TurnID:         turn.ID,
		AgentID:        agent.ID,
		Round:          turn.Round,
		Type:           types.MessageResponse,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return e.failTurn(ctx, turn, started, types.NewError(types.ErrStoreFailure, "response not persisted").WithCause(err))
	}

	completed := time.Now()
	turn.State = types.TurnCompleted
	turn.TokensUsed = tokens
	turn.CompletedAt = &completed
	if err := e.store.SaveTurn(ctx, turn); err != nil {
		e.logger.Warn("turn completion not persisted", zap.String("turn_id", turn.ID), zap.Error(err))
	}

	e.metrics.ObserveTurn(string(types.TurnCompleted), completed.Sub(started), tokens)
	e.logger.Info("turn completed",
		zap.String("turn_id", turn.ID),
		zap.String("agent_id", agent.ID),
		zap.Int("round", turn.Round),
		zap.Int("tokens", tokens),
	)
	return TurnResult{Success: true, Message: msg, Tokens: tokens, Usage: turnUsage}
}

// failTurn marks the turn failed and retryable.
func (e *TurnExecutor) failTurn(ctx context.Context, turn *types.Turn, started time.Time, cause error) TurnResult {
	turn.State = types.TurnFailed
	turn.Error = cause.Error()
	if err := e.store.SaveTurn(context.WithoutCancel(ctx), turn); err != nil {
		e.logger.Warn("turn failure not persisted", zap.String("turn_id", turn.ID), zap.Error(err))
	}
	e.metrics.ObserveTurn(string(types.TurnFailed), time.Since(started), 0)
	e.logger.Warn("turn failed",
		zap.String("turn_id", turn.ID),
		zap.String("agent_id", turn.AgentID),
		zap.Error(cause),
	)
	return TurnResult{Err: types.NewErrorf(types.ErrTurnFailed, "turn %s failed", turn.ID).WithCause(cause).WithRetryable(true)}
}

// cancelTurn marks the turn cancelled. The persistence write uses a
// detached context so the cancelled run context cannot block it.
func (e *TurnExecutor) cancelTurn(ctx context.Context, turn *types.Turn, started time.Time) TurnResult {
	turn.State = types.TurnCancelled
	if err := e.store.SaveTurn(context.WithoutCancel(ctx), turn); err != nil {
		e.logger.Warn("turn cancellation not persisted", zap.String("turn_id", turn.ID), zap.Error(err))
	}
	e.metrics.ObserveTurn(string(types.TurnCancelled), time.Since(started), 0)
	e.logger.Info("turn cancelled",
		zap.String("turn_id", turn.ID),
		zap.String("agent_id", turn.AgentID),
	)
	return TurnResult{Cancelled: true, Err: types.NewErrorf(types.ErrCancelled, "turn %s cancelled", turn.ID)}
}

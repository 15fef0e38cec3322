package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/colloquy/store"
	"github.com/BaSui01/colloquy/types"
)

// InterjectionMode controls when a user interjection enters the discussion.
type InterjectionMode string

const (
	// InterjectImmediate delivers before the next turn begins.
	InterjectImmediate InterjectionMode = "immediate"
	// InterjectNextRound delivers at the next round boundary.
	InterjectNextRound InterjectionMode = "next_round"
)

// InterjectionQueue accepts user text and releases it at the right moment.
// Immediate interjections sit in an in-memory FIFO drained before each
// turn; round-scoped ones are persisted and become due once the round
// pointer reaches them. Every interjection is also persisted on arrival so
// a restart loses nothing.
type InterjectionQueue struct {
	conversationID string
	store          store.Store
	logger         *zap.Logger

	mu           sync.Mutex
	immediate    []*types.Interjection
	currentRound int
}

// NewInterjectionQueue creates a queue positioned at the given round.
func NewInterjectionQueue(conversationID string, currentRound int, st store.Store, logger *zap.Logger) *InterjectionQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InterjectionQueue{
		conversationID: conversationID,
		store:          st,
		logger:         logger.With(zap.String("component", "interjection_queue")),
		currentRound:   currentRound,
	}
}

// Add accepts user text under the given delivery mode. The interjection is
// persisted before it is queued.
func (q *InterjectionQueue) Add(ctx context.Context, content string, mode InterjectionMode) (*types.Interjection, error) {
	q.mu.Lock()
	afterRound := q.currentRound
	if mode == InterjectNextRound {
		afterRound = q.currentRound + 1
	}
	q.mu.Unlock()

	in := &types.Interjection{
		ID:             uuid.New().String(),
		ConversationID: q.conversationID,
		Content:        content,
		AfterRound:     afterRound,
		CreatedAt:      time.Now(),
	}
	if err := q.store.SaveInterjection(ctx, in); err != nil {
		return nil, types.NewError(types.ErrStoreFailure, "interjection save failed").WithCause(err)
	}

	if mode == InterjectImmediate {
		q.mu.Lock()
		q.immediate = append(q.immediate, in)
		q.mu.Unlock()
	}
	q.logger.Debug("interjection queued",
		zap.String("mode", string(mode)),
		zap.Int("after_round", afterRound),
	)
	return in, nil
}

// DrainImmediate pops every pending immediate interjection, FIFO.
func (q *InterjectionQueue) DrainImmediate() []*types.Interjection {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.immediate
	q.immediate = nil
	return out
}

// Due returns unprocessed persisted interjections whose round has arrived.
func (q *InterjectionQueue) Due(ctx context.Context) ([]*types.Interjection, error) {
	q.mu.Lock()
	round := q.currentRound
	q.mu.Unlock()

	pending, err := q.store.UnprocessedInterjections(ctx, q.conversationID)
	if err != nil {
		return nil, err
	}
	due := make([]*types.Interjection, 0, len(pending))
	for _, in := range pending {
		if in.AfterRound <= round {
			due = append(due, in)
		}
	}
	return due, nil
}

// MarkProcessed records that an interjection has been delivered.
func (q *InterjectionQueue) MarkProcessed(ctx context.Context, in *types.Interjection) error {
	in.Processed = true
	return q.store.SaveInterjection(ctx, in)
}

// MarkAllProcessed sweeps any still-unprocessed due interjections at a
// round boundary so nothing is delivered twice after a restart.
func (q *InterjectionQueue) MarkAllProcessed(ctx context.Context) error {
	due, err := q.Due(ctx)
	if err != nil {
		return err
	}
	for _, in := range due {
		if err := q.MarkProcessed(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// SetRound moves the queue's round pointer forward.
func (q *InterjectionQueue) SetRound(round int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.currentRound = round
}

// Round returns the queue's current round pointer.
func (q *InterjectionQueue) Round() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currentRound
}

// Clear marks every unprocessed interjection processed and empties the
// in-memory FIFO. Used on conversation reset.
func (q *InterjectionQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	q.immediate = nil
	q.mu.Unlock()

	pending, err := q.store.UnprocessedInterjections(ctx, q.conversationID)
	if err != nil {
		return err
	}
	for _, in := range pending {
		if err := q.MarkProcessed(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/colloquy/types"
)

// EventType identifies an engine notification.
type EventType string

const (
	EventConversationStarted EventType = "conversation.started"
	EventConversationPaused  EventType = "conversation.paused"
	EventConversationResumed EventType = "conversation.resumed"
	EventConversationStopped EventType = "conversation.stopped"
	EventConversationReset   EventType = "conversation.reset"
	EventAgentThinking       EventType = "agent.thinking"
	EventAgentIdle           EventType = "agent.idle"
	EventStreamChunk         EventType = "stream.chunk"
	EventStreamComplete      EventType = "stream.complete"
	EventMessageCreated      EventType = "message.created"
	EventRoundComplete       EventType = "round.complete"
	EventDraftUpdated        EventType = "draft.updated"
)

// subscriptionCounter generates unique subscription ids.
var subscriptionCounter int64

// Event is a fire-and-forget engine notification, delivered at least once
// per occurrence with no acknowledgment.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// Handler processes a published event.
type Handler func(Event)

// Bus is the typed observer channel injected into the engine. Delivery is
// synchronous and in subscription registration order, so round bookkeeping
// observed through events is always consistent with engine state.
type Bus interface {
	Publish(event Event)
	Subscribe(eventType EventType, handler Handler) string
	SubscribeAll(handler Handler) string
	Unsubscribe(subscriptionID string)
}

type subscription struct {
	id      string
	all     bool
	evtType EventType
	handler Handler
}

// SyncBus is the default Bus implementation.
type SyncBus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *zap.Logger
}

// NewBus creates a new synchronous event bus.
func NewBus(logger *zap.Logger) *SyncBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncBus{logger: logger.With(zap.String("component", "event_bus"))}
}

// Publish delivers the event to matching subscribers in registration order.
// A panicking handler is recovered and logged; remaining handlers still run.
func (b *SyncBus) Publish(event Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.all && s.evtType != event.Type() {
			continue
		}
		b.dispatch(s, event)
	}
}

func (b *SyncBus) dispatch(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", string(event.Type())),
				zap.Any("recover", r),
			)
		}
	}()
	s.handler(event)
}

// Subscribe registers a handler for one event type.
func (b *SyncBus) Subscribe(eventType EventType, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.subs = append(b.subs, subscription{id: id, evtType: eventType, handler: handler})
	return id
}

// SubscribeAll registers a handler for every event type.
func (b *SyncBus) SubscribeAll(handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("all-%d", atomic.AddInt64(&subscriptionCounter, 1))
	b.subs = append(b.subs, subscription{id: id, all: true, handler: handler})
	return id
}

// Unsubscribe removes a subscription by id.
func (b *SyncBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == subscriptionID {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// LifecycleEvent marks a conversation lifecycle change.
type LifecycleEvent struct {
	Kind           EventType `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	At             time.Time `json:"at"`
}

func (e LifecycleEvent) Type() EventType      { return e.Kind }
func (e LifecycleEvent) Timestamp() time.Time { return e.At }

// AgentStatusEvent marks an agent entering or leaving the thinking state.
type AgentStatusEvent struct {
	Kind           EventType `json:"kind"` // agent.thinking or agent.idle
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	At             time.Time `json:"at"`
}

func (e AgentStatusEvent) Type() EventType      { return e.Kind }
func (e AgentStatusEvent) Timestamp() time.Time { return e.At }

// StreamChunkEvent carries one partial-text increment of an agent's turn.
type StreamChunkEvent struct {
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Content        string    `json:"content"`
	At             time.Time `json:"at"`
}

func (e StreamChunkEvent) Type() EventType      { return EventStreamChunk }
func (e StreamChunkEvent) Timestamp() time.Time { return e.At }

// StreamCompleteEvent marks the end of an agent's stream.
type StreamCompleteEvent struct {
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	At             time.Time `json:"at"`
}

func (e StreamCompleteEvent) Type() EventType      { return EventStreamComplete }
func (e StreamCompleteEvent) Timestamp() time.Time { return e.At }

// MessageCreatedEvent announces a newly persisted message.
type MessageCreatedEvent struct {
	Message *types.Message `json:"message"`
	At      time.Time      `json:"at"`
}

func (e MessageCreatedEvent) Type() EventType      { return EventMessageCreated }
func (e MessageCreatedEvent) Timestamp() time.Time { return e.At }

// RoundCompleteEvent marks the completion of a discussion round.
type RoundCompleteEvent struct {
	ConversationID string    `json:"conversation_id"`
	Round          int       `json:"round"`
	At             time.Time `json:"at"`
}

func (e RoundCompleteEvent) Type() EventType      { return EventRoundComplete }
func (e RoundCompleteEvent) Timestamp() time.Time { return e.At }

// DraftUpdatedEvent carries a snapshot of the updated result draft.
type DraftUpdatedEvent struct {
	ConversationID string             `json:"conversation_id"`
	Draft          *types.ResultDraft `json:"draft"`
	At             time.Time          `json:"at"`
}

func (e DraftUpdatedEvent) Type() EventType      { return EventDraftUpdated }
func (e DraftUpdatedEvent) Timestamp() time.Time { return e.At }

package store

import (
	"context"
	"sync"

	"github.com/BaSui01/colloquy/types"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]types.Conversation
	agents        map[string][]types.Agent       // by conversation, registration order
	turns         map[string]types.Turn          // by turn id
	turnsByConv   map[string][]string            // turn ids, creation order
	messages      map[string][]types.Message     // by conversation, creation order
	interjections map[string][]types.Interjection
	drafts        map[string]types.ResultDraft
	closed        bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]types.Conversation),
		agents:        make(map[string][]types.Agent),
		turns:         make(map[string]types.Turn),
		turnsByConv:   make(map[string][]string),
		messages:      make(map[string][]types.Message),
		interjections: make(map[string][]types.Interjection),
		drafts:        make(map[string]types.ResultDraft),
	}
}

func (s *MemoryStore) SaveConversation(ctx context.Context, conv *types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.conversations[conv.ID] = *conv
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := conv
	return &out, nil
}

func (s *MemoryStore) SaveAgent(ctx context.Context, agent *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	list := s.agents[agent.ConversationID]
	for i := range list {
		if list[i].ID == agent.ID {
			list[i] = *agent
			return nil
		}
	}
	s.agents[agent.ConversationID] = append(list, *agent)
	return nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, conversationID string) ([]*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	list := s.agents[conversationID]
	out := make([]*types.Agent, 0, len(list))
	for i := range list {
		a := list[i]
		out = append(out, &a)
	}
	return out, nil
}

func (s *MemoryStore) SaveTurn(ctx context.Context, turn *types.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.turns[turn.ID]; !ok {
		s.turnsByConv[turn.ConversationID] = append(s.turnsByConv[turn.ConversationID], turn.ID)
	}
	s.turns[turn.ID] = *turn
	return nil
}

func (s *MemoryStore) GetTurn(ctx context.Context, id string) (*types.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	turn, ok := s.turns[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := turn
	return &out, nil
}

func (s *MemoryStore) ListTurns(ctx context.Context, conversationID string) ([]*types.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	ids := s.turnsByConv[conversationID]
	out := make([]*types.Turn, 0, len(ids))
	for _, id := range ids {
		t := s.turns[id]
		out = append(out, &t)
	}
	return out, nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	list := s.messages[conversationID]
	out := make([]*types.Message, 0, len(list))
	for i := range list {
		m := list[i]
		out = append(out, &m)
	}
	return out, nil
}

func (s *MemoryStore) MessagesSinceRound(ctx context.Context, conversationID string, round int) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*types.Message
	for _, m := range s.messages[conversationID] {
		if m.Round >= round {
			msg := m
			out = append(out, &msg)
		}
	}
	return out, nil
}

func (s *MemoryStore) RecentMessages(ctx context.Context, conversationID string, n int) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	list := s.messages[conversationID]
	if n > len(list) {
		n = len(list)
	}
	out := make([]*types.Message, 0, n)
	for i := len(list) - 1; i >= len(list)-n; i-- {
		m := list[i]
		out = append(out, &m)
	}
	return out, nil
}

func (s *MemoryStore) SaveInterjection(ctx context.Context, in *types.Interjection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	list := s.interjections[in.ConversationID]
	for i := range list {
		if list[i].ID == in.ID {
			list[i] = *in
			return nil
		}
	}
	s.interjections[in.ConversationID] = append(list, *in)
	return nil
}

func (s *MemoryStore) UnprocessedInterjections(ctx context.Context, conversationID string) ([]*types.Interjection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*types.Interjection
	for _, in := range s.interjections[conversationID] {
		if !in.Processed {
			item := in
			out = append(out, &item)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveResultDraft(ctx context.Context, draft *types.ResultDraft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.drafts[draft.ConversationID] = *draft
	return nil
}

func (s *MemoryStore) GetResultDraft(ctx context.Context, conversationID string) (*types.ResultDraft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	draft, ok := s.drafts[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := draft
	return &out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

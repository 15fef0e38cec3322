package engine

import (
	"context"
	"errors"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/colloquy/store"
	"github.com/BaSui01/colloquy/types"
)

// defaultRecentWindow is how many recent messages the dynamic policy scans
// for @mentions.
const defaultRecentWindow = 10

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// TurnManager owns the (round, sequence) counters of one conversation and
// selects the next speaker according to the conversation mode. Secretary
// agents never appear in the rotation.
type TurnManager struct {
	conversationID string
	mode           types.Mode
	roster         []*types.Agent
	store          store.Store
	logger         *zap.Logger
	rng            *rand.Rand
	recentWindow   int

	mu       sync.Mutex
	round    int
	sequence int
	queued   []string // forced speakers, FIFO
}

// TurnManagerOption customizes a TurnManager.
type TurnManagerOption func(*TurnManager)

// WithRand replaces the moderator policy's randomness source.
func WithRand(rng *rand.Rand) TurnManagerOption {
	return func(m *TurnManager) { m.rng = rng }
}

// WithRecentWindow sets how many recent messages the dynamic policy scans.
func WithRecentWindow(n int) TurnManagerOption {
	return func(m *TurnManager) {
		if n > 0 {
			m.recentWindow = n
		}
	}
}

// NewTurnManager creates a manager positioned at the conversation's current
// round. Agents keep their registration order; secretaries are excluded.
func NewTurnManager(conv *types.Conversation, agents []*types.Agent, st store.Store, logger *zap.Logger, opts ...TurnManagerOption) *TurnManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	roster := make([]*types.Agent, 0, len(agents))
	for _, a := range agents {
		if a.IsSecretary {
			continue
		}
		roster = append(roster, a)
	}
	m := &TurnManager{
		conversationID: conv.ID,
		mode:           conv.Mode,
		roster:         roster,
		store:          st,
		logger:         logger.With(zap.String("component", "turn_manager")),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		recentWindow:   defaultRecentWindow,
		round:          conv.CurrentRound,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Roster returns the speaking agents in registration order.
func (m *TurnManager) Roster() []*types.Agent {
	out := make([]*types.Agent, len(m.roster))
	copy(out, m.roster)
	return out
}

// Round returns the current round counter.
func (m *TurnManager) Round() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.round
}

// Sequence returns the current in-round sequence counter.
func (m *TurnManager) Sequence() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequence
}

// QueueAgent forces the given agent to speak next, ahead of any policy.
// Queued agents drain in FIFO order and work in every mode.
func (m *TurnManager) QueueAgent(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.agentByID(agentID) == nil {
		return types.NewErrorf(types.ErrAgentNotFound, "agent %s is not in the roster", agentID)
	}
	m.queued = append(m.queued, agentID)
	return nil
}

// GetNextAgent selects the next speaker. Each call advances the sequence by
// exactly one; when a full pass over the roster completes the round rolls
// over first. A nil schedule with nil error means the roster is empty.
func (m *TurnManager) GetNextAgent(ctx context.Context) (*types.TurnSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.roster) == 0 {
		return nil, nil
	}
	m.rollover()

	if len(m.queued) > 0 {
		id := m.queued[0]
		m.queued = m.queued[1:]
		if a := m.agentByID(id); a != nil {
			return m.schedule(a.ID, ""), nil
		}
	}

	switch m.mode {
	case types.ModeModerator:
		return m.moderatorNext(ctx)
	case types.ModeDynamic:
		return m.dynamicNext(ctx)
	default:
		return m.roundRobinNext(), nil
	}
}

// rollover starts a new round once the sequence has walked the full roster.
func (m *TurnManager) rollover() {
	if m.sequence >= len(m.roster) {
		m.round++
		m.sequence = 0
	}
}

func (m *TurnManager) schedule(agentID, addressedTo string) *types.TurnSchedule {
	s := &types.TurnSchedule{
		Round:       m.round,
		Sequence:    m.sequence,
		AgentID:     agentID,
		AddressedTo: addressedTo,
	}
	m.sequence++
	return s
}

func (m *TurnManager) agentByID(id string) *types.Agent {
	for _, a := range m.roster {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (m *TurnManager) roundRobinNext() *types.TurnSchedule {
	agent := m.roster[m.sequence]
	return m.schedule(agent.ID, "")
}

// moderatorNext biases selection toward agents that have spoken least.
// Every agent keeps a weight of at least one, so nobody is starved.
func (m *TurnManager) moderatorNext(ctx context.Context) (*types.TurnSchedule, error) {
	counts, err := m.speakCounts(ctx)
	if err != nil {
		m.logger.Warn("falling back to round robin, speak counts unavailable", zap.Error(err))
		return m.roundRobinNext(), nil
	}
	weights := moderatorWeights(m.roster, counts)

	var total float64
	for _, w := range weights {
		total += w
	}
	idx := pickByWeight(weights, m.rng.Float64()*total)
	return m.schedule(m.roster[idx].ID, ""), nil
}

// pickByWeight returns the index chosen by a roulette draw over the
// cumulative weights. A draw at or beyond the total lands on the first
// entry, matching the registration-order tie-break.
func pickByWeight(weights []float64, draw float64) int {
	var cum float64
	for i, w := range weights {
		cum += w
		if draw < cum {
			return i
		}
	}
	return 0
}

// moderatorWeights maps per-agent response counts to selection weights:
// max(count) - count + 1, floor of one.
func moderatorWeights(roster []*types.Agent, counts map[string]int) []float64 {
	max := 0
	for _, a := range roster {
		if counts[a.ID] > max {
			max = counts[a.ID]
		}
	}
	weights := make([]float64, len(roster))
	for i, a := range roster {
		w := max - counts[a.ID] + 1
		if w < 1 {
			w = 1
		}
		weights[i] = float64(w)
	}
	return weights
}

func (m *TurnManager) speakCounts(ctx context.Context) (map[string]int, error) {
	msgs, err := m.store.ListMessages(ctx, m.conversationID)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(m.roster))
	for _, msg := range msgs {
		if msg.Type != types.MessageResponse || msg.AgentID == "" {
			continue
		}
		counts[msg.AgentID]++
	}
	return counts, nil
}

// dynamicNext scans recent messages, newest first, for an @mention of
// another roster agent. Mentions match case-insensitively against agent
// name or role substrings. Without a match it falls back to round robin.
func (m *TurnManager) dynamicNext(ctx context.Context) (*types.TurnSchedule, error) {
	msgs, err := m.store.RecentMessages(ctx, m.conversationID, m.recentWindow)
	if err != nil {
		m.logger.Warn("falling back to round robin, recent messages unavailable", zap.Error(err))
		return m.roundRobinNext(), nil
	}
	for _, msg := range msgs {
		if msg.Type != types.MessageResponse {
			continue
		}
		if target := m.findMention(msg.Content, msg.AgentID); target != nil {
			return m.schedule(target.ID, msg.AgentID), nil
		}
	}
	return m.roundRobinNext(), nil
}

// findMention returns the first roster agent, other than the speaker, whose
// name or role contains one of the message's @mention tokens.
func (m *TurnManager) findMention(content, speakerID string) *types.Agent {
	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		token := strings.ToLower(match[1])
		for _, a := range m.roster {
			if a.ID == speakerID {
				continue
			}
			if strings.Contains(strings.ToLower(a.Name), token) ||
				(a.Role != "" && strings.Contains(strings.ToLower(a.Role), token)) {
				return a
			}
		}
	}
	return nil
}

// CreateTurn materializes a schedule as a persisted turn. The id is
// deterministic, so creating the same schedule twice returns the existing
// record instead of a duplicate.
func (m *TurnManager) CreateTurn(ctx context.Context, sched *types.TurnSchedule) (*types.Turn, error) {
	id := types.TurnID(m.conversationID, sched.Round, sched.Sequence)
	existing, err := m.store.GetTurn(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, types.NewError(types.ErrStoreFailure, "turn lookup failed").WithCause(err)
	}

	turn := types.NewTurn(m.conversationID, *sched)
	if err := m.store.SaveTurn(ctx, turn); err != nil {
		return nil, types.NewError(types.ErrStoreFailure, "turn create failed").WithCause(err)
	}
	m.logger.Debug("turn created",
		zap.String("turn_id", turn.ID),
		zap.Int("round", turn.Round),
		zap.Int("sequence", turn.Sequence),
		zap.String("agent_id", turn.AgentID),
	)
	return turn, nil
}

// IsTurnCompleted reports whether the turn at (round, sequence) already
// completed, in this run or a previous one.
func (m *TurnManager) IsTurnCompleted(ctx context.Context, round, sequence int) bool {
	turn, err := m.store.GetTurn(ctx, types.TurnID(m.conversationID, round, sequence))
	return err == nil && turn.State == types.TurnCompleted
}

// IsRoundComplete reports whether every roster agent has been scheduled in
// the current round.
func (m *TurnManager) IsRoundComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.roster) > 0 && m.sequence >= len(m.roster)
}

// AdvanceRound moves to the next round and resets the sequence.
func (m *TurnManager) AdvanceRound() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.round++
	m.sequence = 0
}

// Reset rewinds the manager to round zero and clears forced speakers.
func (m *TurnManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.round = 0
	m.sequence = 0
	m.queued = nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/colloquy/types"
)

// GormStore is a relational implementation of Store.
// Suitable for production deployments; schema is managed via AutoMigrate.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

type conversationRecord struct {
	ID           string `gorm:"primaryKey;size:64"`
	Subject      string
	Goal         string
	Mode         string `gorm:"size:32"`
	Status       string `gorm:"size:32"`
	CurrentRound int
	TurnDelayNS  int64
	MaxRounds    int
	MaxTurns     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (conversationRecord) TableName() string { return "conversations" }

type agentRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"index;size:64"`
	Name           string
	Role           string
	Expertise      string
	SystemPrompt   string
	Model          string
	IsSecretary    bool
	CreatedAt      time.Time
}

func (agentRecord) TableName() string { return "agents" }

type turnRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"index;size:64"`
	Round          int
	Sequence       int
	AgentID        string `gorm:"size:64"`
	State          string `gorm:"size:16"`
	TokensUsed     int
	Error          string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func (turnRecord) TableName() string { return "turns" }

type messageRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"index;size:64"`
	TurnID         string `gorm:"size:64"`
	AgentID        string `gorm:"size:64"`
	Round          int    `gorm:"index"`
	Type           string `gorm:"size:16"`
	Content        string
	Weight         int
	CreatedAt      time.Time `gorm:"index"`
}

func (messageRecord) TableName() string { return "messages" }

type interjectionRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"index;size:64"`
	Content        string
	AfterRound     int
	Processed      bool `gorm:"index"`
	CreatedAt      time.Time
}

func (interjectionRecord) TableName() string { return "interjections" }

type draftRecord struct {
	ConversationID  string `gorm:"primaryKey;size:64"`
	Summary         string
	KeyDecisions    string // JSON
	Themes          string // JSON
	Consensus       string
	Disagreements   string
	RoundSummaries  string // JSON
	LastUpdateRound int
	MessageCount    int
	RoundsCompleted int
	CompletedAt     *time.Time
	FinalizedAt     *time.Time
	UpdatedAt       time.Time
}

func (draftRecord) TableName() string { return "result_drafts" }

// Open opens a GormStore for the given driver ("sqlite", "postgres",
// "mysql") and DSN, and migrates the schema.
func Open(driver, dsn string, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	if err := db.AutoMigrate(
		&conversationRecord{},
		&agentRecord{},
		&turnRecord{},
		&messageRecord{},
		&interjectionRecord{},
		&draftRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Info("store opened", zap.String("driver", driver))
	return &GormStore{db: db, logger: logger.With(zap.String("component", "gorm_store"))}, nil
}

func (s *GormStore) SaveConversation(ctx context.Context, conv *types.Conversation) error {
	rec := conversationRecord{
		ID:           conv.ID,
		Subject:      conv.Subject,
		Goal:         conv.Goal,
		Mode:         string(conv.Mode),
		Status:       string(conv.Status),
		CurrentRound: conv.CurrentRound,
		TurnDelayNS:  int64(conv.TurnDelay),
		MaxRounds:    conv.MaxRounds,
		MaxTurns:     conv.MaxTurns,
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    time.Now(),
	}
	return s.upsert(ctx, &rec)
}

func (s *GormStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var rec conversationRecord
	if err := s.first(ctx, &rec, "id = ?", id); err != nil {
		return nil, err
	}
	return &types.Conversation{
		ID:           rec.ID,
		Subject:      rec.Subject,
		Goal:         rec.Goal,
		Mode:         types.Mode(rec.Mode),
		Status:       types.Status(rec.Status),
		CurrentRound: rec.CurrentRound,
		TurnDelay:    time.Duration(rec.TurnDelayNS),
		MaxRounds:    rec.MaxRounds,
		MaxTurns:     rec.MaxTurns,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

func (s *GormStore) SaveAgent(ctx context.Context, agent *types.Agent) error {
	rec := agentRecord{
		ID:             agent.ID,
		ConversationID: agent.ConversationID,
		Name:           agent.Name,
		Role:           agent.Role,
		Expertise:      agent.Expertise,
		SystemPrompt:   agent.SystemPrompt,
		Model:          agent.Model,
		IsSecretary:    agent.IsSecretary,
		CreatedAt:      agent.CreatedAt,
	}
	return s.upsert(ctx, &rec)
}

func (s *GormStore) ListAgents(ctx context.Context, conversationID string) ([]*types.Agent, error) {
	var recs []agentRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.Agent, 0, len(recs))
	for _, r := range recs {
		out = append(out, &types.Agent{
			ID:             r.ID,
			ConversationID: r.ConversationID,
			Name:           r.Name,
			Role:           r.Role,
			Expertise:      r.Expertise,
			SystemPrompt:   r.SystemPrompt,
			Model:          r.Model,
			IsSecretary:    r.IsSecretary,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) SaveTurn(ctx context.Context, turn *types.Turn) error {
	rec := turnRecord{
		ID:             turn.ID,
		ConversationID: turn.ConversationID,
		Round:          turn.Round,
		Sequence:       turn.Sequence,
		AgentID:        turn.AgentID,
		State:          string(turn.State),
		TokensUsed:     turn.TokensUsed,
		Error:          turn.Error,
		CreatedAt:      turn.CreatedAt,
		StartedAt:      turn.StartedAt,
		CompletedAt:    turn.CompletedAt,
	}
	return s.upsert(ctx, &rec)
}

func (s *GormStore) GetTurn(ctx context.Context, id string) (*types.Turn, error) {
	var rec turnRecord
	if err := s.first(ctx, &rec, "id = ?", id); err != nil {
		return nil, err
	}
	return turnFromRecord(rec), nil
}

func (s *GormStore) ListTurns(ctx context.Context, conversationID string) ([]*types.Turn, error) {
	var recs []turnRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("round ASC, sequence ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.Turn, 0, len(recs))
	for _, r := range recs {
		out = append(out, turnFromRecord(r))
	}
	return out, nil
}

func turnFromRecord(r turnRecord) *types.Turn {
	return &types.Turn{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Round:          r.Round,
		Sequence:       r.Sequence,
		AgentID:        r.AgentID,
		State:          types.TurnState(r.State),
		TokensUsed:     r.TokensUsed,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}
}

func (s *GormStore) SaveMessage(ctx context.Context, msg *types.Message) error {
	rec := messageRecord{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		TurnID:         msg.TurnID,
		AgentID:        msg.AgentID,
		Round:          msg.Round,
		Type:           string(msg.Type),
		Content:        msg.Content,
		Weight:         msg.Weight,
		CreatedAt:      msg.CreatedAt,
	}
	return s.upsert(ctx, &rec)
}

func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	return s.queryMessages(ctx, "conversation_id = ?", []any{conversationID}, "created_at ASC, id ASC", 0)
}

func (s *GormStore) MessagesSinceRound(ctx context.Context, conversationID string, round int) ([]*types.Message, error) {
	return s.queryMessages(ctx, "conversation_id = ? AND round >= ?", []any{conversationID, round}, "created_at ASC, id ASC", 0)
}

func (s *GormStore) RecentMessages(ctx context.Context, conversationID string, n int) ([]*types.Message, error) {
	return s.queryMessages(ctx, "conversation_id = ?", []any{conversationID}, "created_at DESC, id DESC", n)
}

func (s *GormStore) queryMessages(ctx context.Context, cond string, args []any, order string, limit int) ([]*types.Message, error) {
	q := s.db.WithContext(ctx).Where(cond, args...).Order(order)
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []messageRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, &types.Message{
			ID:             r.ID,
			ConversationID: r.ConversationID,
			TurnID:         r.TurnID,
			AgentID:        r.AgentID,
			Round:          r.Round,
			Type:           types.MessageType(r.Type),
			Content:        r.Content,
			Weight:         r.Weight,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) SaveInterjection(ctx context.Context, in *types.Interjection) error {
	rec := interjectionRecord{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		Content:        in.Content,
		AfterRound:     in.AfterRound,
		Processed:      in.Processed,
		CreatedAt:      in.CreatedAt,
	}
	return s.upsert(ctx, &rec)
}

func (s *GormStore) UnprocessedInterjections(ctx context.Context, conversationID string) ([]*types.Interjection, error) {
	var recs []interjectionRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND processed = ?", conversationID, false).
		Order("created_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.Interjection, 0, len(recs))
	for _, r := range recs {
		out = append(out, &types.Interjection{
			ID:             r.ID,
			ConversationID: r.ConversationID,
			Content:        r.Content,
			AfterRound:     r.AfterRound,
			Processed:      r.Processed,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) SaveResultDraft(ctx context.Context, draft *types.ResultDraft) error {
	rec := draftRecord{
		ConversationID:  draft.ConversationID,
		Summary:         draft.Summary,
		KeyDecisions:    marshalStrings(draft.KeyDecisions),
		Themes:          marshalStrings(draft.Themes),
		Consensus:       draft.Consensus,
		Disagreements:   draft.Disagreements,
		RoundSummaries:  marshalStrings(draft.RoundSummaries),
		LastUpdateRound: draft.LastUpdateRound,
		MessageCount:    draft.Stats.MessageCount,
		RoundsCompleted: draft.Stats.RoundsCompleted,
		CompletedAt:     draft.Stats.CompletedAt,
		FinalizedAt:     draft.FinalizedAt,
		UpdatedAt:       time.Now(),
	}
	return s.upsert(ctx, &rec)
}

func (s *GormStore) GetResultDraft(ctx context.Context, conversationID string) (*types.ResultDraft, error) {
	var rec draftRecord
	if err := s.first(ctx, &rec, "conversation_id = ?", conversationID); err != nil {
		return nil, err
	}
	return &types.ResultDraft{
		ConversationID:  rec.ConversationID,
		Summary:         rec.Summary,
		KeyDecisions:    unmarshalStrings(rec.KeyDecisions),
		Themes:          unmarshalStrings(rec.Themes),
		Consensus:       rec.Consensus,
		Disagreements:   rec.Disagreements,
		RoundSummaries:  unmarshalStrings(rec.RoundSummaries),
		LastUpdateRound: rec.LastUpdateRound,
		Stats: types.ResultStats{
			MessageCount:    rec.MessageCount,
			RoundsCompleted: rec.RoundsCompleted,
			CompletedAt:     rec.CompletedAt,
		},
		FinalizedAt: rec.FinalizedAt,
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) upsert(ctx context.Context, rec any) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
}

func (s *GormStore) first(ctx context.Context, dst any, cond string, args ...any) error {
	err := s.db.WithContext(ctx).Where(cond, args...).First(dst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func marshalStrings(in []string) string {
	if len(in) == 0 {
		return ""
	}
	data, _ := json.Marshal(in)
	return string(data)
}

func unmarshalStrings(in string) []string {
	if in == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(in), &out)
	return out
}

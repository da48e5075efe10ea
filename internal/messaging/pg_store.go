package messaging

import (
	"context"
	"database/sql"

	"github.com/eternisai/enchanted-research/internal/storage/pg"
)

// querier is the subset of *pg.Queries the store needs.
type querier interface {
	FindOrCreateConversation(ctx context.Context, arg pg.FindOrCreateConversationParams) (pg.Conversation, error)
	CreateMessage(ctx context.Context, arg pg.CreateMessageParams) error
	CreateUsageRecord(ctx context.Context, arg pg.CreateUsageRecordParams) error
	UpdateConversationTitle(ctx context.Context, arg pg.UpdateConversationTitleParams) error
}

// PGStore persists to Postgres.
type PGStore struct {
	queries querier
}

func NewPGStore(queries querier) *PGStore {
	return &PGStore{queries: queries}
}

func (s *PGStore) FindOrCreateConversation(ctx context.Context, userID, conversationID string) error {
	_, err := s.queries.FindOrCreateConversation(ctx, pg.FindOrCreateConversationParams{
		ID:     conversationID,
		UserID: userID,
	})
	return err
}

func (s *PGStore) CreateMessage(ctx context.Context, msg MessageToStore) error {
	return s.queries.CreateMessage(ctx, pg.CreateMessageParams{
		ID:             msg.MessageID,
		ConversationID: msg.ConversationID,
		UserID:         msg.UserID,
		TurnID:         msg.TurnID,
		Role:           msg.Role,
		Content:        msg.Content,
		BackendID:      nullString(msg.BackendID),
		IsError:        msg.IsError,
		Stopped:        msg.Stopped,
		StoppedBy:      nullString(msg.StoppedBy),
		StopReason:     nullString(msg.StopReason),
	})
}

func (s *PGStore) CreateUsageRecord(ctx context.Context, usage UsageToStore) error {
	return s.queries.CreateUsageRecord(ctx, pg.CreateUsageRecordParams{
		UserID:           usage.UserID,
		ConversationID:   nullString(usage.ConversationID),
		TurnID:           usage.TurnID,
		Mode:             usage.Mode,
		BackendID:        usage.BackendID,
		Provider:         usage.Provider,
		Model:            usage.Model,
		PromptTokens:     int32(usage.PromptTokens),
		CompletionTokens: int32(usage.CompletionTokens),
		TotalTokens:      int32(usage.TotalTokens),
		PlanTokens:       int32(usage.PlanTokens()),
	})
}

func (s *PGStore) UpdateConversationTitle(ctx context.Context, title TitleToStore) error {
	return s.queries.UpdateConversationTitle(ctx, pg.UpdateConversationTitleParams{
		ID:     title.ConversationID,
		Title:  title.Title,
		UserID: title.UserID,
	})
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

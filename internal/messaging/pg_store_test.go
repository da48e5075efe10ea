package messaging

import (
	"context"
	"testing"

	"github.com/eternisai/enchanted-research/internal/storage/pg"
)

type mockQuerier struct {
	conversations []pg.FindOrCreateConversationParams
	messages      []pg.CreateMessageParams
	usage         []pg.CreateUsageRecordParams
	titles        []pg.UpdateConversationTitleParams
}

func (m *mockQuerier) FindOrCreateConversation(ctx context.Context, arg pg.FindOrCreateConversationParams) (pg.Conversation, error) {
	m.conversations = append(m.conversations, arg)
	return pg.Conversation{ID: arg.ID, UserID: arg.UserID}, nil
}

func (m *mockQuerier) CreateMessage(ctx context.Context, arg pg.CreateMessageParams) error {
	m.messages = append(m.messages, arg)
	return nil
}

func (m *mockQuerier) CreateUsageRecord(ctx context.Context, arg pg.CreateUsageRecordParams) error {
	m.usage = append(m.usage, arg)
	return nil
}

func (m *mockQuerier) UpdateConversationTitle(ctx context.Context, arg pg.UpdateConversationTitleParams) error {
	m.titles = append(m.titles, arg)
	return nil
}

func TestPGStoreMapsFields(t *testing.T) {
	mock := &mockQuerier{}
	store := NewPGStore(mock)
	ctx := context.Background()

	if err := store.CreateMessage(ctx, MessageToStore{
		MessageID:      "m1",
		ConversationID: "c1",
		UserID:         "u1",
		TurnID:         "t1",
		Role:           "assistant",
		Content:        "hello",
		BackendID:      "gpt-4.1",
	}); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	got := mock.messages[0]
	if !got.BackendID.Valid || got.BackendID.String != "gpt-4.1" {
		t.Errorf("expected backend id to be set, got %+v", got.BackendID)
	}
	if got.StoppedBy.Valid || got.StopReason.Valid {
		t.Error("expected empty stop fields to be NULL")
	}

	if err := store.CreateUsageRecord(ctx, UsageToStore{
		UserID:           "u1",
		TurnID:           "t1",
		Mode:             "chat",
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		TokenMultiplier:  2,
	}); err != nil {
		t.Fatalf("CreateUsageRecord failed: %v", err)
	}

	usage := mock.usage[0]
	if usage.PlanTokens != 30 || usage.TotalTokens != 15 {
		t.Errorf("unexpected usage params: %+v", usage)
	}
	if usage.ConversationID.Valid {
		t.Error("expected missing conversation id to be NULL")
	}

	if err := store.FindOrCreateConversation(ctx, "u1", "c1"); err != nil {
		t.Fatalf("FindOrCreateConversation failed: %v", err)
	}
	if mock.conversations[0].ID != "c1" || mock.conversations[0].UserID != "u1" {
		t.Errorf("unexpected conversation params: %+v", mock.conversations[0])
	}
}

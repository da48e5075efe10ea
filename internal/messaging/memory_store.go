package messaging

import (
	"context"
	"sync"
)

// MemoryStore keeps everything in memory. Used in tests and when no database is configured.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]string // conversation id -> user id
	messages      []MessageToStore
	usage         []UsageToStore
	titles        map[string]string

	// Err, when set, fails every write.
	Err error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]string),
		titles:        make(map[string]string),
	}
}

func (m *MemoryStore) FindOrCreateConversation(_ context.Context, userID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.conversations[conversationID]; !ok {
		m.conversations[conversationID] = userID
	}
	return nil
}

func (m *MemoryStore) CreateMessage(_ context.Context, msg MessageToStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *MemoryStore) CreateUsageRecord(_ context.Context, usage UsageToStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.usage = append(m.usage, usage)
	return nil
}

func (m *MemoryStore) UpdateConversationTitle(_ context.Context, title TitleToStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.titles[title.ConversationID] = title.Title
	return nil
}

// Messages returns a copy of the stored messages in write order.
func (m *MemoryStore) Messages() []MessageToStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MessageToStore, len(m.messages))
	copy(out, m.messages)
	return out
}

// Usage returns a copy of the stored usage records.
func (m *MemoryStore) Usage() []UsageToStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UsageToStore, len(m.usage))
	copy(out, m.usage)
	return out
}

// Title returns the stored title of a conversation.
func (m *MemoryStore) Title(conversationID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.titles[conversationID]
}

// HasConversation reports whether the conversation was created.
func (m *MemoryStore) HasConversation(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conversations[conversationID]
	return ok
}

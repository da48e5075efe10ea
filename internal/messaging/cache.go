package messaging

import (
	"sync"
	"time"
)

// ConversationCache remembers conversations that are known to exist so repeated turns
// skip the find-or-create round trip.
type ConversationCache struct {
	cache   map[string]time.Time
	mu      sync.RWMutex
	maxSize int
	ttl     time.Duration
}

// NewConversationCache creates a new cache
func NewConversationCache(maxSize int, ttl time.Duration) *ConversationCache {
	return &ConversationCache{
		cache:   make(map[string]time.Time),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Has reports whether the conversation was ensured within the TTL.
func (c *ConversationCache) Has(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	expiresAt, exists := c.cache[conversationID]
	return exists && time.Now().Before(expiresAt)
}

// Add marks a conversation as existing.
func (c *ConversationCache) Add(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple eviction: remove an arbitrary entry at capacity (not truly LRU, but simple)
	if len(c.cache) >= c.maxSize {
		for k := range c.cache {
			delete(c.cache, k)
			break
		}
	}

	c.cache[conversationID] = time.Now().Add(c.ttl)
}

// Size returns the current number of entries in cache
func (c *ConversationCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.cache)
}

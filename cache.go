package karmachat

import (
	"sort"
	"sync"
)

// ============================================================================
// Cache
// ============================================================================

// Cache is an identity map holding at most one live object per id.
// It is safe for concurrent use.
type Cache[T any] struct {
	mu    sync.RWMutex
	items map[string]*T
}

// NewCache creates an empty cache.
func NewCache[T any]() *Cache[T] {
	return &Cache[T]{items: make(map[string]*T)}
}

// Get returns the cached object for id.
func (c *Cache[T]) Get(id string) (*T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[id]
	return v, ok
}

// GetOrCreate returns the object cached under id, or registers the one
// built by create. created reports which happened.
func (c *Cache[T]) GetOrCreate(id string, create func() *T) (v *T, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.items[id]; ok {
		return v, false
	}
	v = create()
	c.items[id] = v
	return v, true
}

// Delete drops id from the cache.
func (c *Cache[T]) Delete(id string) {
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}

// Len returns the number of cached objects.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Range calls fn for every cached object until fn returns false.
func (c *Cache[T]) Range(fn func(id string, v *T) bool) {
	c.mu.RLock()
	snapshot := make(map[string]*T, len(c.items))
	for k, v := range c.items {
		snapshot[k] = v
	}
	c.mu.RUnlock()
	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// Clear empties the cache.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*T)
	c.mu.Unlock()
}

// ============================================================================
// MessageHistory
// ============================================================================

// MessageHistory is a per-dialogue message cache bounded by size. Every
// insert that exceeds the bound evicts the oldest messages by CreatedAt.
type MessageHistory struct {
	mu    sync.RWMutex
	limit int
	items map[string]*Message
}

func newMessageHistory(limit int) *MessageHistory {
	return &MessageHistory{limit: limit, items: make(map[string]*Message)}
}

// Limit returns the history bound.
func (h *MessageHistory) Limit() int { return h.limit }

// Get returns a cached message.
func (h *MessageHistory) Get(id string) (*Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.items[id]
	return m, ok
}

// Len returns the number of cached messages.
func (h *MessageHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}

// Add inserts m, or keeps the existing instance when its id is already
// present, then enforces the bound. It returns the evicted messages.
func (h *MessageHistory) Add(m *Message) []*Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.items[m.ID]; !ok {
		h.items[m.ID] = m
	}

	var evicted []*Message
	for len(h.items) > h.limit {
		oldest := h.oldestLocked()
		delete(h.items, oldest.ID)
		evicted = append(evicted, oldest)
	}
	return evicted
}

// Remove drops a message from the history.
func (h *MessageHistory) Remove(id string) {
	h.mu.Lock()
	delete(h.items, id)
	h.mu.Unlock()
}

// List returns the cached messages, oldest first.
func (h *MessageHistory) List() []*Message {
	h.mu.RLock()
	out := make([]*Message, 0, len(h.items))
	for _, m := range h.items {
		out = append(out, m)
	}
	h.mu.RUnlock()
	sortChronological(out)
	return out
}

// Latest returns the newest cached message.
func (h *MessageHistory) Latest() *Message {
	list := h.List()
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// oldestLocked selects the message with the smallest CreatedAt; ties go to
// the smaller id so eviction is deterministic.
func (h *MessageHistory) oldestLocked() *Message {
	var oldest *Message
	for _, m := range h.items {
		if oldest == nil || olderThan(m, oldest) {
			oldest = m
		}
	}
	return oldest
}

func olderThan(a, b *Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func sortChronological(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

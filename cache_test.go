package karmachat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheIdentity(t *testing.T) {
	c := NewCache[User]()

	u1, created := c.GetOrCreate("u1", func() *User { return newUser("u1") })
	require.True(t, created)
	u2, created := c.GetOrCreate("u1", func() *User { return newUser("u1") })
	require.False(t, created)
	assert.Same(t, u1, u2)

	got, ok := c.Get("u1")
	require.True(t, ok)
	assert.Same(t, u1, got)

	c.Delete("u1")
	_, ok = c.Get("u1")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestCacheConcurrentGetOrCreate(t *testing.T) {
	c := NewCache[User]()
	var wg sync.WaitGroup
	results := make([]*User, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.GetOrCreate("same", func() *User { return newUser("same") })
		}(i)
	}
	wg.Wait()

	for _, u := range results {
		assert.Same(t, results[0], u)
	}
	assert.Equal(t, 1, c.Len())
}

func TestCacheRangeAllowsMutation(t *testing.T) {
	c := NewCache[User]()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("u%d", i)
		c.GetOrCreate(id, func() *User { return newUser(id) })
	}

	seen := 0
	c.Range(func(id string, _ *User) bool {
		c.Delete(id)
		seen++
		return true
	})
	assert.Equal(t, 3, seen)
	assert.Zero(t, c.Len())
}

// ============================================================================
// MessageHistory
// ============================================================================

func msgAt(id string, at time.Time) *Message {
	m := newMessage(id)
	m.CreatedAt = at
	return m
}

func TestMessageHistoryEviction(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("evicts oldest by creation time", func(t *testing.T) {
		h := newMessageHistory(3)
		h.Add(msgAt("c", base.Add(3*time.Second)))
		h.Add(msgAt("a", base.Add(1*time.Second)))
		h.Add(msgAt("d", base.Add(4*time.Second)))

		evicted := h.Add(msgAt("b", base.Add(2*time.Second)))
		require.Len(t, evicted, 1)
		assert.Equal(t, "a", evicted[0].ID)
		assert.Equal(t, 3, h.Len())

		ids := []string{}
		for _, m := range h.List() {
			ids = append(ids, m.ID)
		}
		assert.Equal(t, []string{"b", "c", "d"}, ids)
		assert.Equal(t, "d", h.Latest().ID)
	})

	t.Run("new message older than every cached one is evicted itself", func(t *testing.T) {
		h := newMessageHistory(2)
		h.Add(msgAt("x", base.Add(5*time.Second)))
		h.Add(msgAt("y", base.Add(6*time.Second)))

		evicted := h.Add(msgAt("old", base))
		require.Len(t, evicted, 1)
		assert.Equal(t, "old", evicted[0].ID)
		_, ok := h.Get("old")
		assert.False(t, ok)
	})

	t.Run("ties break on id", func(t *testing.T) {
		h := newMessageHistory(1)
		h.Add(msgAt("m2", base))
		evicted := h.Add(msgAt("m1", base))
		require.Len(t, evicted, 1)
		assert.Equal(t, "m1", evicted[0].ID)
	})

	t.Run("re-adding keeps the cached instance", func(t *testing.T) {
		h := newMessageHistory(5)
		first := msgAt("m", base)
		h.Add(first)
		h.Add(msgAt("m", base.Add(time.Hour)))

		got, ok := h.Get("m")
		require.True(t, ok)
		assert.Same(t, first, got)
		assert.Equal(t, 1, h.Len())
	})

	t.Run("never exceeds its limit", func(t *testing.T) {
		h := newMessageHistory(10)
		for i := 0; i < 100; i++ {
			h.Add(msgAt(fmt.Sprintf("m%03d", i), base.Add(time.Duration(i)*time.Second)))
			assert.LessOrEqual(t, h.Len(), h.Limit())
		}
		assert.Equal(t, "m090", h.List()[0].ID)
	})
}

func TestMessageHistoryLatestEmpty(t *testing.T) {
	h := newMessageHistory(5)
	assert.Nil(t, h.Latest())
	h.Add(msgAt("m", time.Now()))
	h.Remove("m")
	assert.Nil(t, h.Latest())
}

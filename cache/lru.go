package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/tidwall/match"
)

type entry struct {
	key     string
	value   []byte
	expires time.Time
	element *list.Element
}

// MemoryStore is an in-process LRU Store with per-key TTL.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*entry
	order    *list.List
	now      func() time.Time
}

// NewMemoryStore creates an LRU store with capacity and default TTL. A zero
// ttl passed to Set falls back to the default.
func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity <= 0 {
		capacity = 512
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryStore{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*entry, capacity),
		order:    list.New(),
		now:      time.Now,
	}
}

func (c *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		if ent.expires.IsZero() || c.now().Before(ent.expires) {
			c.order.MoveToFront(ent.element)
			out := make([]byte, len(ent.value))
			copy(out, ent.value)
			return out, nil
		}
		c.removeEntry(ent)
	}
	return nil, ErrNotFound
}

func (c *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)

	if ent, ok := c.items[key]; ok {
		ent.value = v
		ent.expires = c.computeExpiry(ttl)
		c.order.MoveToFront(ent.element)
		return nil
	}

	if len(c.items) >= c.capacity {
		c.evictOldest()
	}

	elem := c.order.PushFront(key)
	c.items[key] = &entry{
		key:     key,
		value:   v,
		expires: c.computeExpiry(ttl),
		element: elem,
	}
	return nil
}

func (c *MemoryStore) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.items[key]; ok {
		c.removeEntry(ent)
	}
	return nil
}

// DeletePattern removes every key matching the glob pattern.
func (c *MemoryStore) DeletePattern(_ context.Context, pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, ent := range c.items {
		if match.Match(key, pattern) {
			c.removeEntry(ent)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored keys, expired ones included.
func (c *MemoryStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *MemoryStore) computeExpiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.now().Add(ttl)
}

func (c *MemoryStore) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	key := elem.Value.(string)
	if ent, ok := c.items[key]; ok {
		c.removeEntry(ent)
	}
}

func (c *MemoryStore) removeEntry(ent *entry) {
	if ent.element != nil {
		c.order.Remove(ent.element)
	}
	delete(c.items, ent.key)
}

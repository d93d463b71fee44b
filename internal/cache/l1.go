package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is a versioned cache value. Version tracks the Result version the
// value was derived from.
type Entry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Version   int64     `json:"version"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// L1 is the fast, bounded, per-process cache tier with least-recently-used
// eviction. Stores are version-aware: an older version never replaces a
// newer one.
type L1 struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	items    map[string]*list.Element
	now      func() time.Time
}

// NewL1 creates an L1 tier with the given capacity and TTL.
func NewL1(capacity int, ttl time.Duration) *L1 {
	return &L1{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// Get returns the live entry for key, if present. Expired entries are kept
// until evicted so the tiered layer can stale-serve them within its grace
// window; callers check Expired themselves.
func (c *L1) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	entry := el.Value.(*Entry)
	snapshot := *entry
	return &snapshot, true
}

// Set stores the value unless a newer version is already cached.
func (c *L1) Set(key string, value []byte, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*Entry)
		if entry.Version > version {
			return
		}
		entry.Value = value
		entry.Version = version
		entry.ExpiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	entry := &Entry{
		Key:       key,
		Value:     value,
		Version:   version,
		ExpiresAt: c.now().Add(c.ttl),
	}
	c.items[key] = c.order.PushFront(entry)

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*Entry).Key)
	}
}

// Delete removes the entry for key.
func (c *L1) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Len returns the number of cached entries.
func (c *L1) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

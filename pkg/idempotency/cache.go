package idempotency

import (
	"container/list"
	"sync"
	"time"
)

// Entry is a cached command outcome.
type Entry struct {
	Response  any
	ExpiresAt time.Time
}

type node struct {
	key   string
	entry Entry
}

// Cache is a bounded, TTL-expiring map from idempotency key to cached
// response. Entries are evicted either when they expire or, once the
// cache is at MaxEntries, in insertion order (oldest first) to make
// room for a new one — mirroring the time-ordered eviction used for
// bounded maps elsewhere in the pack rather than a full LRU.
type Cache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List
}

// NewCache builds a cache with the given TTL and maximum entry count.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Get returns the cached response for key if present and not expired.
func (c *Cache) Get(key string, now time.Time) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	n := el.Value.(*node)
	if now.After(n.entry.ExpiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	return n.entry.Response, true
}

// Put stores response under key with the cache's configured TTL,
// evicting the oldest entry if the cache is full.
func (c *Cache) Put(key string, response any, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*node).entry = Entry{Response: response, ExpiresAt: now.Add(c.ttl)}
		return
	}
	for c.order.Len() >= c.maxEntries {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*node).key)
	}
	el := c.order.PushBack(&node{key: key, entry: Entry{Response: response, ExpiresAt: now.Add(c.ttl)}})
	c.entries[key] = el
}

// Sweep removes all entries expired as of now. Callers run this
// periodically so the cache doesn't grow unbounded between accesses of
// its own expired keys.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		n := el.Value.(*node)
		if now.After(n.entry.ExpiresAt) {
			c.order.Remove(el)
			delete(c.entries, n.key)
			removed++
			continue
		}
		// order is insertion order, not expiry order, so keep scanning.
	}
	return removed
}

// Len reports the current number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

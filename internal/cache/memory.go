package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type memItem[V any] struct {
	val      V
	storedAt time.Time
	ttl      time.Duration
}

// MemoryCache is a bounded, TTL-expiring, in-process key/value store.
//
// Eviction is FIFO by insertion time. Reads use Peek so they never change the
// eviction order; overwriting a key re-inserts it as the newest entry.
// Expired entries count toward Len until a Get purges them.
type MemoryCache[V any] struct {
	mu         sync.Mutex
	items      *simplelru.LRU[string, memItem[V]]
	defaultTTL time.Duration
	now        func() time.Time

	evictions uint64
}

// NewMemoryCache creates a memory cache holding at most maxEntries values.
// A non-positive maxEntries is clamped to 1.
func NewMemoryCache[V any](maxEntries int, defaultTTL time.Duration) *MemoryCache[V] {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	// NewLRU only fails for a non-positive size.
	items, _ := simplelru.NewLRU[string, memItem[V]](maxEntries, nil)
	return &MemoryCache[V]{
		items:      items,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

func (c *MemoryCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	it, ok := c.items.Peek(key)
	if !ok {
		return zero, false
	}
	if c.expired(it) {
		c.items.Remove(key)
		return zero, false
	}
	return it.val, true
}

// Put stores v under key with the cache's default TTL.
func (c *MemoryCache[V]) Put(key string, v V) {
	c.PutTTL(key, v, c.defaultTTL)
}

// PutTTL stores v under key with an explicit TTL. A non-positive ttl falls
// back to the default TTL.
func (c *MemoryCache[V]) PutTTL(key string, v V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// Remove first so an overwrite lands at the newest end of the queue.
	c.items.Remove(key)
	if c.items.Add(key, memItem[V]{val: v, storedAt: c.now(), ttl: ttl}) {
		c.evictions++
	}
}

func (c *MemoryCache[V]) Invalidate(key string) {
	c.mu.Lock()
	c.items.Remove(key)
	c.mu.Unlock()
}

func (c *MemoryCache[V]) Clear() {
	c.mu.Lock()
	c.items.Purge()
	c.mu.Unlock()
}

func (c *MemoryCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// Keys returns stored keys from oldest to newest.
func (c *MemoryCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Keys()
}

// Evictions reports how many entries were dropped to respect capacity.
func (c *MemoryCache[V]) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

func (c *MemoryCache[V]) expired(it memItem[V]) bool {
	if it.ttl <= 0 {
		return false
	}
	return c.now().Sub(it.storedAt) >= it.ttl
}

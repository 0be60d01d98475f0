package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoryCache_TTL(t *testing.T) {
	clk := newFakeClock()
	c := NewMemoryCache[string](10, time.Minute)
	c.now = clk.Now

	c.Put("k", "v")
	clk.Advance(59 * time.Second)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clk.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry must expire exactly at its ttl")
	assert.Equal(t, 0, c.Len(), "expired entry is purged on read")
}

func TestMemoryCache_PutTTLOverridesDefault(t *testing.T) {
	clk := newFakeClock()
	c := NewMemoryCache[int](10, time.Hour)
	c.now = clk.Now

	c.PutTTL("short", 1, time.Second)
	c.PutTTL("fallback", 2, 0)

	clk.Advance(2 * time.Second)
	_, ok := c.Get("short")
	assert.False(t, ok)
	v, ok := c.Get("fallback")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestMemoryCache_ExpiredEntriesCountTowardLen(t *testing.T) {
	clk := newFakeClock()
	c := NewMemoryCache[string](10, time.Second)
	c.now = clk.Now

	c.Put("a", "1")
	c.Put("b", "2")
	clk.Advance(time.Minute)
	assert.Equal(t, 2, c.Len())

	_, _ = c.Get("a")
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCache_FIFOEviction(t *testing.T) {
	c := NewMemoryCache[string](2, time.Hour)
	c.Put("a", "1")
	c.Put("b", "2")
	c.Put("c", "3")

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Evictions())
}

func TestMemoryCache_ReadsDoNotReorder(t *testing.T) {
	c := NewMemoryCache[string](2, time.Hour)
	c.Put("a", "1")
	c.Put("b", "2")

	// An LRU would keep "a" here; insertion order evicts it anyway.
	_, _ = c.Get("a")
	c.Put("c", "3")

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b", "c"}, c.Keys())
}

func TestMemoryCache_OverwriteReinserts(t *testing.T) {
	clk := newFakeClock()
	c := NewMemoryCache[string](2, time.Minute)
	c.now = clk.Now

	c.Put("a", "1")
	c.Put("b", "2")
	clk.Advance(50 * time.Second)
	c.Put("a", "1b")
	assert.Equal(t, uint64(0), c.Evictions(), "overwrite never evicts")
	assert.Equal(t, []string{"b", "a"}, c.Keys())

	c.Put("c", "3")
	_, ok := c.Get("b")
	assert.False(t, ok, "b is now the oldest insertion")

	clk.Advance(50 * time.Second)
	v, ok := c.Get("a")
	require.True(t, ok, "overwrite restarts the ttl")
	assert.Equal(t, "1b", v)
}

func TestMemoryCache_InvalidateAndClear(t *testing.T) {
	c := NewMemoryCache[string](4, time.Hour)
	c.Put("a", "1")
	c.Put("b", "2")

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Invalidate("missing")
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_NonPositiveCapacityClamped(t *testing.T) {
	c := NewMemoryCache[string](0, time.Hour)
	c.Put("a", "1")
	c.Put("b", "2")
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCache_Concurrent(t *testing.T) {
	c := NewMemoryCache[int](64, time.Hour)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", i%100)
				c.Put(key, g*i)
				_, _ = c.Get(key)
				if i%17 == 0 {
					c.Invalidate(key)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 64)
}

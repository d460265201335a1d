package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := newMemoryCache(4)
	_, ok := c.get("a")
	assert.False(t, ok)

	c.set("a", Record{Value: 1, Namespace: "ns"})
	rec, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, rec.Value)
	assert.Equal(t, "ns", rec.Namespace)
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newMemoryCache(2)
	c.set("a", Record{Value: 1})
	c.set("b", Record{Value: 2})
	c.set("c", Record{Value: 3})

	_, ok := c.get("a")
	assert.False(t, ok)
	rec, ok := c.get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, rec.Value)
	rec, ok = c.get("c")
	assert.True(t, ok)
	assert.Equal(t, 3, rec.Value)

	st := c.stats()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, uint64(1), st.Evictions)
}

func TestMemoryCacheGetRefreshesRecency(t *testing.T) {
	c := newMemoryCache(2)
	c.set("a", Record{Value: 1})
	c.set("b", Record{Value: 2})

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.get("a")
	assert.True(t, ok)
	c.set("c", Record{Value: 3})

	_, ok = c.get("b")
	assert.False(t, ok)
	_, ok = c.get("a")
	assert.True(t, ok)
}

func TestMemoryCacheReplaceKeepsSize(t *testing.T) {
	c := newMemoryCache(2)
	c.set("a", Record{Value: 1})
	c.set("a", Record{Value: 2})

	rec, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, rec.Value)

	st := c.stats()
	assert.Equal(t, 1, st.Size)
	assert.Equal(t, uint64(0), st.Evictions)
}

func TestMemoryCacheDelete(t *testing.T) {
	c := newMemoryCache(2)
	c.set("a", Record{Value: 1})
	c.delete("a")
	c.delete("a") // second delete is a no-op

	_, ok := c.get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.stats().Size)
}

func TestMemoryCacheClear(t *testing.T) {
	c := newMemoryCache(4)
	c.set("a", Record{Value: 1})
	c.set("b", Record{Value: 2})
	c.clear()

	assert.Equal(t, 0, c.stats().Size)
	_, ok := c.get("a")
	assert.False(t, ok)
}

func TestMemoryCacheItemsMostRecentFirst(t *testing.T) {
	c := newMemoryCache(4)
	c.set("a", Record{Value: 1})
	c.set("b", Record{Value: 2})
	c.set("c", Record{Value: 3})
	_, _ = c.get("a")

	items := c.items()
	assert.Len(t, items, 3)
	assert.Equal(t, "a", items[0].key)
	assert.Equal(t, "c", items[1].key)
	assert.Equal(t, "b", items[2].key)
}

func TestMemoryCacheStatsCounters(t *testing.T) {
	c := newMemoryCache(2)
	c.set("a", Record{Value: 1})
	_, _ = c.get("a")
	_, _ = c.get("a")
	_, _ = c.get("missing")

	st := c.stats()
	assert.Equal(t, 2, st.Capacity)
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
}

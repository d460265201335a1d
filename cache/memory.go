package cache

import (
	"container/list"
	"sync"
	"time"
)

// Record is the in-memory representation of a cached value. Value holds the
// live object handed to Set, or the msgpack bytes (as Encoded) after a value
// is promoted from the persistent tier. A zero ExpiresAt means the record
// never expires.
type Record struct {
	Value     any
	ExpiresAt time.Time
	Namespace string
	Version   string
}

// MemoryStats reports the state of the in-memory tier.
type MemoryStats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// memoryCache is a fixed-capacity key-value store with least-recently-used
// eviction. It does not interpret expiry; that policy lives in the Manager so
// the memory tier stays storage-agnostic. All operations are O(1) amortized
// and safe for concurrent use.
type memoryCache struct {
	mu        sync.Mutex
	capacity  int
	elements  map[string]*list.Element
	order     *list.List // front = most recently used
	hits      uint64
	misses    uint64
	evictions uint64
}

type lruEntry struct {
	key    string
	record Record
}

// newMemoryCache requires capacity > 0; the Manager constructor validates.
func newMemoryCache(capacity int) *memoryCache {
	return &memoryCache{
		capacity: capacity,
		elements: make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// get returns the record for key, marking it most-recently-used. Hits count
// presence only; an expired record still present in the map is a hit here and
// the Manager decides whether it counts.
func (c *memoryCache) get(key string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.elements[key]
	if !ok {
		c.misses++
		return Record{}, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return el.Value.(*lruEntry).record, true
}

// set inserts or replaces the record for key and marks it most-recently-used.
// When the insert pushes the cache past capacity, the least-recently-used
// entry is evicted.
func (c *memoryCache) set(key string, rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.elements[key]; ok {
		el.Value.(*lruEntry).record = rec
		c.order.MoveToFront(el)
		return
	}
	c.elements[key] = c.order.PushFront(&lruEntry{key: key, record: rec})
	for len(c.elements) > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*lruEntry)
		delete(c.elements, evicted.key)
		c.order.Remove(back)
		c.evictions++
	}
}

func (c *memoryCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.elements[key]; ok {
		delete(c.elements, key)
		c.order.Remove(el)
	}
}

func (c *memoryCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elements = make(map[string]*list.Element, c.capacity)
	c.order.Init()
}

// items returns a snapshot of all entries in most- to least-recently-used
// order. Used for namespace-scoped clearing; the snapshot does not hold the
// lock, so entries may be concurrently mutated after it is taken.
func (c *memoryCache) items() []lruEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]lruEntry, 0, len(c.elements))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*lruEntry))
	}
	return out
}

func (c *memoryCache) stats() MemoryStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return MemoryStats{
		Size:      len(c.elements),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

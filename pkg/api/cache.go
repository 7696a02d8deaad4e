package api

import (
	"container/list"
	"sync"
	"time"
)

// chartKey identifies a chart extracted from one dataset snapshot. A
// dataset only grows, so its length and column count identify its content.
type chartKey struct {
	sensor  string
	length  int
	columns int
}

// ChartCache implements an LRU cache for extracted chart series
type ChartCache struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[chartKey]*cacheEntry
	lru   *list.List

	hits   uint64
	misses uint64
}

// cacheEntry represents a cached chart
type cacheEntry struct {
	key       chartKey
	chart     *Chart
	timestamp time.Time
	element   *list.Element
}

// NewChartCache creates a new chart cache
func NewChartCache(capacity int, ttl time.Duration) *ChartCache {
	if capacity <= 0 {
		capacity = 64
	}
	return &ChartCache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[chartKey]*cacheEntry),
		lru:      list.New(),
	}
}

// Get retrieves a cached chart
func (cc *ChartCache) Get(key chartKey) (*Chart, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	entry, exists := cc.cache[key]
	if !exists {
		cc.misses++
		return nil, false
	}

	if cc.now().Sub(entry.timestamp) > cc.ttl {
		cc.removeLocked(key)
		cc.misses++
		return nil, false
	}

	cc.lru.MoveToFront(entry.element)
	cc.hits++
	return entry.chart, true
}

// Put stores a chart in the cache
func (cc *ChartCache) Put(key chartKey, chart *Chart) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if entry, exists := cc.cache[key]; exists {
		entry.chart = chart
		entry.timestamp = cc.now()
		cc.lru.MoveToFront(entry.element)
		return
	}

	entry := &cacheEntry{
		key:       key,
		chart:     chart,
		timestamp: cc.now(),
	}
	entry.element = cc.lru.PushFront(entry)
	cc.cache[key] = entry

	if cc.lru.Len() > cc.capacity {
		if oldest := cc.lru.Back(); oldest != nil {
			cc.removeLocked(oldest.Value.(*cacheEntry).key)
		}
	}
}

// removeLocked removes an entry from the cache (must hold lock)
func (cc *ChartCache) removeLocked(key chartKey) {
	if entry, exists := cc.cache[key]; exists {
		cc.lru.Remove(entry.element)
		delete(cc.cache, key)
	}
}

// Size returns the current cache size
func (cc *ChartCache) Size() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.cache)
}

// CacheStats contains cache statistics
type CacheStats struct {
	Size     int
	Capacity int
	Hits     uint64
	Misses   uint64
}

// Stats returns cache statistics
func (cc *ChartCache) Stats() CacheStats {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	return CacheStats{
		Size:     len(cc.cache),
		Capacity: cc.capacity,
		Hits:     cc.hits,
		Misses:   cc.misses,
	}
}

package parser

import (
	"container/list"
	"sync"
	"time"
)

// Entry wraps a cached Statement with its own lightweight-locked usage stats, matching
// the cache contract the router/coordinator observe (§4.7: "Entries carry their own
// per-entry stats protected by a lightweight lock").
type Entry struct {
	Statement *Statement

	mu          sync.Mutex
	hits        uint64
	directCount uint64
	multiCount  uint64
	totalParse  time.Duration
}

// RecordHit bumps the entry's hit counter and, when known, its direct/multi routing tally.
func (e *Entry) RecordHit(multiShard bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hits++
	if multiShard {
		e.multiCount++
	} else {
		e.directCount++
	}
}

// Stats is a point-in-time snapshot of an Entry's counters.
type Stats struct {
	Hits        uint64
	DirectCount uint64
	MultiCount  uint64
	ParseTime   time.Duration
}

func (e *Entry) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Hits: e.hits, DirectCount: e.directCount, MultiCount: e.multiCount, ParseTime: e.totalParse}
}

// Cache is an LRU of normalized-SQL-text to parsed Statement, sized by Capacity. It is
// safe for concurrent use; the container/list bookkeeping is guarded by its own mutex,
// kept separate from each Entry's stats lock so a busy entry never blocks eviction.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type cacheItem struct {
	key   string
	entry *Entry
}

// NewCache builds an LRU cache. Capacity is clamped to a minimum of 1.
func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Resize changes the capacity, evicting the least-recently-used entries if it shrinks.
func (c *Cache) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = capacity
	for c.ll.Len() > c.capacity {
		c.evictOldest()
	}
}

// GetOrParse returns the cached Entry for normalized key, parsing and inserting it (via
// parse) if absent. The normalized text is the cache key; callers normalize (e.g. strip
// literal values, collapse whitespace) before calling.
func (c *Cache) GetOrParse(key string, parse func() *Statement) *Entry {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		entry := el.Value.(*cacheItem).entry
		c.mu.Unlock()
		return entry
	}
	c.mu.Unlock()

	start := time.Now()
	stmt := parse()
	elapsed := time.Since(start)

	entry := &Entry{Statement: stmt, totalParse: elapsed}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*cacheItem).entry
	}
	el := c.ll.PushFront(&cacheItem{key: key, entry: entry})
	c.items[key] = el
	for c.ll.Len() > c.capacity {
		c.evictOldest()
	}
	return entry
}

// Peek looks up key without promoting it or parsing; used by callers that only want to
// know whether a statement text is already cached.
func (c *Cache) Peek(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*cacheItem).entry, true
}

func (c *Cache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	delete(c.items, el.Value.(*cacheItem).key)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

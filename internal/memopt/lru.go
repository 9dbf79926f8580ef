package memopt

import (
	"container/list"
	"sync"

	"github.com/cellarworks/vintrack/internal/engine"
)

type lruEntry struct {
	key   string
	value interface{}
	size  int64
}

// BoundedLRU is an LRU cache with two eviction triggers: an entry
// count cap and a byte budget. Whichever bound is crossed first
// evicts from the cold end.
type BoundedLRU struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64

	ll       *list.List
	items    map[string]*list.Element
	curBytes int64

	evictions int64
}

// NewBoundedLRU creates a cache bounded by entry count and bytes.
func NewBoundedLRU(maxEntries int, maxBytes int64) (*BoundedLRU, error) {
	if maxEntries <= 0 {
		return nil, engine.ErrValidation("max_entries", "must be positive")
	}
	if maxBytes <= 0 {
		return nil, engine.ErrValidation("max_bytes", "must be positive")
	}
	return &BoundedLRU{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}, nil
}

// Set stores a value with its size estimate, evicting cold entries
// until both bounds hold. A single value larger than the whole byte
// budget is rejected.
func (c *BoundedLRU) Set(key string, value interface{}, size int64) error {
	if size < 0 {
		return engine.ErrValidation("size", "must not be negative")
	}
	if size > c.maxBytes {
		return engine.ErrCapacity("lru bytes", c.maxBytes, size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*lruEntry)
		c.curBytes += size - entry.size
		entry.value = value
		entry.size = size
		c.ll.MoveToFront(elem)
	} else {
		elem := c.ll.PushFront(&lruEntry{key: key, value: value, size: size})
		c.items[key] = elem
		c.curBytes += size
	}

	for c.ll.Len() > c.maxEntries || c.curBytes > c.maxBytes {
		c.evictOldest()
	}
	return nil
}

// Get reads a value and refreshes its recency.
func (c *BoundedLRU) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(elem)
	return elem.Value.(*lruEntry).value, true
}

// Delete removes a key.
func (c *BoundedLRU) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.remove(elem)
	return true
}

// Len returns the number of entries.
func (c *BoundedLRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Bytes returns the tracked byte usage.
func (c *BoundedLRU) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// Evictions returns how many entries were evicted by either bound.
func (c *BoundedLRU) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

func (c *BoundedLRU) evictOldest() {
	if elem := c.ll.Back(); elem != nil {
		c.remove(elem)
		c.evictions++
	}
}

func (c *BoundedLRU) remove(elem *list.Element) {
	entry := elem.Value.(*lruEntry)
	c.ll.Remove(elem)
	delete(c.items, entry.key)
	c.curBytes -= entry.size
}

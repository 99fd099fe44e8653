// Package cache holds objects fetched from peer replicas that were stored
// immutable. Because such objects can never change, a cached copy is always
// valid and an evicted one can be fetched again from its owning shard.
package cache

import (
	"container/list"
	"sync"
)

// Entry is one cached object.
type Entry struct {
	Value      []byte
	Executable bool
}

type item struct {
	key   string
	entry Entry
}

// LRU is a least-recently-used cache bounded by the total size in bytes of
// its keys and values. All operations take a single mutex and are O(1)
// apart from the evictions an Insert triggers.
type LRU struct {
	mu       sync.Mutex
	capacity int
	size     int
	order    *list.List // front is most recently used
	items    map[string]*list.Element
}

// New returns an empty cache holding at most capacity bytes. A capacity of
// zero or less disables caching: every Insert is discarded.
func New(capacity int) *LRU {
	return &LRU{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func entrySize(key string, e Entry) int {
	return len(key) + len(e.Value)
}

// Access returns the entry for key and marks it most recently used.
func (c *LRU) Access(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*item).entry, true
}

// Insert stores e under key, replacing any previous entry, and evicts least
// recently used entries until the cache fits its capacity again. An entry
// larger than the whole capacity is not stored.
func (c *LRU) Insert(key string, e Entry) {
	need := entrySize(key, e)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
	if need > c.capacity {
		return
	}

	for c.size+need > c.capacity {
		c.remove(c.order.Back())
	}

	c.items[key] = c.order.PushFront(&item{key: key, entry: e})
	c.size += need
}

// Drop removes key if present.
func (c *LRU) Drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
}

// remove unlinks el; c.mu must be held.
func (c *LRU) remove(el *list.Element) {
	it := c.order.Remove(el).(*item)
	delete(c.items, it.key)
	c.size -= entrySize(it.key, it.entry)
}

// Len is the number of cached entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Size is the number of bytes currently held.
func (c *LRU) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Capacity is the configured byte bound.
func (c *LRU) Capacity() int { return c.capacity }

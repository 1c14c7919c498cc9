// Package cache implements the bounded fast-access cache of chat records.
package cache

import (
	"container/list"
	"sync"
	"time"

	"ai-chatsync/internal/chat"
)

const DefaultCapacity = 50

type entry struct {
	record  chat.Record
	touched time.Time
}

// LRU is a least-recently-used map from chat id to record with age-based
// eviction. It never errors; a miss is a normal result.
type LRU struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
	now      func() time.Time

	hits   int
	misses int
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Entries int
	Hits    int
	Misses  int
}

func New(capacity int) *LRU {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &LRU{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (c *LRU) WithClock(now func() time.Time) *LRU {
	c.now = now
	return c
}

// Get returns a copy of the record and promotes it to most recently used.
func (c *LRU) Get(id string) (chat.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		c.misses++
		return chat.Record{}, false
	}
	c.hits++
	e := el.Value.(*entry)
	e.touched = c.now()
	c.order.MoveToFront(el)
	return e.record.Clone(), true
}

// Put inserts or replaces a record, evicting the least recently used entry
// when the bound is exceeded.
func (c *LRU) Put(record chat.Record) {
	if record.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[record.ID]; ok {
		e := el.Value.(*entry)
		e.record = record.Clone()
		e.touched = c.now()
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&entry{record: record.Clone(), touched: c.now()})
	c.items[record.ID] = el
	for c.order.Len() > c.capacity {
		c.removeElement(c.order.Back())
	}
}

func (c *LRU) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.removeElement(el)
	}
}

// EvictOlderThan drops entries untouched for longer than age and returns how
// many were removed.
func (c *LRU) EvictOlderThan(age time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-age)
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*entry).touched.Before(cutoff) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: c.order.Len(), Hits: c.hits, Misses: c.misses}
}

func (c *LRU) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).record.ID)
}

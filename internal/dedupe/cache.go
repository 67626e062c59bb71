// ABOUTME: Thread-safe TTL cache for deduplicating channel updates.
// ABOUTME: Used by channel adapters to avoid processing the same inbound update twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache tracks recently seen update IDs with a TTL and a size cap.
// Oldest entries evict first; a background goroutine drops expired
// ones.
type Cache struct {
	mu      sync.Mutex
	seen    map[int64]*entry
	order   *list.List // IDs in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[int64]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Seen atomically checks whether id was already processed and marks it
// if not. Returns true for duplicates.
func (c *Cache) Seen(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[id]; ok && time.Since(e.timestamp) < c.ttl {
		return true
	}
	c.mark(id)
	return false
}

// mark records id. Must be called with mu held.
func (c *Cache) mark(id int64) {
	now := time.Now()

	if e, exists := c.seen[id]; exists {
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		front := c.order.Front()
		if front != nil {
			old, _ := front.Value.(int64)
			c.order.Remove(front)
			delete(c.seen, old)
		}
	}

	elem := c.order.PushBack(id)
	c.seen[id] = &entry{timestamp: now, element: elem}
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, e := range c.seen {
		if now.Sub(e.timestamp) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, id)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

// ABOUTME: TTL and size bounded set of recently handled event IDs.
// ABOUTME: Lets the Matrix bridge drop events that sync delivers more than once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key    string
	marked time.Time
}

// Cache remembers keys for a fixed TTL, holding at most maxSize of them.
// Keys are kept in mark order, so expired keys are always at the front and
// are pruned lazily on every call.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *entry, oldest mark at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache. A maxSize below 1 is treated as 1.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(c.now())
	_, ok := c.index[key]
	return ok
}

// CheckAndMark marks key and reports whether it had already been marked
// within the TTL. A true result means the caller should drop the event.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	if _, ok := c.index[key]; ok {
		return true
	}

	if c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, marked: now})
	return false
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(c.now())
	return c.order.Len()
}

func (c *Cache) pruneLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e, _ := front.Value.(*entry)
		if now.Sub(e.marked) < c.ttl {
			return
		}
		c.removeLocked(front)
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	e, _ := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.index, e.key)
}

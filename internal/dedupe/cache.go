// ABOUTME: Thread-safe TTL cache for dropping retransmitted chat frames
// ABOUTME: Keys are (sender, client-generated id) pairs, bounded in size with oldest-first eviction

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Key identifies one client-originated frame.
type Key struct {
	UserID   int64
	ClientID string
}

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers recently seen keys for a fixed window. Insertion order is
// kept in a list so the oldest key is evicted in O(1) when the cache is full.
type Cache struct {
	mu      sync.Mutex
	seen    map[Key]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given window and capacity and starts a
// background sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.sweep(sweepInterval(ttl))
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[Key]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	iv := ttl / 2
	if iv < time.Second {
		iv = time.Second
	}
	if iv > time.Minute {
		iv = time.Minute
	}
	return iv
}

// Seen reports whether key was already recorded inside the window and
// records it if not. Check and record happen under one lock, so of two
// concurrent callers with the same key exactly one gets false.
func (c *Cache) Seen(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		c.order.Remove(e.element)
		delete(c.seen, key)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &cacheEntry{seenAt: now, element: c.order.PushBack(key)}
	return false
}

// Forget drops a key, e.g. when the frame it guarded failed to persist and
// a retry must go through.
func (c *Cache) Forget(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Len returns the number of keys currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(Key)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
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

// expire walks from the oldest entry and stops at the first live one;
// entries are in seenAt order because keys are never refreshed in place.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(Key)
		e := c.seen[key]
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

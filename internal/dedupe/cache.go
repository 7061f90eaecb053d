// ABOUTME: Size-bounded TTL cache of claimed keys used for nonce replay protection
// ABOUTME: Oldest entries are evicted first; expired entries are swept in the background

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultSweepInterval is how often expired keys are removed.
const DefaultSweepInterval = time.Minute

type entry struct {
	key     string
	claimed time.Time
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSweepInterval changes the background sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.sweepEvery = d
		}
	}
}

// Cache tracks claimed keys. The list keeps claim order, oldest at the front,
// so eviction at capacity is O(1).
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int

	now        func() time.Time
	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// New creates a cache holding at most maxSize keys for ttl each.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxSize:    maxSize,
		now:        time.Now,
		sweepEvery: DefaultSweepInterval,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether key was claimed within the ttl.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	return ok && c.live(el.Value.(*entry))
}

// Claim records key and reports true if it was not already live. Check and
// record happen under one lock so two concurrent claims cannot both win.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		if c.live(el.Value.(*entry)) {
			return false
		}
		c.order.Remove(el)
		delete(c.entries, key)
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, claimed: c.now()})
	return true
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes expired keys. It runs periodically in the background and
// can be called directly.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if c.live(e) {
			break
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.entries, e.key)
		removed++
		el = next
	}
	return removed
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache) live(e *entry) bool {
	return c.now().Sub(e.claimed) < c.ttl
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.entries, front.Value.(*entry).key)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// ABOUTME: TTL-bounded seen-key cache for suppressing duplicate work.
// ABOUTME: Backs client send-retry suppression and SSH auth nonce replay checks.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// defaultSweepInterval is how often expired entries are reaped in the
// background. Expiry is also enforced on read, so this only bounds memory.
const defaultSweepInterval = time.Minute

type entry struct {
	seenAt time.Time
	elem   *list.Element
}

// Cache tracks recently seen string keys with a TTL and a hard size cap.
// Insertion order is kept in a list so capacity eviction is O(1). All
// methods are safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	keys   map[string]*entry
	order  *list.List
	ttl    time.Duration
	cap    int
	done   chan struct{}
	closed bool
}

// New creates a cache with the given TTL and maximum entry count and starts
// a background sweeper.
func New(ttl time.Duration, maxEntries int) *Cache {
	c := &Cache{
		keys:  make(map[string]*entry),
		order: list.New(),
		ttl:   ttl,
		cap:   maxEntries,
		done:  make(chan struct{}),
	}
	go c.sweepLoop(defaultSweepInterval)
	return c
}

// Seen atomically checks whether key was marked within the TTL, marking it
// if not. Returns true for a duplicate. The check and mark share one lock
// acquisition so concurrent callers cannot both see "new".
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.keys[key]; ok && time.Since(e.seenAt) < c.ttl {
		return true
	}
	c.mark(key)
	return false
}

// Check reports whether key was marked within the TTL without marking it.
// Callers that only mark on success (send dedupe) pair this with Mark;
// atomic callers use Seen.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.keys[key]
	return ok && time.Since(e.seenAt) < c.ttl
}

// Mark records a key unconditionally, refreshing it if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mark(key)
}

// mark requires c.mu held.
func (c *Cache) mark(key string) {
	now := time.Now()

	if e, ok := c.keys[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.elem)
		return
	}

	if len(c.keys) >= c.cap {
		if oldest := c.order.Front(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.keys, oldest.Value.(string))
		}
	}

	c.keys[key] = &entry{seenAt: now, elem: c.order.PushBack(key)}
}

// Len returns the number of tracked keys, counting entries the sweeper has
// not reaped yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		key := e.Value.(string)
		if ent := c.keys[key]; ent != nil && now.Sub(ent.seenAt) > c.ttl {
			c.order.Remove(e)
			delete(c.keys, key)
		}
		e = next
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

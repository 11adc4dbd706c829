// ABOUTME: Thread-safe TTL cache that suppresses repeated operation acknowledgements
// ABOUTME: Keys are operation id + reporting agent + reported state; oldest entries are evicted first

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// AckKey builds the cache key for an acknowledgement of operationID by agentID reporting state.
// agentID may be empty when the ack does not name its sender.
func AckKey(operationID, agentID, state string) string {
	return operationID + "\x00" + agentID + "\x00" + state
}

type entry struct {
	key      string
	markedAt time.Time
}

// Cache remembers keys for a TTL, bounded to maxSize entries. Entries are kept in a
// list ordered by mark time so both expiry sweeps and capacity eviction start at the front.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a cache and starts a background sweep of expired keys.
// A non-positive maxSize means no capacity limit.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.sweepLoop(sweepInterval(ttl))
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl < time.Second {
		return time.Second
	}
	if ttl > time.Minute {
		return time.Minute
	}
	return ttl
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	return ok && c.live(el)
}

// CheckAndMark returns true if key was already marked within the TTL. Otherwise it marks
// key and returns false. The check and mark happen under one lock, so of several
// concurrent callers with the same key exactly one sees false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		if c.live(el) {
			return true
		}
		c.order.Remove(el)
		delete(c.index, key)
	}

	if c.maxSize > 0 && len(c.index) >= c.maxSize {
		c.evictFront()
	}
	c.index[key] = c.order.PushBack(&entry{key: key, markedAt: c.now()})
	return false
}

// Forget removes key so the next CheckAndMark treats it as new. Used when processing
// of a marked item failed and a retry must go through.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.order.Remove(el)
		delete(c.index, key)
	}
}

// Len returns the number of keys currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// live must be called with mu held.
func (c *Cache) live(el *list.Element) bool {
	return c.now().Sub(el.Value.(*entry).markedAt) < c.ttl
}

// evictFront must be called with mu held.
func (c *Cache) evictFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*entry).key)
}

// sweep drops expired keys from the front of the list.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil && !c.live(front); front = c.order.Front() {
		c.evictFront()
	}
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

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

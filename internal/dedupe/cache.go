// ABOUTME: Thread-safe TTL cache that remembers client activity ids already posted
// ABOUTME: Lets the transport answer a retried post with the originally assigned activity id

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// State is the result of reserving a key.
type State int

const (
	// Fresh means the caller owns the key and must Complete or Release it.
	Fresh State = iota
	// Pending means another request holds the key and has not finished.
	Pending
	// Done means the key was already completed; the stored activity id is returned.
	Done
)

// cacheEntry stores the timestamp, list element and outcome for a cached key.
type cacheEntry struct {
	timestamp  time.Time
	element    *list.Element
	activityID string // empty while pending
}

// Cache is a TTL-based, size-limited record of client activity ids. A
// doubly-linked list keeps insertion order for O(1) eviction of the oldest key.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Key builds the cache key for a client activity id within a conversation.
func Key(conversationID, clientActivityID string) string {
	return conversationID + ":" + clientActivityID
}

// Reserve atomically looks up key and claims it when unseen or expired.
// With Done it also returns the activity id recorded by Complete.
func (c *Cache) Reserve(key string) (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && c.live(entry) {
		if entry.activityID == "" {
			return Pending, ""
		}
		return Done, entry.activityID
	}

	c.storeLocked(key, "")
	return Fresh, ""
}

// Complete records the activity id assigned to a reserved key.
func (c *Cache) Complete(key, activityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, activityID)
}

// Release drops a reservation whose post failed so the client can retry.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok || entry.activityID != "" {
		return
	}
	c.order.Remove(entry.element)
	delete(c.seen, key)
}

// Len returns the number of keys currently held, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) live(entry *cacheEntry) bool {
	return c.now().Sub(entry.timestamp) < c.ttl
}

// storeLocked inserts or refreshes key. Must be called with mu held.
func (c *Cache) storeLocked(key, activityID string) {
	now := c.now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		entry.activityID = activityID
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		timestamp:  now,
		element:    elem,
		activityID: activityID,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.seen {
		if !c.live(entry) {
			c.order.Remove(entry.element)
			delete(c.seen, key)
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

// ABOUTME: Thread-safe TTL cache remembering which message a client-side id produced
// ABOUTME: Lets a retried send acknowledge the original message instead of saving again

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key       string
	messageID string
	storedAt  time.Time
}

// Cache maps a client message key to the id of the message it created.
// Entries expire after the TTL; once full, the oldest entry is evicted.
type Cache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Key scopes a client message id to the user who sent it.
func Key(userID, clientMessageID string) string {
	return userID + "\x00" + clientMessageID
}

// Lookup returns the message id stored for key if it has not expired.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return "", false
	}
	e := elem.Value.(*entry)
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.removeLocked(elem)
		return "", false
	}
	return e.messageID, true
}

// Store records messageID for key, refreshing an existing entry.
func (c *Cache) Store(key, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		e.messageID = messageID
		e.storedAt = c.now()
		c.order.MoveToBack(elem)
		return
	}

	if len(c.items) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front)
		}
	}
	c.items[key] = c.order.PushBack(&entry{key: key, messageID: messageID, storedAt: c.now()})
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// removeLocked must be called with mu held.
func (c *Cache) removeLocked(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.done:
			return
		}
	}
}

// purgeExpired drops expired entries. Insertion order is also expiry order,
// so it stops at the first live entry.
func (c *Cache) purgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*entry).storedAt) < c.ttl {
			return
		}
		c.removeLocked(front)
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

// ABOUTME: TTL and size bounded cache of SSH nonces already seen
// ABOUTME: Rejects a second use of the same signed nonce within the signature window

package auth

import (
	"container/list"
	"sync"
	"time"
)

type nonceEntry struct {
	seenAt  time.Time
	element *list.Element
}

// nonceCache tracks used nonces. Oldest entries are evicted first when the
// cache is full; expired ones are swept periodically.
type nonceCache struct {
	mu      sync.Mutex
	seen    map[string]*nonceEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func newNonceCache(ttl time.Duration, maxSize int) *nonceCache {
	c := &nonceCache{
		seen:    make(map[string]*nonceEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// checkAndMark returns true if key was already used and is still within the
// ttl. Otherwise it records key and returns false.
func (c *nonceCache) checkAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			old, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, old)
		}
	}

	c.seen[key] = &nonceEntry{seenAt: now, element: c.order.PushBack(key)}
	return false
}

func (c *nonceCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *nonceCache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
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

func (c *nonceCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		entry := c.seen[key]
		if now.Sub(entry.seenAt) < c.ttl {
			break
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.seen, key)
		e = next
	}
}

func (c *nonceCache) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

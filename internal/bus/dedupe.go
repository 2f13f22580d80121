package bus

import (
	"fmt"
	"sync"
	"time"
)

// DedupeCache drops redelivered inbound messages (webhook retries,
// reconnect replays) before they reach the queue. Entries expire after a
// TTL; the cache is hard-capped so a flood cannot grow it without bound.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time
	order   []string
}

// NewDedupeCache creates a cache keeping at most max keys for ttl.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 5000
	}
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]time.Time),
	}
}

// DedupeKey builds the inbound identity: channel, sender, chat and the
// platform message ID.
func DedupeKey(msg InboundMessage) string {
	return fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.SenderID, msg.ChatID, msg.MessageID)
}

// Seen reports whether key was recorded within the TTL, recording it as a
// side effect. Messages without a platform ID get an empty ID segment and
// are never suppressed here; content-level dedupe happens in the queue.
func (c *DedupeCache) Seen(key string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.entries[key]; ok && now.Sub(at) < c.ttl {
		return true
	}

	c.prune(now)
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = now
	return false
}

// prune drops expired entries and, past the cap, the oldest ones.
// Caller holds mu.
func (c *DedupeCache) prune(now time.Time) {
	kept := c.order[:0]
	for _, k := range c.order {
		if at, ok := c.entries[k]; ok && now.Sub(at) < c.ttl {
			kept = append(kept, k)
		} else {
			delete(c.entries, k)
		}
	}
	c.order = kept
	for len(c.order) >= c.max {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
}

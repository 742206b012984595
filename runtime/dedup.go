package runtime

import (
	"sync"
	"time"
)

// dedupCache remembers recently settled task ids so redelivered copies of an
// already finished delegation are acknowledged without re-execution. Ids are
// recorded only on terminal settlement; a task that was nacked for redelivery
// must stay eligible to run again. Entries expire after a TTL; the cache is a
// safety net behind transport-level redelivery, not an exactly-once guarantee.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	clock   func() time.Time
}

func newDedupCache(ttl time.Duration, clock func() time.Time) *dedupCache {
	return &dedupCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clock:   clock,
	}
}

// Contains reports whether the task id settled within the TTL. Lookups also
// prune expired entries, keeping the cache bounded by the settlement rate
// within one TTL.
func (c *dedupCache) Contains(taskID string) bool {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, at := range c.entries {
		if now.Sub(at) > c.ttl {
			delete(c.entries, id)
		}
	}
	at, ok := c.entries[taskID]
	return ok && now.Sub(at) <= c.ttl
}

// Mark records the task id as settled.
func (c *dedupCache) Mark(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[taskID] = c.clock()
}

// Len reports the current entry count.
func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

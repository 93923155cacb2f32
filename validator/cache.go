package validator

import (
	"sync"
	"time"
)

const cacheShards = 16

// DuplicateCache remembers identity-key fingerprints for the suppression
// window. It is sharded so concurrent cycles on different indices rarely
// contend on the same lock.
type DuplicateCache struct {
	window time.Duration
	shards [cacheShards]cacheShard
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[uint64]time.Time
}

func NewDuplicateCache(window time.Duration) *DuplicateCache {
	c := &DuplicateCache{window: window}
	for i := range c.shards {
		c.shards[i].entries = make(map[uint64]time.Time)
	}
	return c
}

func (c *DuplicateCache) shard(fp uint64) *cacheShard {
	return &c.shards[fp%cacheShards]
}

// SeenWithin reports whether fp was recorded within the suppression window.
// A fingerprint that was not is recorded at now; a suppressed duplicate does
// not refresh the original sighting.
func (c *DuplicateCache) SeenWithin(fp uint64, now time.Time) bool {
	s := c.shard(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.entries[fp]; ok {
		age := now.Sub(last)
		if age >= 0 && age <= c.window {
			return true
		}
	}
	s.entries[fp] = now
	return false
}

// Evict drops entries older than the suppression window and returns how
// many were removed. Keeps the cache bounded between sessions.
func (c *DuplicateCache) Evict(now time.Time) int {
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for fp, last := range s.entries {
			if now.Sub(last) > c.window {
				delete(s.entries, fp)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the live entry count across all shards.
func (c *DuplicateCache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

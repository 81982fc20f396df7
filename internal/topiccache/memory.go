package topiccache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	threadID string
	expires  time.Time
}

// MemoryCache is an in-process Cache with TTL expiry. A background goroutine
// sweeps expired entries until Close is called.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewMemoryCache creates a MemoryCache that sweeps every interval
// (one minute when interval <= 0).
func NewMemoryCache(interval time.Duration) *MemoryCache {
	if interval <= 0 {
		interval = time.Minute
	}
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(interval)
	return c
}

// Get returns the thread id for userID if present and not expired.
func (c *MemoryCache) Get(_ context.Context, userID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok || !c.now().Before(e.expires) {
		return "", false, nil
	}
	return e.threadID, true, nil
}

// Set stores the mapping.
func (c *MemoryCache) Set(_ context.Context, userID, threadID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = memoryEntry{threadID: threadID, expires: c.now().Add(ttlOrDefault(ttl))}
	return nil
}

// Delete removes the mapping.
func (c *MemoryCache) Delete(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) sweepLoop(interval time.Duration) {
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

func (c *MemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

// Close stops the sweep goroutine. It is safe to call multiple times.
func (c *MemoryCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

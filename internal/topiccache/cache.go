// Package topiccache maps external user ids to admin thread ids with a TTL.
// The cache is an optimization only: every caller must behave correctly on
// a miss, a stale hit, or a backend error.
package topiccache

import (
	"context"
	"time"
)

// DefaultTTL is how long a mapping lives when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Cache stores userID -> threadID mappings.
type Cache interface {
	// Get returns the cached thread id. ok is false on a miss.
	Get(ctx context.Context, userID string) (threadID string, ok bool, err error)
	// Set stores a mapping that expires after ttl (DefaultTTL when ttl <= 0).
	Set(ctx context.Context, userID, threadID string, ttl time.Duration) error
	// Delete removes a mapping. Deleting a missing key is not an error.
	Delete(ctx context.Context, userID string) error
}

// Nop is a Cache that never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) (string, bool, error)        { return "", false, nil }
func (Nop) Set(context.Context, string, string, time.Duration) error { return nil }
func (Nop) Delete(context.Context, string) error                     { return nil }

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// Package gate provides per-key mutual exclusion with bounded leases.
//
// A Gate serializes short critical sections (the validate-or-create step of
// the topic lifecycle) across concurrent handlers and, for the Redis and
// database backends, across processes. Leases expire on their own so a
// crashed holder cannot block a key forever.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Defaults applied when a caller passes a non-positive duration.
const (
	DefaultLease = 30 * time.Second
	DefaultWait  = 5 * time.Second
	DefaultSpin  = 50 * time.Millisecond
)

var (
	// ErrBusy is returned when the key stays held for the whole wait window.
	ErrBusy = errors.New("gate: busy")
	// ErrLeaseLost is returned by Release when the lease expired and the key
	// was taken by someone else.
	ErrLeaseLost = errors.New("gate: lease lost")
)

// Gate hands out exclusive leases on string keys.
type Gate interface {
	// Acquire blocks until the key is free, wait elapses (ErrBusy), or ctx
	// is done. The returned lease expires after lease even if never released.
	Acquire(ctx context.Context, key string, lease, wait time.Duration) (Lease, error)
}

// Lease is a held key.
type Lease interface {
	Release(ctx context.Context) error
}

// poll calls try every spin until it reports success, wait elapses, or ctx
// is done.
func poll(ctx context.Context, key string, wait, spin time.Duration, try func() (bool, error)) error {
	if wait <= 0 {
		wait = DefaultWait
	}
	if spin <= 0 {
		spin = DefaultSpin
	}
	deadline := time.Now().Add(wait)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("gate: acquire %s: %w", key, ErrBusy)
		}
		sleep := spin
		if remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("gate: acquire %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

func leaseOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultLease
	}
	return d
}

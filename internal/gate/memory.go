package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryHold struct {
	token   string
	expires time.Time
}

// MemoryGate implements Gate within a single process.
type MemoryGate struct {
	mu   sync.Mutex
	held map[string]memoryHold
	now  func() time.Time
	spin time.Duration
}

// NewMemoryGate creates an empty MemoryGate.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{
		held: make(map[string]memoryHold),
		now:  time.Now,
		spin: 5 * time.Millisecond,
	}
}

// Acquire implements Gate.
func (g *MemoryGate) Acquire(ctx context.Context, key string, lease, wait time.Duration) (Lease, error) {
	token := uuid.NewString()
	lease = leaseOrDefault(lease)

	err := poll(ctx, key, wait, g.spin, func() (bool, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		now := g.now()
		if h, ok := g.held[key]; ok && now.Before(h.expires) {
			return false, nil
		}
		g.held[key] = memoryHold{token: token, expires: now.Add(lease)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &memoryLease{gate: g, key: key, token: token}, nil
}

// Held reports whether key is currently leased.
func (g *MemoryGate) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.held[key]
	return ok && g.now().Before(h.expires)
}

type memoryLease struct {
	gate  *MemoryGate
	key   string
	token string
}

func (l *memoryLease) Release(context.Context) error {
	l.gate.mu.Lock()
	defer l.gate.mu.Unlock()
	h, ok := l.gate.held[l.key]
	if !ok || h.token != l.token {
		return fmt.Errorf("gate: release %s: %w", l.key, ErrLeaseLost)
	}
	delete(l.gate.held, l.key)
	return nil
}

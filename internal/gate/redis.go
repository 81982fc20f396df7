package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGate implements Gate with SET NX PX and a token-checked release.
type RedisGate struct {
	rdb    redis.UniversalClient
	prefix string
	spin   time.Duration
}

// NewRedisGate creates a RedisGate. Keys are stored as "<prefix>:lock:<key>".
func NewRedisGate(rdb redis.UniversalClient, prefix string) (*RedisGate, error) {
	if rdb == nil {
		return nil, fmt.Errorf("gate: redis client is required")
	}
	if prefix == "" {
		prefix = "lotdesk"
	}
	return &RedisGate{rdb: rdb, prefix: prefix, spin: DefaultSpin}, nil
}

// Acquire implements Gate.
func (g *RedisGate) Acquire(ctx context.Context, key string, lease, wait time.Duration) (Lease, error) {
	rkey := g.prefix + ":lock:" + key
	token := uuid.NewString()
	lease = leaseOrDefault(lease)

	err := poll(ctx, key, wait, g.spin, func() (bool, error) {
		ok, err := g.rdb.SetNX(ctx, rkey, token, lease).Result()
		if err != nil {
			return false, fmt.Errorf("gate: acquire %s: %w", key, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return &redisLease{rdb: g.rdb, key: rkey, token: token}, nil
}

type redisLease struct {
	rdb   redis.UniversalClient
	key   string
	token string
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("gate: release %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("gate: release %s: %w", l.key, ErrLeaseLost)
	}
	return nil
}

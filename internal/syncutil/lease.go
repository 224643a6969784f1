package syncutil

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease grants time-bounded exclusive ownership of a named job across
// processes. TryAcquire returns ok=false when another holder owns the lease.
type Lease interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalLease always succeeds. It is used when a single instance runs the
// background jobs (no Redis configured).
type LocalLease struct{}

func (LocalLease) TryAcquire(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

const leaseReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLease implements Lease with SET NX PX and a compare-and-delete release,
// so a holder whose lease already expired can't delete a successor's lease.
type RedisLease struct {
	client *redis.Client
	prefix string
	script *redis.Script
}

// NewRedisLease creates a lease backed by client. Keys are stored under prefix.
func NewRedisLease(client *redis.Client, prefix string) *RedisLease {
	return &RedisLease{
		client: client,
		prefix: prefix,
		script: redis.NewScript(leaseReleaseScript),
	}
}

func (l *RedisLease) TryAcquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("lease client not configured")
	}
	if name == "" {
		return nil, false, errors.New("lease name is empty")
	}
	if ttl <= 0 {
		return nil, false, errors.New("lease ttl must be positive")
	}

	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		// Release on a fresh context: the caller's may already be cancelled at shutdown.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.script.Run(rctx, l.client, []string{key}, token).Err()
	}, true, nil
}

var (
	_ Lease = LocalLease{}
	_ Lease = (*RedisLease)(nil)
)

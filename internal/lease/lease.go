// Package lease keeps two service instances from polling the same master
// account at once.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Lease grants exclusive ownership of a named resource for a bounded time.
type Lease interface {
	// TryAcquire takes or renews the lease. It returns false when another
	// owner holds it.
	TryAcquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
}

// Nop always grants the lease. It is used when no lease backend is configured.
type Nop struct{}

func (Nop) TryAcquire(context.Context, string) (bool, error) { return true, nil }
func (Nop) Release(context.Context, string) error            { return nil }

const keyPrefix = "delta-copy-trader:lease:"

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLease stores leases as Redis keys holding the owner id.
type RedisLease struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
}

func NewRedisLease(client *redis.Client, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, owner: uuid.NewString(), ttl: ttl}
}

func (l *RedisLease) Owner() string { return l.owner }

func (l *RedisLease) TryAcquire(ctx context.Context, name string) (bool, error) {
	key := keyPrefix + name
	ok, err := l.client.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	if ok {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, l.client, []string{key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis renew %s: %w", key, err)
	}
	return renewed == 1, nil
}

func (l *RedisLease) Release(ctx context.Context, name string) error {
	key := keyPrefix + name
	if err := releaseScript.Run(ctx, l.client, []string{key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}

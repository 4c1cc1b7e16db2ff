package lease

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNop(t *testing.T) {
	var l Lease = Nop{}

	ok, err := l.TryAcquire(context.Background(), "m1")

	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Release(context.Background(), "m1"))
}

func TestRedisLease_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewRedisLease(client, time.Second)

	ok, err := l.TryAcquire(context.Background(), "m1")

	assert.False(t, ok)
	assert.ErrorContains(t, err, "redis SETNX "+keyPrefix+"m1")
}

func TestRedisLease_DistinctOwners(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	a := NewRedisLease(client, time.Second)
	b := NewRedisLease(client, time.Second)

	assert.NotEqual(t, a.Owner(), b.Owner())
}

package locks

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisLocker(t *testing.T, cfg RedisConfig) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, cfg), mr
}

func TestRedisLockerAcquireRelease(t *testing.T) {
	locker, mr := newTestRedisLocker(t, RedisConfig{TTL: time.Second})
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "inventory:lock:1:2", "inventory:lock:1:1")
	require.NoError(t, err)
	require.True(t, mr.Exists("inventory:lock:1:1"))
	require.True(t, mr.Exists("inventory:lock:1:2"))

	unlock()
	require.False(t, mr.Exists("inventory:lock:1:1"))
	require.False(t, mr.Exists("inventory:lock:1:2"))
}

func TestRedisLockerTimesOutWhileHeld(t *testing.T) {
	locker, _ := newTestRedisLocker(t, RedisConfig{TTL: time.Minute, Retry: 5 * time.Millisecond, Wait: 30 * time.Millisecond})
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "k")
	require.NoError(t, err)
	defer unlock()

	_, err = locker.Lock(ctx, "k")
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestRedisLockerDoesNotReleaseForeignToken(t *testing.T) {
	locker, mr := newTestRedisLocker(t, RedisConfig{TTL: time.Minute})
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "k")
	require.NoError(t, err)

	// Simulate expiry and takeover by another holder.
	require.NoError(t, mr.Set("k", "someone-else"))
	unlock()

	got, err := mr.Get("k")
	require.NoError(t, err)
	require.Equal(t, "someone-else", got)
}

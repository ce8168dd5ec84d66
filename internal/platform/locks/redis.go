package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// ErrLockTimeout is returned when a key stays held past the wait budget.
var ErrLockTimeout = errors.New("locks: timed out waiting for lock")

// RedisConfig tunes RedisLocker.
type RedisConfig struct {
	// TTL bounds how long a crashed holder can keep a key.
	TTL time.Duration
	// Retry is the polling interval while a key is held elsewhere.
	Retry time.Duration
	// Wait caps the total time spent acquiring; zero relies on ctx alone.
	Wait time.Duration
}

// RedisLocker serialises callers per key across processes using
// SET NX PX with a random token per acquisition.
type RedisLocker struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisLocker constructs a RedisLocker.
func NewRedisLocker(client *redis.Client, cfg RedisConfig) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 20 * time.Millisecond
	}
	return &RedisLocker{client: client, cfg: cfg}
}

// Lock acquires all keys in sorted order.
func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (Unlock, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("locks: redis locker not initialised")
	}
	if l.cfg.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Wait)
		defer cancel()
	}
	token := uuid.NewString()
	ordered := normalize(keys)
	held := make([]string, 0, len(ordered))
	release := func() {
		// Release must survive a cancelled caller context.
		bg, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			_ = releaseScript.Run(bg, l.client, []string{held[i]}, token).Err()
		}
	}
	for _, key := range ordered {
		if err := l.acquire(ctx, key, token); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}
	return release, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(l.cfg.Retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.cfg.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return lockWaitError(ctx, key)
			}
			return fmt.Errorf("locks: acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return lockWaitError(ctx, key)
		case <-ticker.C:
		}
	}
}

func lockWaitError(ctx context.Context, key string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	return ctx.Err()
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"rentalhub-sale-api/pkg/uid"
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// RedisLocker is a single-node Redis lock (SET NX PX + token release).
type RedisLocker struct {
	client     *redis.Client
	keyPrefix  string
	ttl        time.Duration
	retryDelay time.Duration
}

// NewRedisLocker creates a locker whose leases expire after ttl.
func NewRedisLocker(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "rentalhub:sale"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, keyPrefix: keyPrefix, ttl: ttl, retryDelay: 25 * time.Millisecond}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockKey := l.keyPrefix + ":lock:" + key
	token := uid.New()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Join(ErrNotAcquired, ctx.Err())
			}
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(l.retryDelay):
		case <-ctx.Done():
			return errors.Join(ErrNotAcquired, ctx.Err())
		}
	}

	defer func() {
		// release even if ctx was cancelled inside fn
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err()
	}()
	return fn(ctx)
}

var _ Locker = (*RedisLocker)(nil)

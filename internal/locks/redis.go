package locks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/bizportal/flowd/pkg/schema"
)

const (
	defaultLockTTL   = 30 * time.Second
	defaultLockRetry = 25 * time.Millisecond
	lockPrefix       = "flowd:lock:instance:"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// refreshScript extends the TTL only if the key still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// RedisOptions configures a RedisLocker.
type RedisOptions struct {
	// TTL bounds how long a crashed holder blocks others. The lock is
	// refreshed at TTL/3 while held.
	TTL   time.Duration
	Retry time.Duration
}

// RedisLocker is a Locker shared by several engine processes. It uses
// SET NX PX with a random token and a compare-and-delete release.
type RedisLocker struct {
	client redis.Cmdable
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a distributed locker on client.
func NewRedisLocker(client redis.Cmdable, opts RedisOptions, logger *slog.Logger) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = defaultLockTTL
	}
	if opts.Retry <= 0 {
		opts.Retry = defaultLockRetry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, ttl: opts.TTL, retry: opts.Retry, logger: logger}
}

func (r *RedisLocker) Lock(ctx context.Context, instanceID string) (context.Context, Unlock, error) {
	if err := checkNotHeld(ctx, instanceID); err != nil {
		return nil, nil, err
	}
	key := lockPrefix + instanceID
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, nil, schema.NewErrorf(schema.ErrCodeLock, "lock %s: %v", instanceID, err).WithCause(err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, nil, schema.NewErrorf(schema.ErrCodeLock, "lock %s: %v", instanceID, ctx.Err()).WithCause(ctx.Err())
		case <-time.After(r.retry):
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(key, token, stop)
	}()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.client, []string{key}, token).Err(); err != nil {
				r.logger.Warn("lock release failed", slog.String("instance_id", instanceID), slog.String("error", err.Error()))
			}
		})
	}
	return mark(ctx, instanceID), unlock, nil
}

func (r *RedisLocker) keepAlive(key, token string, stop <-chan struct{}) {
	t := time.NewTicker(r.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := refreshScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || n == 0 {
				r.logger.Warn("lock refresh failed", slog.String("key", key))
				return
			}
		}
	}
}

var _ Locker = (*RedisLocker)(nil)

package locks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizportal/flowd/pkg/schema"
)

func exercise(t *testing.T, l Locker) {
	t.Helper()
	var inside, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, unlock, err := l.Lock(context.Background(), "inst-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt64(&inside, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), peak)
}

func TestLocal_MutualExclusion(t *testing.T) {
	l := NewLocal()
	exercise(t, l)
	assert.Empty(t, l.slots)
}

func TestLocal_IndependentInstances(t *testing.T) {
	l := NewLocal()
	_, u1, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer u1()
	_, u2, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)
	u2()
}

func TestLocal_NestedLockRejected(t *testing.T) {
	l := NewLocal()
	ctx, unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	id, ok := Held(ctx)
	assert.True(t, ok)
	assert.Equal(t, "a", id)

	_, _, err = l.Lock(ctx, "b")
	assert.True(t, schema.IsCode(err, schema.ErrCodeLock))
}

func TestLocal_ContextCancelWhileWaiting(t *testing.T) {
	l := NewLocal()
	_, unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = l.Lock(ctx, "a")
	assert.True(t, schema.IsCode(err, schema.ErrCodeLock))

	unlock()
	unlock()
	assert.Empty(t, l.slots)
}

func TestRedisLocker(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer client.Close()

	l := NewRedisLocker(client, RedisOptions{TTL: time.Second, Retry: time.Millisecond}, nil)
	exercise(t, l)

	_, unlock, err := l.Lock(context.Background(), "inst-2")
	require.NoError(t, err)
	ttl := client.PTTL(context.Background(), lockPrefix+"inst-2").Val()
	assert.Greater(t, ttl, time.Duration(0))
	unlock()
	assert.Equal(t, int64(0), client.Exists(context.Background(), lockPrefix+"inst-2").Val())
}

package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/retention/internal/platform/lock"
)

func newRedisLocker(t *testing.T) (*lock.RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.NewRedisLocker(client), mr
}

func TestJobKey(t *testing.T) {
	assert.Equal(t, "jobs:users:deactivate-inactive:lock", lock.JobKey("users:deactivate-inactive"))
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	locker, mr := newRedisLocker(t)
	ctx := context.Background()

	lease, err := locker.TryAcquire(ctx, "jobs:a:lock", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "jobs:a:lock", lease.Key())
	assert.True(t, mr.Exists("jobs:a:lock"))

	_, err = locker.TryAcquire(ctx, "jobs:a:lock", time.Minute)
	require.ErrorIs(t, err, lock.ErrNotAcquired)

	other, err := locker.TryAcquire(ctx, "jobs:b:lock", time.Minute)
	require.NoError(t, err, "unrelated keys must not block each other")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("jobs:a:lock"))

	again, err := locker.TryAcquire(ctx, "jobs:a:lock", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisLeaseExpiresAndDoesNotDeleteNewHolder(t *testing.T) {
	locker, mr := newRedisLocker(t)
	ctx := context.Background()

	stale, err := locker.TryAcquire(ctx, "jobs:a:lock", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, mr.TTL("jobs:a:lock"))

	mr.FastForward(2 * time.Second)
	fresh, err := locker.TryAcquire(ctx, "jobs:a:lock", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("jobs:a:lock"), "stale lease removed the new holder's lock")

	require.NoError(t, fresh.Release(ctx))
	assert.False(t, mr.Exists("jobs:a:lock"))
}

func TestRedisLockerDefaultTTL(t *testing.T) {
	locker, mr := newRedisLocker(t)
	lease, err := locker.TryAcquire(context.Background(), "k", 0)
	require.NoError(t, err)
	assert.Equal(t, lock.DefaultTTL, mr.TTL("k"))
	require.NoError(t, lease.Release(context.Background()))
}

func TestRedisLockerBackendFailure(t *testing.T) {
	locker, mr := newRedisLocker(t)
	mr.Close()

	_, err := locker.TryAcquire(context.Background(), "k", time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, lock.ErrNotAcquired)
}

func TestLocalLockerConcurrentAcquire(t *testing.T) {
	locker := lock.NewLocalLocker()
	ctx := context.Background()

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []lock.Lease
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lease, err := locker.TryAcquire(ctx, "k", 0)
			if err != nil {
				return
			}
			mu.Lock()
			winners = append(winners, lease)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.True(t, locker.Held("k"))
	require.NoError(t, winners[0].Release(ctx))
	require.NoError(t, winners[0].Release(ctx))
	assert.False(t, locker.Held("k"))
}

func TestLocalLockerHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := lock.NewLocalLocker().TryAcquire(ctx, "k", 0)
	require.ErrorIs(t, err, context.Canceled)
}

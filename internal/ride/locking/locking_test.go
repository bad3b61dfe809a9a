package locking_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/ridebid/internal/ride/locking"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func TestKeyedMutexSerialisesSameRide(t *testing.T) {
	locker := locking.NewKeyedMutex()
	rideID := uuid.New()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), rideID)
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside)
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	locker := locking.NewKeyedMutex()
	rideID := uuid.New()
	unlock, err := locker.Lock(context.Background(), rideID)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, rideID)
	require.ErrorIs(t, err, locking.ErrLockTimeout)

	other, err := locker.Lock(context.Background(), uuid.New())
	require.NoError(t, err)
	other()
}

func TestRedisLockerExclusiveAndReleases(t *testing.T) {
	client, _ := newRedisClient(t)
	locker := locking.NewRedisLocker(client, locking.RedisLockerConfig{TTL: time.Second, Wait: 50 * time.Millisecond, Backoff: 5 * time.Millisecond})
	rideID := uuid.New()

	unlock, err := locker.Lock(context.Background(), rideID)
	require.NoError(t, err)

	_, err = locker.Lock(context.Background(), rideID)
	require.ErrorIs(t, err, locking.ErrLockTimeout)

	unlock()
	again, err := locker.Lock(context.Background(), rideID)
	require.NoError(t, err)
	again()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	client, mr := newRedisClient(t)
	locker := locking.NewRedisLocker(client, locking.RedisLockerConfig{TTL: time.Second, Wait: 20 * time.Millisecond, Backoff: 5 * time.Millisecond})
	rideID := uuid.New()

	unlock, err := locker.Lock(context.Background(), rideID)
	require.NoError(t, err)

	// Simulate expiry followed by another holder taking the lock.
	require.NoError(t, mr.Set("lock:ride:"+rideID.String(), "someone-else"))
	unlock()

	value, err := mr.Get("lock:ride:" + rideID.String())
	require.NoError(t, err)
	require.Equal(t, "someone-else", value)
}

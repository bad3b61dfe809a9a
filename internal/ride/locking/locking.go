package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when the ride lock could not be acquired in time.
var ErrLockTimeout = errors.New("ride lock not acquired")

// KeyedMutex serialises work per ride inside one process.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex constructs an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[uuid.UUID]*entry)}
}

// Lock blocks until the ride's slot is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, rideID uuid.UUID) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[rideID]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[rideID] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(rideID, e)
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(rideID, e)
		})
	}, nil
}

func (k *KeyedMutex) release(rideID uuid.UUID, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, rideID)
	}
}

const defaultLockPrefix = "lock:ride:"

const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLockerConfig tunes the distributed lock.
type RedisLockerConfig struct {
	TTL     time.Duration
	Wait    time.Duration
	Backoff time.Duration
}

// RedisLocker coordinates the per-ride critical section across instances
// using SET NX PX with a random token; release only deletes its own token.
type RedisLocker struct {
	client  redis.Cmdable
	prefix  string
	cfg     RedisLockerConfig
	release *redis.Script
}

// NewRedisLocker constructs the distributed locker.
func NewRedisLocker(client redis.Cmdable, cfg RedisLockerConfig) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 3 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 20 * time.Millisecond
	}
	return &RedisLocker{client: client, prefix: defaultLockPrefix, cfg: cfg, release: redis.NewScript(releaseLua)}
}

// Lock retries SET NX until it wins, the wait budget runs out or ctx is done.
func (r *RedisLocker) Lock(ctx context.Context, rideID uuid.UUID) (func(), error) {
	key := r.prefix + rideID.String()
	token := uuid.NewString()
	deadline := time.Now().Add(r.cfg.Wait)
	backoff := r.cfg.Backoff
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			_ = r.release.Run(releaseCtx, r.client, []string{key}, token).Err()
		})
	}, nil
}

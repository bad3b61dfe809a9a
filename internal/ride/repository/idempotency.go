package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryIdempotencyRepo stores responses keyed by idempotency key.
type MemoryIdempotencyRepo struct {
	mu        sync.RWMutex
	responses map[string][]byte
}

// NewMemoryIdempotencyRepo constructs repository.
func NewMemoryIdempotencyRepo() *MemoryIdempotencyRepo {
	return &MemoryIdempotencyRepo{responses: make(map[string][]byte)}
}

// GetResponse retrieves cached response.
func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.responses[key]
	return append([]byte(nil), value...), ok, nil
}

// PutResponse stores response payload.
func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = append([]byte(nil), payload...)
	return nil
}

const defaultIdempotencyPrefix = "idem:ride:"

// RedisIdempotencyRepo keeps cached responses in Redis with a TTL so every
// ride service instance sees the same keys.
type RedisIdempotencyRepo struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyRepo constructs the Redis-backed repository.
func NewRedisIdempotencyRepo(client redis.Cmdable, ttl time.Duration) *RedisIdempotencyRepo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyRepo{client: client, prefix: defaultIdempotencyPrefix, ttl: ttl}
}

// GetResponse retrieves cached response.
func (r *RedisIdempotencyRepo) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return payload, true, nil
}

// PutResponse stores the first response for key; later writes are ignored.
func (r *RedisIdempotencyRepo) PutResponse(ctx context.Context, key string, payload []byte) error {
	if err := r.client.SetNX(ctx, r.prefix+key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

package budget

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const counterKeyPrefix = "budget:spent:"

// RedisCounter is the durable Counter backed by redis INCRBY.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter wraps an existing client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) IncrBy(ctx context.Context, scope string, delta int64) (int64, error) {
	return c.client.IncrBy(ctx, counterKeyPrefix+scope, delta).Result()
}

func (c *RedisCounter) Get(ctx context.Context, scope string) (int64, error) {
	v, err := c.client.Get(ctx, counterKeyPrefix+scope).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// MemoryCounter is the Counter used by tests and redis-less dev runs.
type MemoryCounter struct {
	mu     sync.Mutex
	totals map[string]int64

	// FailNext makes the next call return FailErr, simulating an outage.
	FailNext bool
	FailErr  error
}

// NewMemoryCounter returns an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{totals: make(map[string]int64)}
}

func (c *MemoryCounter) IncrBy(ctx context.Context, scope string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailNext {
		c.FailNext = false
		return 0, c.FailErr
	}
	c.totals[scope] += delta
	return c.totals[scope], nil
}

func (c *MemoryCounter) Get(ctx context.Context, scope string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailNext {
		c.FailNext = false
		return 0, c.FailErr
	}
	return c.totals[scope], nil
}

// Set overwrites a scope's total, for drift tests.
func (c *MemoryCounter) Set(scope string, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals[scope] = total
}

// Package infra provides the concrete Redis adapter shared by the durable
// stores (DLQ, budget counters, auth keys and nonces, rate-limit state).
// If Redis is unreachable at boot the caller decides whether to fall back
// to the in-memory implementations.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter wraps go-redis v9 behind the minimal surface the stores
// consume, and hands the raw client to packages that need pipelines.
type RedisAdapter struct {
	rdb *redis.Client
}

// NewRedisAdapter connects and pings. Returns the adapter and any
// connection error; the caller decides whether to fall back to in-memory.
func NewRedisAdapter(addr, password string, db int) (*RedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &RedisAdapter{rdb: rdb}, nil
}

// Client exposes the underlying go-redis client for stores that run
// pipelines or transactions (DLQ, budget counter).
func (a *RedisAdapter) Client() *redis.Client { return a.rdb }

// Close shuts down the underlying redis client.
func (a *RedisAdapter) Close() error {
	return a.rdb.Close()
}

// ===== Key-value surface =====

func (a *RedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

// SetNX sets key only if absent, returning whether it was set. Claim
// locks build on this.
func (a *RedisAdapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return a.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (a *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return val, err
}

func (a *RedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *RedisAdapter) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return a.rdb.IncrBy(ctx, key, delta).Result()
}

// ===== Persistence self-check =====

// AppendOnlyEnabled inspects the server's AOF setting. Some managed
// providers restrict CONFIG; that reads as "check-restricted", not an
// error.
func (a *RedisAdapter) AppendOnlyEnabled(ctx context.Context) (enabled bool, restricted bool) {
	res, err := a.rdb.ConfigGet(ctx, "appendonly").Result()
	if err != nil {
		return false, true
	}
	return res["appendonly"] == "yes", false
}

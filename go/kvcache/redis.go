package kvcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig locates a self-hosted Redis used instead of, or as backup
// for, the REST providers.
type RedisConfig struct {
	Addr     string `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address (host:port)"`
	Password string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
	DB       int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`
}

// Configured reports whether an address is present.
func (c RedisConfig) Configured() bool { return c.Addr != "" }

// Redis is a Provider over a native Redis connection.
type Redis struct {
	client *redis.Client
}

var _ Provider = (*Redis)(nil)

// NewRedis builds a native Redis provider from |cfg|.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("redis requires an address")
	}
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  requestTimeout,
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
	})}, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("redis GET: %w", err)
	}
	return value, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis DEL: %w", err)
	}
	return nil
}

func (r *Redis) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var iter = r.client.Scan(ctx, 0, prefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN: %w", err)
	}
	return keys, nil
}

func (r *Redis) BulkSet(ctx context.Context, entries []Entry) error {
	var pipe = r.client.Pipeline()
	for _, e := range entries {
		pipe.Set(ctx, e.Key, e.Value, e.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis PING: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error { return r.client.Close() }

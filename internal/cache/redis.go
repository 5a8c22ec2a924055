package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces receipt-check keys in a shared Redis.
const keyPrefix = "receiptcheck:"

// RedisCache implements domain.Cache using Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get returns nil, nil when the key does not exist.
func (c *RedisCache) Get(ctx context.Context, clinicID string, key string) ([]byte, error) {
	if clinicID == "" {
		return nil, ErrClinicRequired
	}

	val, err := c.client.Get(ctx, keyPrefix+makeKey(clinicID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value with TTL. A zero ttl keeps the key until deleted.
func (c *RedisCache) Set(ctx context.Context, clinicID string, key string, value []byte, ttl time.Duration) error {
	if clinicID == "" {
		return ErrClinicRequired
	}
	return c.client.Set(ctx, keyPrefix+makeKey(clinicID, key), value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, clinicID string, key string) error {
	if clinicID == "" {
		return ErrClinicRequired
	}
	return c.client.Del(ctx, keyPrefix+makeKey(clinicID, key)).Err()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Package redis wraps go-redis with an atomic per-field hash increment,
// a hash-field delete and a connectivity Ping. cmd/coordinatord uses it
// for its Redis health check; the token counter (token.RedisCounter)
// calls go-redis directly.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Logger is the narrow logging surface this package needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with common operations and instrumentation.
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper.
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{redis: redisClient, logger: logger}
}

// GetUnderlying returns the underlying redis.Client for advanced operations.
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// IncrementHashBy atomically adds delta to a hash field and returns the
// field's new value.
func (c *Client) IncrementHashBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	val, err := c.redis.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		c.logger.Error("redis HINCRBY failed", "key", key, "field", field, "error", err)
		return 0, fmt.Errorf("increment hash %s field %s: %w", key, field, err)
	}
	c.logger.Debug("redis HINCRBY", "key", key, "field", field, "value", val)
	return val, nil
}

// DeleteHashField removes a single field from a hash.
func (c *Client) DeleteHashField(ctx context.Context, key, field string) error {
	if err := c.redis.HDel(ctx, key, field).Err(); err != nil {
		c.logger.Error("redis HDEL failed", "key", key, "field", field, "error", err)
		return fmt.Errorf("delete hash %s field %s: %w", key, field, err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

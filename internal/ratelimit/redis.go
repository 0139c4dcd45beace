package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter implements Counter on a shared Redis instance, the same one
// that backs the task queue.
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter wraps a Redis client.
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// Add increments the window counter and refreshes its expiry in one
// pipelined round trip.
func (c *RedisCounter) Add(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incr := pipe.IncrBy(ctx, key, n)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

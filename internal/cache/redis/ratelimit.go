package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratforge/stratd/internal/domain"
)

// RateLimiter implements domain.RateLimiter with a fixed window: INCR the
// key, set the expiry on first hit, allow while the count is within the
// limit.
type RateLimiter struct {
	rdb *redis.Client
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{rdb: c.Underlying()}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// Allow reports whether the key may make another request this window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	n, err := rl.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis: ratelimit incr %s: %w", key, err)
	}
	if n == 1 {
		if err := rl.rdb.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("redis: ratelimit expire %s: %w", key, err)
		}
	}
	return n <= int64(limit), nil
}

package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter counts requests per client in fixed Redis windows.
type RateLimiter struct {
	Redis  *redis.Client
	Limit  int64
	Window time.Duration
}

func (r *RateLimiter) key(scope, client string) string {
	return "ratelimit:" + scope + ":" + client
}

// Allow registers one request and reports whether it is within the limit,
// plus the time until the window resets.
func (r *RateLimiter) Allow(ctx context.Context, scope, client string) (bool, time.Duration, error) {
	if r == nil || r.Redis == nil || r.Limit <= 0 {
		return true, 0, nil
	}
	key := r.key(scope, client)

	attempts, err := r.Redis.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if attempts == 1 {
		window := r.Window
		if window <= 0 {
			window = time.Minute
		}
		r.Redis.Expire(ctx, key, window)
	}
	ttl, _ := r.Redis.TTL(ctx, key).Result()
	return attempts <= r.Limit, ttl, nil
}

// Package ratelimit throttles subscribe attempts per client IP with a
// fixed window counter in Redis, so one server restart or many replicas
// share the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumenfolio/newsletter-engine/internal/pkg/logger"
)

// Limiter bounds how many times a key may act per window.
type Limiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// New creates a limiter allowing limit calls per window per key.
func New(client *redis.Client, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{client: client, limit: limit, window: window}
}

// Allow reports whether key may proceed. Redis being unreachable fails
// open: a throttle outage must not take subscriptions down with it.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l.client == nil {
		return true
	}

	redisKey := fmt.Sprintf("ratelimit:subscribe:%s", key)
	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		logger.Warn("rate limiter unavailable, failing open", "error", err.Error())
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			logger.Warn("rate limiter expire failed", "error", err.Error())
		}
	}
	return count <= int64(l.limit)
}

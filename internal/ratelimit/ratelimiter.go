// Package ratelimit bounds how often an agent can open new budget leases.
// A handshake is an allocation of real money, so a misbehaving agent loop
// must not be able to spray thousands of them per second.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"budget_gateway/internal/utils"

	"github.com/redis/go-redis/v9"
)

const window = time.Minute

// Limiter decides whether a keyed caller may proceed. limit <= 0 means
// unlimited.
type Limiter interface {
	AllowWithDetails(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// RateLimiter is a Redis-backed fixed-window limiter. Counters live in
// Redis so all gateway instances share one view of an agent's rate.
type RateLimiter struct {
	client *redis.Client
	logger *utils.Logger
}

// NewRateLimiter creates a Redis-backed rate limiter
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: utils.NewLogger("ratelimit"),
	}
}

// AllowWithDetails checks and counts one request for key. It returns
// whether the request is allowed, how many requests remain in the current
// window, and when the window resets.
func (r *RateLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	if limit <= 0 {
		return true, -1, time.Time{}, nil
	}

	windowStart := time.Now().Truncate(window)
	resetAt := windowStart.Add(window)
	redisKey := r.windowKey(key, windowStart)

	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, 0, resetAt, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	if count == 1 {
		// first hit in this window owns the expiry
		if err := r.client.Expire(ctx, redisKey, window).Err(); err != nil {
			r.logger.Warn("Failed to set rate counter expiry", "key", key, "error", err)
		}
	}

	if count > int64(limit) {
		return false, 0, resetAt, nil
	}
	return true, limit - int(count), resetAt, nil
}

// GetCurrentUsage returns the request count in the current window
func (r *RateLimiter) GetCurrentUsage(ctx context.Context, key string) (int64, error) {
	windowStart := time.Now().Truncate(window)
	count, err := r.client.Get(ctx, r.windowKey(key, windowStart)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate counter: %w", err)
	}
	return count, nil
}

// Reset clears the current window for key
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	windowStart := time.Now().Truncate(window)
	if err := r.client.Del(ctx, r.windowKey(key, windowStart)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate counter: %w", err)
	}
	return nil
}

func (r *RateLimiter) windowKey(key string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, windowStart.Unix())
}

// NoopLimiter allows everything. Used when rate limiting is disabled or
// Redis is not configured.
type NoopLimiter struct{}

// NewNoopLimiter creates a limiter that never blocks
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Allow always permits the request
func (n *NoopLimiter) Allow(ctx context.Context, key string) bool {
	return true
}

// AllowWithDetails always permits the request
func (n *NoopLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	return true, -1, time.Time{}, nil
}

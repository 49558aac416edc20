package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter implements sliding-window rate limiting using Redis.
// When Redis is disabled it falls back to an in-process token bucket so
// collectors behave the same offline.
type RateLimiter struct {
	client *Client
	prefix string

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// RateLimitConfig defines rate limit parameters.
type RateLimitConfig struct {
	Key    string        // unique identifier (e.g. "eastmoney")
	Limit  int           // maximum requests allowed
	Window time.Duration // time window
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(client *Client, prefix string) *RateLimiter {
	return &RateLimiter{
		client: client,
		prefix: prefix,
		local:  make(map[string]*rate.Limiter),
	}
}

// Allow checks if a request is allowed under the rate limit.
// Returns (allowed, remaining, error).
func (r *RateLimiter) Allow(ctx context.Context, cfg RateLimitConfig) (bool, int, error) {
	if !r.client.Enabled() {
		if r.localLimiter(cfg).Allow() {
			return true, cfg.Limit, nil
		}
		return false, 0, nil
	}

	key := fmt.Sprintf("%s:ratelimit:%s", r.prefix, cfg.Key)
	now := time.Now().UnixMilli()
	windowStart := now - cfg.Window.Milliseconds()

	rdb := r.client.Redis()

	// Lua script keeps remove-count-add atomic.
	script := redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])
		local window_ms = tonumber(ARGV[4])

		redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

		local count = redis.call('ZCARD', key)

		if count < limit then
			redis.call('ZADD', key, now, now)
			redis.call('PEXPIRE', key, window_ms)
			return {1, limit - count - 1}
		else
			return {0, 0}
		end
	`)

	result, err := script.Run(ctx, rdb, []string{key},
		now,
		windowStart,
		cfg.Limit,
		cfg.Window.Milliseconds(),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script failed: %w", err)
	}

	allowed := result[0].(int64) == 1
	remaining := int(result[1].(int64))

	return allowed, remaining, nil
}

// Wait blocks until a request is allowed or context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context, cfg RateLimitConfig) error {
	if !r.client.Enabled() {
		return r.localLimiter(cfg).Wait(ctx)
	}

	for {
		allowed, _, err := r.Allow(ctx, cfg)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			// Retry.
		}
	}
}

// localLimiter returns the in-process fallback limiter for a key.
func (r *RateLimiter) localLimiter(cfg RateLimitConfig) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	lim, ok := r.local[cfg.Key]
	if !ok {
		per := rate.Every(cfg.Window / time.Duration(cfg.Limit))
		lim = rate.NewLimiter(per, cfg.Limit)
		r.local[cfg.Key] = lim
	}
	return lim
}

// EastMoneyRateLimit is the default limit for the EastMoney endpoints.
var EastMoneyRateLimit = RateLimitConfig{
	Key:    "eastmoney",
	Limit:  10,
	Window: time.Second,
}

// Package ratelimit throttles the external submission surface. The Redis
// limiter shares a sliding window across ingest instances; the local limiter
// is a per-key token bucket for single-instance deployments.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/issdata/telemetry-stack/ingest/internal/metrics"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// slidingWindow removes expired entries, then admits the request if the
// window still has room.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

	local current = redis.call('ZCARD', key)

	if current < limit then
		redis.call('ZADD', key, now, now)
		redis.call('EXPIRE', key, ttl)
		return 1
	else
		return 0
	end
`)

// RedisRateLimiter is a sliding-window limiter shared through Redis.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	owned  bool
}

// NewRedisRateLimiter connects to Redis and returns a sliding-window limiter
// admitting limit requests per window per key.
func NewRedisRateLimiter(redisURL, prefix string, limit int, window time.Duration) (RateLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	rl := NewRedisRateLimiterFromClient(client, prefix, limit, window)
	rl.owned = true
	return rl, nil
}

// NewRedisRateLimiterFromClient shares an existing connection. Close leaves
// the connection open.
func NewRedisRateLimiterFromClient(client *redis.Client, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	if prefix == "" {
		prefix = "telemetry"
	}
	return &RedisRateLimiter{
		client: client,
		prefix: prefix + ":ratelimit:",
		limit:  int64(limit),
		window: window,
	}
}

// Allow implements sliding window rate limiting using Redis
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	ttl := int64(r.window/time.Second) + 1

	result, err := slidingWindow.Run(ctx, r.client, []string{r.prefix + key}, now, windowStart, r.limit, ttl).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed := result == 1
	if !allowed {
		metrics.RateLimitHits.WithLabelValues(key).Inc()
	}

	return allowed, nil
}

func (r *RedisRateLimiter) Close() error {
	if r.owned && r.client != nil {
		return r.client.Close()
	}
	return nil
}

// LocalRateLimiter keeps one token bucket per key in process memory.
type LocalRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewLocalRateLimiter admits on average limit requests per window per key,
// with bursts up to limit.
func NewLocalRateLimiter(limit int, window time.Duration) *LocalRateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &LocalRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(limit) / window.Seconds()),
		burst:    limit,
	}
}

func (l *LocalRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	if !lim.Allow() {
		metrics.RateLimitHits.WithLabelValues(key).Inc()
		return false, nil
	}
	return true, nil
}

func (l *LocalRateLimiter) Close() error {
	return nil
}

// NoOpRateLimiter always allows requests (for testing or disabled rate limiting)
type NoOpRateLimiter struct{}

func (n *NoOpRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return true, nil
}

func (n *NoOpRateLimiter) Close() error {
	return nil
}

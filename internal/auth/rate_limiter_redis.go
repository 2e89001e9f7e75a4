package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tickwell/tickwell/pkg/metrics"
)

const (
	rateLimitFailKeyPrefix = "auth:ratelimit:fail:"
	rateLimitLockKeyPrefix = "auth:ratelimit:lock:"

	// Failure counters expire on their own so sources that never reach the
	// ceiling do not accumulate in the store.
	rateLimitFailureTTL = time.Hour
)

// RedisRateLimiter shares lockout state across instances through Redis so a
// locked source cannot bypass the limit by hitting a different replica.
type RedisRateLimiter struct {
	client       *redis.Client
	maxAttempts  int
	lockDuration time.Duration
}

// NewRedisRateLimiter builds a limiter backed by the supplied Redis client.
func NewRedisRateLimiter(client *redis.Client, cfg RateLimiterConfig) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis rate limiter: client is required")
	}

	cfg = cfg.withDefaults()
	return &RedisRateLimiter{
		client:       client,
		maxAttempts:  cfg.MaxAttempts,
		lockDuration: cfg.LockDuration,
	}, nil
}

// CheckAllowed implements LoginRateLimiter.
func (l *RedisRateLimiter) CheckAllowed(ctx context.Context, sourceID string) error {
	ttl, err := l.client.PTTL(ctx, rateLimitLockKeyPrefix+sourceID).Result()
	if err != nil {
		return fmt.Errorf("redis rate limiter: check lock: %w", err)
	}

	if ttl > 0 {
		return &RateLimitedError{RetryAfter: ttl}
	}
	return nil
}

// RecordFailure implements LoginRateLimiter.
func (l *RedisRateLimiter) RecordFailure(ctx context.Context, sourceID string) error {
	failKey := rateLimitFailKeyPrefix + sourceID

	count, err := l.client.Incr(ctx, failKey).Result()
	if err != nil {
		return fmt.Errorf("redis rate limiter: record failure: %w", err)
	}
	if count == 1 {
		if err := l.client.PExpire(ctx, failKey, rateLimitFailureTTL).Err(); err != nil {
			return fmt.Errorf("redis rate limiter: expire counter: %w", err)
		}
	}

	if int(count) >= l.maxAttempts {
		pipe := l.client.TxPipeline()
		pipe.Set(ctx, rateLimitLockKeyPrefix+sourceID, "1", l.lockDuration)
		pipe.Del(ctx, failKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis rate limiter: impose lock: %w", err)
		}
		metrics.LoginLockouts.Inc()
	}
	return nil
}

// RecordSuccess implements LoginRateLimiter.
func (l *RedisRateLimiter) RecordSuccess(ctx context.Context, sourceID string) error {
	if err := l.client.Del(ctx, rateLimitFailKeyPrefix+sourceID, rateLimitLockKeyPrefix+sourceID).Err(); err != nil {
		return fmt.Errorf("redis rate limiter: clear state: %w", err)
	}
	return nil
}

// Sweep implements LoginRateLimiter. Redis key TTLs already bound growth, so
// there is nothing to remove here.
func (l *RedisRateLimiter) Sweep(context.Context) error {
	return nil
}

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(clock *testClock) *MemoryRateLimiter {
	return NewMemoryRateLimiter(RateLimiterConfig{
		MaxAttempts:  5,
		LockDuration: 5 * time.Minute,
		Clock:        clock.Now,
	})
}

func TestLimiterAllowsUnderCeiling(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(newTestClock())

	for i := 0; i < 4; i++ {
		require.NoError(t, limiter.CheckAllowed(ctx, "10.0.0.1"))
		require.NoError(t, limiter.RecordFailure(ctx, "10.0.0.1"))
	}

	require.NoError(t, limiter.CheckAllowed(ctx, "10.0.0.1"))
}

func TestLimiterLocksAtCeiling(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	limiter := newTestLimiter(clock)

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.RecordFailure(ctx, "10.0.0.1"))
	}

	err := limiter.CheckAllowed(ctx, "10.0.0.1")
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	require.Equal(t, 5*time.Minute, limited.RetryAfter)

	// Other sources are unaffected.
	require.NoError(t, limiter.CheckAllowed(ctx, "10.0.0.2"))
}

func TestLimiterLockElapsesAndCounterResets(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	limiter := newTestLimiter(clock)

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.RecordFailure(ctx, "10.0.0.1"))
	}
	require.Error(t, limiter.CheckAllowed(ctx, "10.0.0.1"))

	clock.Advance(5*time.Minute + time.Second)
	require.NoError(t, limiter.CheckAllowed(ctx, "10.0.0.1"))

	// The lock reset the failure counter, so a second lockout needs a full
	// run of failures again.
	for i := 0; i < 4; i++ {
		require.NoError(t, limiter.RecordFailure(ctx, "10.0.0.1"))
		require.NoError(t, limiter.CheckAllowed(ctx, "10.0.0.1"))
	}
	require.NoError(t, limiter.RecordFailure(ctx, "10.0.0.1"))
	require.Error(t, limiter.CheckAllowed(ctx, "10.0.0.1"))
}

func TestLimiterSuccessForgivesFailures(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(newTestClock())

	for i := 0; i < 4; i++ {
		require.NoError(t, limiter.RecordFailure(ctx, "10.0.0.1"))
	}
	require.NoError(t, limiter.RecordSuccess(ctx, "10.0.0.1"))

	for i := 0; i < 4; i++ {
		require.NoError(t, limiter.RecordFailure(ctx, "10.0.0.1"))
		require.NoError(t, limiter.CheckAllowed(ctx, "10.0.0.1"))
	}
}

func TestLimiterSweepDropsElapsedLocks(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	limiter := newTestLimiter(clock)

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.RecordFailure(ctx, "10.0.0.1"))
	}
	require.NoError(t, limiter.RecordFailure(ctx, "10.0.0.2"))

	clock.Advance(6 * time.Minute)
	require.NoError(t, limiter.Sweep(ctx))

	limiter.mu.Lock()
	_, lockedGone := limiter.entries["10.0.0.1"]
	_, failuresKept := limiter.entries["10.0.0.2"]
	limiter.mu.Unlock()

	require.False(t, lockedGone)
	require.True(t, failuresKept)
}

func newTestRedisLimiter(t *testing.T) (*RedisRateLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := NewRedisRateLimiter(client, RateLimiterConfig{
		MaxAttempts:  5,
		LockDuration: 5 * time.Minute,
	})
	require.NoError(t, err)
	return limiter, mr
}

func TestRedisLimiterLocksAtCeiling(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestRedisLimiter(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, limiter.RecordFailure(ctx, "10.0.0.1"))
		require.NoError(t, limiter.CheckAllowed(ctx, "10.0.0.1"))
	}
	require.NoError(t, limiter.RecordFailure(ctx, "10.0.0.1"))

	err := limiter.CheckAllowed(ctx, "10.0.0.1")
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	require.Greater(t, limited.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, limited.RetryAfter, 5*time.Minute)
}

func TestRedisLimiterLockExpires(t *testing.T) {
	ctx := context.Background()
	limiter, mr := newTestRedisLimiter(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.RecordFailure(ctx, "10.0.0.1"))
	}
	require.Error(t, limiter.CheckAllowed(ctx, "10.0.0.1"))

	mr.FastForward(5*time.Minute + time.Second)
	require.NoError(t, limiter.CheckAllowed(ctx, "10.0.0.1"))
}

func TestRedisLimiterSuccessClearsState(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestRedisLimiter(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.RecordFailure(ctx, "10.0.0.1"))
	}
	require.Error(t, limiter.CheckAllowed(ctx, "10.0.0.1"))

	require.NoError(t, limiter.RecordSuccess(ctx, "10.0.0.1"))
	require.NoError(t, limiter.CheckAllowed(ctx, "10.0.0.1"))
}

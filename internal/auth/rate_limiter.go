package auth

import (
	"context"
	"sync"
	"time"

	"github.com/tickwell/tickwell/pkg/metrics"
)

const (
	// DefaultMaxLoginAttempts is the number of consecutive failures that
	// triggers a lockout.
	DefaultMaxLoginAttempts = 5
	// DefaultLoginLockDuration is how long a locked source stays locked.
	DefaultLoginLockDuration = 5 * time.Minute
)

// LoginRateLimiter throttles failed authentication attempts per source
// identifier (client IP). Success fully forgives prior failures; reaching
// the attempt ceiling locks the source and resets the counter, so a second
// lockout requires another full run of failures after the first lock ends.
type LoginRateLimiter interface {
	// CheckAllowed returns a *RateLimitedError while a lock is in force.
	// A lock that has elapsed is cleared lazily and the call succeeds.
	CheckAllowed(ctx context.Context, sourceID string) error
	// RecordFailure counts a failed attempt and imposes a lock at the ceiling.
	RecordFailure(ctx context.Context, sourceID string) error
	// RecordSuccess clears all accumulated state for the source.
	RecordSuccess(ctx context.Context, sourceID string) error
	// Sweep drops entries whose lock has elapsed, bounding memory growth.
	Sweep(ctx context.Context) error
}

// RateLimiterConfig tunes a limiter. Zero values fall back to defaults.
type RateLimiterConfig struct {
	MaxAttempts  int
	LockDuration time.Duration
	Clock        func() time.Time
}

func (cfg RateLimiterConfig) withDefaults() RateLimiterConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxLoginAttempts
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = DefaultLoginLockDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

type rateLimitEntry struct {
	failures  int
	lockUntil *time.Time
}

// MemoryRateLimiter is the process-local limiter. State does not survive a
// restart and is not shared across instances; horizontally scaled
// deployments should use NewRedisRateLimiter instead.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry

	maxAttempts  int
	lockDuration time.Duration
	now          func() time.Time
}

// NewMemoryRateLimiter builds an in-memory limiter.
func NewMemoryRateLimiter(cfg RateLimiterConfig) *MemoryRateLimiter {
	cfg = cfg.withDefaults()
	return &MemoryRateLimiter{
		entries:      make(map[string]*rateLimitEntry),
		maxAttempts:  cfg.MaxAttempts,
		lockDuration: cfg.LockDuration,
		now:          cfg.Clock,
	}
}

// CheckAllowed implements LoginRateLimiter.
func (l *MemoryRateLimiter) CheckAllowed(_ context.Context, sourceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[sourceID]
	if !ok || entry.lockUntil == nil {
		return nil
	}

	now := l.now()
	if entry.lockUntil.After(now) {
		return &RateLimitedError{RetryAfter: entry.lockUntil.Sub(now)}
	}

	// Lock elapsed; clear lazily.
	delete(l.entries, sourceID)
	return nil
}

// RecordFailure implements LoginRateLimiter.
func (l *MemoryRateLimiter) RecordFailure(_ context.Context, sourceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[sourceID]
	if !ok {
		entry = &rateLimitEntry{}
		l.entries[sourceID] = entry
	}

	entry.failures++
	if entry.failures >= l.maxAttempts {
		lockUntil := l.now().Add(l.lockDuration)
		entry.lockUntil = &lockUntil
		entry.failures = 0
		metrics.LoginLockouts.Inc()
	}
	return nil
}

// RecordSuccess implements LoginRateLimiter.
func (l *MemoryRateLimiter) RecordSuccess(_ context.Context, sourceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, sourceID)
	return nil
}

// Sweep implements LoginRateLimiter.
func (l *MemoryRateLimiter) Sweep(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, entry := range l.entries {
		if entry.lockUntil != nil && !entry.lockUntil.After(now) {
			delete(l.entries, id)
		}
	}
	return nil
}

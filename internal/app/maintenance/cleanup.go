// Package maintenance runs the background sweeps that keep the session,
// lockout and one-time-code stores bounded.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	iauth "github.com/tickwell/tickwell/internal/auth"
	"github.com/tickwell/tickwell/internal/auth/twofactor"
	"github.com/tickwell/tickwell/pkg/logger"
)

const (
	defaultSessionSpec = "@hourly"
	defaultLimiterSpec = "@every 5m"
	defaultCodeSpec    = "@daily"
)

// Cleaner coordinates background maintenance: purging expired sessions,
// dropping elapsed login lockouts and removing stale two-factor codes.
type Cleaner struct {
	sessions *iauth.SessionService
	limiter  iauth.LoginRateLimiter
	codes    twofactor.Verifier
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger

	sessionSchedule string
	limiterSchedule string
	codeSchedule    string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for scheduling comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSessionSchedule overrides the cron specification for the session sweep.
func WithSessionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sessionSchedule = spec
		}
	}
}

// WithSessionInterval schedules the session sweep at a fixed interval,
// typically sourced from configuration. Non-positive intervals keep the
// default schedule.
func WithSessionInterval(interval time.Duration) Option {
	return func(cleaner *Cleaner) {
		if interval > 0 {
			cleaner.sessionSchedule = "@every " + interval.String()
		}
	}
}

// WithLimiterSchedule overrides the cron specification for the lockout sweep.
func WithLimiterSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.limiterSchedule = spec
		}
	}
}

// WithCodeSchedule overrides the cron specification for two-factor code cleanup.
func WithCodeSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.codeSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency
// results in the corresponding job being skipped.
func NewCleaner(sessions *iauth.SessionService, limiter iauth.LoginRateLimiter, codes twofactor.Verifier, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		sessions:        sessions,
		limiter:         limiter,
		codes:           codes,
		now:             time.Now,
		sessionSchedule: defaultSessionSpec,
		limiterSchedule: defaultLimiterSpec,
		codeSchedule:    defaultCodeSpec,
		log:             logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers the sweeps with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if c.sessions != nil {
		if _, err := c.cron.AddFunc(c.sessionSchedule, func() {
			if _, err := c.sessions.SweepExpired(context.Background()); err != nil {
				c.log.Warn("session sweep failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.limiter != nil {
		if _, err := c.cron.AddFunc(c.limiterSchedule, func() {
			if err := c.limiter.Sweep(context.Background()); err != nil {
				c.log.Warn("lockout sweep failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.codes != nil {
		if _, err := c.cron.AddFunc(c.codeSchedule, func() {
			if _, err := c.codes.CleanupExpired(context.Background()); err != nil {
				c.log.Warn("two-factor code cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured sweeps sequentially. Primarily used in
// tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.sessions != nil {
		if _, err := c.sessions.SweepExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Sweep(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.codes != nil {
		if _, err := c.codes.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

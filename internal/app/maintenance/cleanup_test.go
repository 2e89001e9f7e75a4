package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/tickwell/tickwell/internal/auth"
	"github.com/tickwell/tickwell/internal/database/testutil"
	"github.com/tickwell/tickwell/internal/models"
)

type testClock struct {
	current time.Time
}

func (c *testClock) Now() time.Time          { return c.current }
func (c *testClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func setupCleanupDeps(t *testing.T) (*gorm.DB, *iauth.SessionService, *iauth.MemoryRateLimiter, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	clock := &testClock{current: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}

	policy, err := iauth.NewTierPolicy(db, clock.Now)
	require.NoError(t, err)

	sessions, err := iauth.NewSessionService(db, policy, iauth.SessionConfig{
		RefreshTokenTTL: time.Hour,
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	limiter := iauth.NewMemoryRateLimiter(iauth.RateLimiterConfig{
		MaxAttempts:  5,
		LockDuration: 5 * time.Minute,
		Clock:        clock.Now,
	})

	return db, sessions, limiter, clock
}

func TestRunOncePurgesExpiredSessions(t *testing.T) {
	db, sessions, limiter, clock := setupCleanupDeps(t)
	ctx := context.Background()

	user := &models.User{Username: "sweeper", Email: "sweeper@example.com", Password: "hash", IsActive: true}
	require.NoError(t, db.Create(user).Error)

	_, err := sessions.Create(ctx, user.ID, "stale-token", iauth.SessionMetadata{})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	cleaner := NewCleaner(sessions, limiter, nil, WithNow(clock.Now))
	require.NoError(t, cleaner.RunOnce(ctx))

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRunOnceSweepsElapsedLockouts(t *testing.T) {
	_, sessions, limiter, clock := setupCleanupDeps(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.RecordFailure(ctx, "10.0.0.1"))
	}
	require.Error(t, limiter.CheckAllowed(ctx, "10.0.0.1"))

	clock.Advance(6 * time.Minute)

	cleaner := NewCleaner(sessions, limiter, nil, WithNow(clock.Now))
	require.NoError(t, cleaner.RunOnce(ctx))

	require.NoError(t, limiter.CheckAllowed(ctx, "10.0.0.1"))
}

func TestWithSessionIntervalOverridesSchedule(t *testing.T) {
	_, sessions, limiter, clock := setupCleanupDeps(t)

	cleaner := NewCleaner(sessions, limiter, nil, WithNow(clock.Now),
		WithSessionInterval(30*time.Minute))
	require.Equal(t, "@every 30m0s", cleaner.sessionSchedule)

	// The derived spec must be accepted by the scheduler.
	require.NoError(t, cleaner.Start())
	<-cleaner.Stop().Done()

	// Non-positive intervals keep the default.
	cleaner = NewCleaner(sessions, limiter, nil, WithSessionInterval(0))
	require.Equal(t, defaultSessionSpec, cleaner.sessionSchedule)
}

func TestStartAndStopScheduler(t *testing.T) {
	_, sessions, limiter, clock := setupCleanupDeps(t)

	cleaner := NewCleaner(sessions, limiter, nil, WithNow(clock.Now))
	require.NoError(t, cleaner.Start())

	stopCtx := cleaner.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

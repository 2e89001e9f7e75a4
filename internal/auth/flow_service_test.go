package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tickwell/tickwell/internal/auth/twofactor"
	"github.com/tickwell/tickwell/internal/database/testutil"
	"github.com/tickwell/tickwell/internal/models"
	"github.com/tickwell/tickwell/pkg/crypto"
)

func setupFlowService(t *testing.T) (*gorm.DB, *FlowService, *captureMailer, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	mailer := &captureMailer{}

	tokens, err := NewTokenService(TokenConfig{
		Secret:          "flow-test-secret",
		Issuer:          "tickwell-test",
		AccessTokenTTL:  45 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	policy, err := NewTierPolicy(db, clock.Now)
	require.NoError(t, err)

	sessions, err := NewSessionService(db, policy, SessionConfig{
		RefreshTokenTTL: 7 * 24 * time.Hour,
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	limiter := NewMemoryRateLimiter(RateLimiterConfig{
		MaxAttempts:  5,
		LockDuration: 5 * time.Minute,
		Clock:        clock.Now,
	})

	verifier, err := twofactor.NewCodeVerifier(db, mailer, twofactor.Config{
		CodeTTL: 10 * time.Minute,
		Clock:   clock.Now,
	})
	require.NoError(t, err)

	flows, err := NewFlowService(db, tokens, sessions, limiter, verifier, clock.Now)
	require.NoError(t, err)

	return db, flows, mailer, clock
}

func registerFlowUser(t *testing.T, db *gorm.DB, flows *FlowService, username string, twoFactor bool) *models.User {
	t.Helper()

	_, err := flows.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    username + "@example.com",
		Password: "correct horse battery",
	})
	require.NoError(t, err)

	var user models.User
	require.NoError(t, db.Take(&user, "username = ?", username).Error)
	if user.TwoFactorEnabled != twoFactor {
		setTwoFactor(t, db, &user, twoFactor)
	}
	return &user
}

func TestRegisterCreatesAccount(t *testing.T) {
	db, flows, _, _ := setupFlowService(t)

	profile, err := flows.Register(context.Background(), RegisterInput{
		Username: "trader",
		Email:    "Trader@Example.com",
		Password: "correct horse battery",
	})
	require.NoError(t, err)
	require.Equal(t, "trader", profile.Username)
	require.Equal(t, "trader@example.com", profile.Email)

	var user models.User
	require.NoError(t, db.Take(&user, "id = ?", profile.ID).Error)
	require.True(t, user.TwoFactorEnabled)
	require.NotEqual(t, "correct horse battery", user.Password)
	require.True(t, crypto.VerifyPassword(user.Password, "correct horse battery"))
}

func TestRegisterDuplicateEmail(t *testing.T) {
	_, flows, _, _ := setupFlowService(t)
	ctx := context.Background()

	_, err := flows.Register(ctx, RegisterInput{
		Username: "first", Email: "dup@example.com", Password: "password-one",
	})
	require.NoError(t, err)

	_, err = flows.Register(ctx, RegisterInput{
		Username: "second", Email: "dup@example.com", Password: "password-two",
	})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "email", conflict.Field)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	_, flows, _, _ := setupFlowService(t)
	ctx := context.Background()

	_, err := flows.Register(ctx, RegisterInput{
		Username: "taken", Email: "one@example.com", Password: "password-one",
	})
	require.NoError(t, err)

	_, err = flows.Register(ctx, RegisterInput{
		Username: "taken", Email: "two@example.com", Password: "password-two",
	})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "username", conflict.Field)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	db, flows, _, _ := setupFlowService(t)
	ctx := context.Background()
	registerFlowUser(t, db, flows, "known", true)

	_, wrongPassword := flows.Login(ctx, LoginInput{
		Email: "known@example.com", Password: "nope", SourceID: "10.0.0.1",
	}, ClientInfo{})
	_, unknownEmail := flows.Login(ctx, LoginInput{
		Email: "nobody@example.com", Password: "nope", SourceID: "10.0.0.1",
	}, ClientInfo{})

	require.ErrorIs(t, wrongPassword, ErrInvalidCredentials)
	require.ErrorIs(t, unknownEmail, ErrInvalidCredentials)
	require.Equal(t, wrongPassword.Error(), unknownEmail.Error())
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	db, flows, _, clock := setupFlowService(t)
	ctx := context.Background()
	registerFlowUser(t, db, flows, "locked", true)

	for i := 0; i < 5; i++ {
		_, err := flows.Login(ctx, LoginInput{
			Email: "locked@example.com", Password: "wrong", SourceID: "10.0.0.9",
		}, ClientInfo{})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Even the correct password is refused while the source is locked.
	_, err := flows.Login(ctx, LoginInput{
		Email: "locked@example.com", Password: "correct horse battery", SourceID: "10.0.0.9",
	}, ClientInfo{})
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)

	// A different source is unaffected.
	result, err := flows.Login(ctx, LoginInput{
		Email: "locked@example.com", Password: "correct horse battery", SourceID: "10.0.0.10",
	}, ClientInfo{})
	require.NoError(t, err)
	require.True(t, result.TwoFactorRequired)

	// Once the lock elapses the original source works again.
	clock.Advance(5*time.Minute + time.Second)
	_, err = flows.Login(ctx, LoginInput{
		Email: "locked@example.com", Password: "correct horse battery", SourceID: "10.0.0.9",
	}, ClientInfo{})
	require.NoError(t, err)
}

func TestLoginWithTwoFactorIssuesCodeNotTokens(t *testing.T) {
	db, flows, mailer, _ := setupFlowService(t)
	ctx := context.Background()
	registerFlowUser(t, db, flows, "careful", true)

	result, err := flows.Login(ctx, LoginInput{
		Email: "careful@example.com", Password: "correct horse battery", SourceID: "10.0.0.1",
	}, ClientInfo{})
	require.NoError(t, err)
	require.True(t, result.TwoFactorRequired)
	require.Nil(t, result.TokenPair)
	require.NotEmpty(t, mailer.messages)
	require.Equal(t, []string{"careful@example.com"}, mailer.messages[0].To)
}

func TestVerify2FACompletesLogin(t *testing.T) {
	db, flows, mailer, _ := setupFlowService(t)
	ctx := context.Background()
	registerFlowUser(t, db, flows, "verified", true)

	_, err := flows.Login(ctx, LoginInput{
		Email: "verified@example.com", Password: "correct horse battery", SourceID: "10.0.0.1",
	}, ClientInfo{IPAddress: "10.0.0.1", DeviceName: "cli"})
	require.NoError(t, err)

	code := mailer.lastCode(t)
	result, err := flows.Verify2FA(ctx, "verified@example.com", code, ClientInfo{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, result.TokenPair)
	require.NotEmpty(t, result.TokenPair.AccessToken)
	require.NotEmpty(t, result.TokenPair.RefreshToken)
	require.NotEmpty(t, result.TokenPair.SessionID)

	// The code is consumed; replaying it fails.
	_, err = flows.Verify2FA(ctx, "verified@example.com", code, ClientInfo{})
	require.ErrorIs(t, err, ErrTwoFactorInvalid)
}

func TestVerify2FAWrongCode(t *testing.T) {
	db, flows, mailer, _ := setupFlowService(t)
	ctx := context.Background()
	registerFlowUser(t, db, flows, "mistyped", true)

	_, err := flows.Login(ctx, LoginInput{
		Email: "mistyped@example.com", Password: "correct horse battery", SourceID: "10.0.0.1",
	}, ClientInfo{})
	require.NoError(t, err)

	_, err = flows.Verify2FA(ctx, "mistyped@example.com", "000000", ClientInfo{})
	require.ErrorIs(t, err, ErrTwoFactorInvalid)

	// A typo does not burn the real code.
	code := mailer.lastCode(t)
	_, err = flows.Verify2FA(ctx, "mistyped@example.com", code, ClientInfo{})
	require.NoError(t, err)
}

func TestLoginWithoutTwoFactorIssuesTokensDirectly(t *testing.T) {
	db, flows, _, _ := setupFlowService(t)
	ctx := context.Background()
	registerFlowUser(t, db, flows, "direct", false)

	result, err := flows.Login(ctx, LoginInput{
		Email: "direct@example.com", Password: "correct horse battery", SourceID: "10.0.0.1",
	}, ClientInfo{})
	require.NoError(t, err)
	require.False(t, result.TwoFactorRequired)
	require.NotNil(t, result.TokenPair)
}

func TestLoginEnforcesSessionCeiling(t *testing.T) {
	db, flows, _, _ := setupFlowService(t)
	ctx := context.Background()
	registerFlowUser(t, db, flows, "busy", false)

	login := func() (*LoginResult, error) {
		return flows.Login(ctx, LoginInput{
			Email: "busy@example.com", Password: "correct horse battery", SourceID: "10.0.0.1",
		}, ClientInfo{})
	}

	_, err := login()
	require.NoError(t, err)
	_, err = login()
	require.NoError(t, err)

	_, err = login()
	var capped *SessionLimitError
	require.ErrorAs(t, err, &capped)
	require.Equal(t, 2, capped.Limit)
}

func TestRefreshRotatesTokens(t *testing.T) {
	db, flows, _, clock := setupFlowService(t)
	ctx := context.Background()
	registerFlowUser(t, db, flows, "refresher", false)

	result, err := flows.Login(ctx, LoginInput{
		Email: "refresher@example.com", Password: "correct horse battery", SourceID: "10.0.0.1",
	}, ClientInfo{})
	require.NoError(t, err)
	original := result.TokenPair

	clock.Advance(time.Hour)
	rotated, err := flows.Refresh(ctx, original.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, original.RefreshToken, rotated.RefreshToken)
	require.Equal(t, original.SessionID, rotated.SessionID)

	// The presented token is dead after rotation.
	_, err = flows.Refresh(ctx, original.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	// The rotated token keeps working.
	_, err = flows.Refresh(ctx, rotated.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshRejectsForgedAndExpiredTokens(t *testing.T) {
	db, flows, _, clock := setupFlowService(t)
	ctx := context.Background()
	registerFlowUser(t, db, flows, "expiring", false)

	result, err := flows.Login(ctx, LoginInput{
		Email: "expiring@example.com", Password: "correct horse battery", SourceID: "10.0.0.1",
	}, ClientInfo{})
	require.NoError(t, err)

	_, err = flows.Refresh(ctx, "not-even-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)

	clock.Advance(8 * 24 * time.Hour)
	_, err = flows.Refresh(ctx, result.TokenPair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	// The sweep before the lookup removed the expired row.
	var count int64
	require.NoError(t, db.Model(&models.Session{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRefreshRejectsRevokedSession(t *testing.T) {
	db, flows, _, _ := setupFlowService(t)
	ctx := context.Background()
	registerFlowUser(t, db, flows, "signed-out", false)

	result, err := flows.Login(ctx, LoginInput{
		Email: "signed-out@example.com", Password: "correct horse battery", SourceID: "10.0.0.1",
	}, ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, flows.Logout(ctx, result.TokenPair.SessionID, ""))

	_, err = flows.Refresh(ctx, result.TokenPair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogoutByRefreshTokenFallback(t *testing.T) {
	db, flows, _, _ := setupFlowService(t)
	ctx := context.Background()
	registerFlowUser(t, db, flows, "fallback", false)

	result, err := flows.Login(ctx, LoginInput{
		Email: "fallback@example.com", Password: "correct horse battery", SourceID: "10.0.0.1",
	}, ClientInfo{})
	require.NoError(t, err)

	// No session id available; the refresh token identifies the session.
	require.NoError(t, flows.Logout(ctx, "", result.TokenPair.RefreshToken))

	_, err = flows.Refresh(ctx, result.TokenPair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogoutIsFailSoft(t *testing.T) {
	db, flows, _, _ := setupFlowService(t)
	ctx := context.Background()

	require.NoError(t, flows.Logout(ctx, "", ""))
	require.NoError(t, flows.Logout(ctx, "", "garbage-token"))
	require.NoError(t, flows.Logout(ctx, "unknown-session", ""))

	registerFlowUser(t, db, flows, "failsoft", false)
	result, err := flows.Login(ctx, LoginInput{
		Email: "failsoft@example.com", Password: "correct horse battery", SourceID: "10.0.0.1",
	}, ClientInfo{})
	require.NoError(t, err)

	// A failing session store must not surface either; the client is
	// discarding its credentials and cannot act on the error.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	require.NoError(t, flows.Logout(ctx, result.TokenPair.SessionID, ""))
	require.NoError(t, flows.Logout(ctx, "", result.TokenPair.RefreshToken))
}

func TestConcurrentRefreshLeavesOneLiveToken(t *testing.T) {
	db, flows, _, _ := setupFlowService(t)
	ctx := context.Background()
	registerFlowUser(t, db, flows, "racer", false)

	result, err := flows.Login(ctx, LoginInput{
		Email: "racer@example.com", Password: "correct horse battery", SourceID: "10.0.0.1",
	}, ClientInfo{})
	require.NoError(t, err)
	presented := result.TokenPair.RefreshToken

	// One connection serialises sqlite writes; the rotation ordering under
	// test is decided above the database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	type outcome struct {
		pair *TokenPair
		err  error
	}
	outcomes := make(chan outcome, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair, err := flows.Refresh(ctx, presented)
			outcomes <- outcome{pair: pair, err: err}
		}()
	}
	wg.Wait()
	close(outcomes)

	var issued []string
	for out := range outcomes {
		if out.err != nil {
			// The loser saw the already-rotated digest.
			require.ErrorIs(t, out.err, ErrInvalidToken)
			continue
		}
		issued = append(issued, out.pair.RefreshToken)
	}
	require.NotEmpty(t, issued)

	// The presented token is dead regardless of the interleaving.
	_, err = flows.Refresh(ctx, presented)
	require.ErrorIs(t, err, ErrInvalidToken)

	// Exactly one issued token verifies against the stored digest; when both
	// rotations applied, the second overwrote the first.
	live := 0
	for _, token := range issued {
		session, err := flows.sessions.FindActiveByRefreshToken(ctx, token, "")
		require.NoError(t, err)
		if session != nil {
			live++
		}
	}
	require.Equal(t, 1, live)
}

func TestChangePasswordRequiresCurrentPasswordAndCode(t *testing.T) {
	db, flows, mailer, _ := setupFlowService(t)
	ctx := context.Background()
	user := registerFlowUser(t, db, flows, "rotating", false)

	err := flows.ChangePassword(ctx, user.ID, "wrong-current", "new password here", "000000")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// Without a requested code the change is refused.
	err = flows.ChangePassword(ctx, user.ID, "correct horse battery", "new password here", "000000")
	require.ErrorIs(t, err, ErrTwoFactorInvalid)

	require.NoError(t, flows.RequestPasswordChangeCode(ctx, user.ID))
	code := mailer.lastCode(t)

	require.NoError(t, flows.ChangePassword(ctx, user.ID, "correct horse battery", "new password here", code))

	// Old password is dead, new one works.
	_, err = flows.Login(ctx, LoginInput{
		Email: "rotating@example.com", Password: "correct horse battery", SourceID: "10.0.0.1",
	}, ClientInfo{})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = flows.Login(ctx, LoginInput{
		Email: "rotating@example.com", Password: "new password here", SourceID: "10.0.0.2",
	}, ClientInfo{})
	require.NoError(t, err)
}

func TestChangePasswordKeepsSessionsAlive(t *testing.T) {
	db, flows, mailer, _ := setupFlowService(t)
	ctx := context.Background()
	user := registerFlowUser(t, db, flows, "keeper", false)

	result, err := flows.Login(ctx, LoginInput{
		Email: "keeper@example.com", Password: "correct horse battery", SourceID: "10.0.0.1",
	}, ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, flows.RequestPasswordChangeCode(ctx, user.ID))
	code := mailer.lastCode(t)
	require.NoError(t, flows.ChangePassword(ctx, user.ID, "correct horse battery", "another password", code))

	// The existing session still refreshes after the password change.
	_, err = flows.Refresh(ctx, result.TokenPair.RefreshToken)
	require.NoError(t, err)
}

func TestLoginCodeDoesNotValidateForPasswordChange(t *testing.T) {
	db, flows, mailer, _ := setupFlowService(t)
	ctx := context.Background()
	user := registerFlowUser(t, db, flows, "crossed", true)

	_, err := flows.Login(ctx, LoginInput{
		Email: "crossed@example.com", Password: "correct horse battery", SourceID: "10.0.0.1",
	}, ClientInfo{})
	require.NoError(t, err)
	loginCode := mailer.lastCode(t)

	err = flows.ChangePassword(ctx, user.ID, "correct horse battery", "new password here", loginCode)
	require.ErrorIs(t, err, ErrTwoFactorInvalid)

	// The login code survived the misuse attempt and still completes login.
	_, err = flows.Verify2FA(ctx, "crossed@example.com", loginCode, ClientInfo{})
	require.NoError(t, err)
}

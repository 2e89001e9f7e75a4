package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tickwell/tickwell/internal/auth/twofactor"
	"github.com/tickwell/tickwell/internal/database"
	"github.com/tickwell/tickwell/internal/models"
	"github.com/tickwell/tickwell/pkg/crypto"
	"github.com/tickwell/tickwell/pkg/logger"
	"github.com/tickwell/tickwell/pkg/metrics"
)

// RegisterInput carries the fields required to create an account.
type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// LoginInput carries a credential pair plus the request's source identifier
// used for rate limiting.
type LoginInput struct {
	Email    string
	Password string
	SourceID string
}

// ClientInfo carries advisory request provenance recorded on sessions.
type ClientInfo struct {
	IPAddress  string
	DeviceName string
}

// LoginResult is the outcome of a successful credential check. When
// TwoFactorRequired is set the caller must complete verification before any
// tokens are issued; otherwise TokenPair carries the session credentials.
type LoginResult struct {
	User              models.PublicProfile
	TwoFactorRequired bool
	TokenPair         *TokenPair
}

// TokenPair bundles the credentials handed to a client after a session is
// established.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	SessionID    string
	ExpiresIn    int64
}

// FlowService orchestrates the authentication flows end to end: registration,
// the login and two-factor handshake, refresh rotation, logout and password
// changes. It composes the token, session, tier and rate-limit services and
// owns no session state itself.
type FlowService struct {
	db       *gorm.DB
	tokens   *TokenService
	sessions *SessionService
	limiter  LoginRateLimiter
	verifier twofactor.Verifier
	now      func() time.Time
	log      *zap.Logger
}

// NewFlowService wires the flow orchestrator. All dependencies are required.
func NewFlowService(
	db *gorm.DB,
	tokens *TokenService,
	sessions *SessionService,
	limiter LoginRateLimiter,
	verifier twofactor.Verifier,
	clock func() time.Time,
) (*FlowService, error) {
	switch {
	case db == nil:
		return nil, errors.New("flow service: db is required")
	case tokens == nil:
		return nil, errors.New("flow service: token service is required")
	case sessions == nil:
		return nil, errors.New("flow service: session service is required")
	case limiter == nil:
		return nil, errors.New("flow service: rate limiter is required")
	case verifier == nil:
		return nil, errors.New("flow service: two-factor verifier is required")
	}

	if clock == nil {
		clock = time.Now
	}

	return &FlowService{
		db:       db,
		tokens:   tokens,
		sessions: sessions,
		limiter:  limiter,
		verifier: verifier,
		now:      clock,
		log:      logger.WithModule("auth"),
	}, nil
}

// Register creates a new account. Duplicate usernames or emails surface as
// *ConflictError. No session or tokens are issued; the caller signs in next.
func (s *FlowService) Register(ctx context.Context, input RegisterInput) (*models.PublicProfile, error) {
	username := strings.TrimSpace(input.Username)
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if username == "" || email == "" || input.Password == "" {
		return nil, errors.New("flow service: username, email and password are required")
	}

	hash, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("flow service: hash password: %w", err)
	}

	user := &models.User{
		Username:         username,
		Email:            email,
		Password:         hash,
		TwoFactorEnabled: true,
		IsActive:         true,
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if database.IsUniqueConstraintError(err) {
			return nil, s.conflictField(ctx, username, email)
		}
		return nil, fmt.Errorf("flow service: create user: %w", err)
	}

	s.log.Info("user registered", zap.String("user_id", user.ID))
	profile := user.Profile()
	return &profile, nil
}

// conflictField distinguishes which unique column collided so the caller can
// report it. Falls back to email when the probe itself fails.
func (s *FlowService) conflictField(ctx context.Context, username, email string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("username = ?", username).
		Count(&count).Error; err == nil && count > 0 {
		return &ConflictError{Field: "username"}
	}
	return &ConflictError{Field: "email"}
}

// Login checks credentials under the login rate limit. A locked source gets
// *RateLimitedError before any credential work. Unknown emails and wrong
// passwords are indistinguishable to the caller and both count as failures.
// Accounts with two-factor enabled receive a code and must call Verify2FA;
// others get their session and tokens immediately.
func (s *FlowService) Login(ctx context.Context, input LoginInput, client ClientInfo) (*LoginResult, error) {
	if err := s.limiter.CheckAllowed(ctx, input.SourceID); err != nil {
		var limited *RateLimitedError
		if errors.As(err, &limited) {
			metrics.AuthAttempts.WithLabelValues("rate_limited").Inc()
		}
		return nil, err
	}

	email := strings.ToLower(strings.TrimSpace(input.Email))

	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, s.failLogin(ctx, input.SourceID)
		}
		return nil, fmt.Errorf("flow service: load user: %w", err)
	}

	if !user.IsActive || !crypto.VerifyPassword(user.Password, input.Password) {
		return nil, s.failLogin(ctx, input.SourceID)
	}

	if err := s.limiter.RecordSuccess(ctx, input.SourceID); err != nil {
		s.log.Warn("rate limiter record success failed", zap.Error(err))
	}
	metrics.AuthAttempts.WithLabelValues("success").Inc()

	now := s.now()
	updates := map[string]any{"last_login_at": now}
	if client.IPAddress != "" {
		updates["last_login_ip"] = client.IPAddress
	}
	if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		s.log.Warn("update last login failed", zap.Error(err), zap.String("user_id", user.ID))
	}

	if user.TwoFactorEnabled {
		if err := s.verifier.Issue(ctx, &user, twofactor.PurposeLogin); err != nil {
			return nil, fmt.Errorf("flow service: issue login code: %w", err)
		}
		return &LoginResult{User: user.Profile(), TwoFactorRequired: true}, nil
	}

	pair, err := s.establishSession(ctx, &user, client)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: user.Profile(), TokenPair: pair}, nil
}

func (s *FlowService) failLogin(ctx context.Context, sourceID string) error {
	if err := s.limiter.RecordFailure(ctx, sourceID); err != nil {
		s.log.Warn("rate limiter record failure failed", zap.Error(err))
	}
	metrics.AuthAttempts.WithLabelValues("failure").Inc()
	return ErrInvalidCredentials
}

// Verify2FA completes a pending login by consuming the emailed code, then
// creates the session and issues the token pair. An invalid code returns
// ErrTwoFactorInvalid without creating anything.
func (s *FlowService) Verify2FA(ctx context.Context, email, code string, client ClientInfo) (*LoginResult, error) {
	var user models.User
	err := s.db.WithContext(ctx).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTwoFactorInvalid
		}
		return nil, fmt.Errorf("flow service: load user: %w", err)
	}

	if err := s.verifier.Validate(ctx, user.ID, twofactor.PurposeLogin, code); err != nil {
		if errors.Is(err, twofactor.ErrCodeInvalid) {
			return nil, ErrTwoFactorInvalid
		}
		return nil, err
	}

	pair, err := s.establishSession(ctx, &user, client)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: user.Profile(), TokenPair: pair}, nil
}

// establishSession mints the refresh token, records the session under the
// tier ceiling, then mints the access token carrying the new session id.
// The refresh token is minted before the session row exists, so it carries
// no session id; rotation replaces it with one that does.
func (s *FlowService) establishSession(ctx context.Context, user *models.User, client ClientInfo) (*TokenPair, error) {
	refresh, err := s.tokens.IssueRefreshToken(TokenInput{
		UserID:   user.ID,
		Email:    user.Email,
		Username: user.Username,
	})
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.Create(ctx, user.ID, refresh, SessionMetadata{
		IPAddress:  client.IPAddress,
		DeviceName: client.DeviceName,
	})
	if err != nil {
		return nil, err
	}

	access, err := s.tokens.IssueAccessToken(TokenInput{
		UserID:    user.ID,
		Email:     user.Email,
		Username:  user.Username,
		SessionID: session.ID,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("session established",
		zap.String("user_id", user.ID),
		zap.String("session_id", session.ID))

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    session.ID,
		ExpiresIn:    int64(s.tokens.AccessTokenTTL().Seconds()),
	}, nil
}

// Refresh exchanges a valid refresh token for a new pair, rotating the
// session's stored digest so the presented token can never be used again.
// Expired, revoked, forged and already-rotated tokens all surface as
// ErrInvalidToken.
func (s *FlowService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if _, err := s.sessions.SweepExpired(ctx); err != nil {
		s.log.Warn("expired session sweep failed", zap.Error(err))
	}

	claims, err := s.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrInvalidToken
	}

	session, err := s.sessions.FindActiveByRefreshToken(ctx, refreshToken, claims.UserID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrInvalidToken
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", session.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("flow service: load user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrInvalidToken
	}

	input := TokenInput{
		UserID:    user.ID,
		Email:     user.Email,
		Username:  user.Username,
		SessionID: session.ID,
	}

	newRefresh, err := s.tokens.IssueRefreshToken(input)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Rotate(ctx, session.ID, newRefresh); err != nil {
		return nil, err
	}

	access, err := s.tokens.IssueAccessToken(input)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: newRefresh,
		SessionID:    session.ID,
		ExpiresIn:    int64(s.tokens.AccessTokenTTL().Seconds()),
	}, nil
}

// Logout revokes the caller's session. The session id from the verified
// access token is preferred; when absent, the refresh token identifies the
// session instead. Logout never fails the client: a stale or unknown token
// means there is nothing left to revoke.
func (s *FlowService) Logout(ctx context.Context, sessionID, refreshToken string) error {
	if sessionID != "" {
		s.revokeQuietly(ctx, sessionID)
		return nil
	}

	if refreshToken == "" {
		return nil
	}

	var scope string
	if claims := s.tokens.DecodeUnverified(refreshToken); claims != nil {
		scope = claims.UserID
		if claims.SessionID != "" {
			s.revokeQuietly(ctx, claims.SessionID)
			return nil
		}
	}

	session, err := s.sessions.FindActiveByRefreshToken(ctx, refreshToken, scope)
	if err != nil || session == nil {
		return nil
	}
	s.revokeQuietly(ctx, session.ID)
	return nil
}

// revokeQuietly logs revoke failures instead of returning them. The client is
// discarding its credentials either way and cannot act on the error.
func (s *FlowService) revokeQuietly(ctx context.Context, sessionID string) {
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		s.log.Warn("logout revoke failed",
			zap.Error(err),
			zap.String("session_id", sessionID))
	}
}

// RequestPasswordChangeCode emails the account a password-change code.
func (s *FlowService) RequestPasswordChangeCode(ctx context.Context, userID string) error {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("flow service: load user: %w", err)
	}
	return s.verifier.Issue(ctx, &user, twofactor.PurposePasswordChange)
}

// ChangePassword updates the account's password after checking the current
// password and consuming a password-change code. Existing sessions stay
// valid; callers who want them gone revoke explicitly.
func (s *FlowService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword, code string) error {
	if newPassword == "" {
		return errors.New("flow service: new password is required")
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("flow service: load user: %w", err)
	}

	if !crypto.VerifyPassword(user.Password, currentPassword) {
		return ErrInvalidCredentials
	}

	if err := s.verifier.Validate(ctx, user.ID, twofactor.PurposePasswordChange, code); err != nil {
		if errors.Is(err, twofactor.ErrCodeInvalid) {
			return ErrTwoFactorInvalid
		}
		return err
	}

	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("flow service: hash password: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&user).Update("password", hash).Error; err != nil {
		return fmt.Errorf("flow service: update password: %w", err)
	}

	s.log.Info("password changed", zap.String("user_id", user.ID))
	return nil
}

// GetUser loads the public profile for an account.
func (s *FlowService) GetUser(ctx context.Context, userID string) (*models.PublicProfile, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("flow service: load user: %w", err)
	}
	profile := user.Profile()
	return &profile, nil
}

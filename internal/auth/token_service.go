package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultAccessTokenTTL is the fallback validity period for access tokens.
	DefaultAccessTokenTTL = 45 * time.Minute
	// DefaultRefreshTokenTTL is the fallback refresh token lifetime.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour

	// TokenTypeAccess and TokenTypeRefresh discriminate the two credential
	// kinds inside the signed payload so one can never stand in for the other.
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// TokenConfig bundles the configuration required to build a TokenService.
type TokenConfig struct {
	Secret          string
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Clock           func() time.Time
}

// Claims represents the custom claims embedded in issued tokens. SessionID
// is absent on tokens minted before a session exists (registration and the
// pre-session refresh token); consumers must tolerate its absence.
type Claims struct {
	UserID    string `json:"uid"`
	Email     string `json:"email,omitempty"`
	Username  string `json:"username,omitempty"`
	SessionID string `json:"sid,omitempty"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenInput holds the identity fields carried by both token kinds.
type TokenInput struct {
	UserID    string
	Email     string
	Username  string
	SessionID string
}

// TokenService signs, verifies and decodes compact credential payloads with
// independent expirations for access and refresh tokens.
type TokenService struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenService constructs a TokenService from the supplied configuration.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token service: secret must be provided")
	}

	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}

	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &TokenService{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        now,
	}, nil
}

// AccessTokenTTL exposes the configured access token lifetime.
func (s *TokenService) AccessTokenTTL() time.Duration { return s.accessTTL }

// RefreshTokenTTL exposes the configured refresh token lifetime.
func (s *TokenService) RefreshTokenTTL() time.Duration { return s.refreshTTL }

// IssueAccessToken signs a short-lived access token for the given identity.
func (s *TokenService) IssueAccessToken(input TokenInput) (string, error) {
	return s.issue(input, TokenTypeAccess, s.accessTTL)
}

// IssueRefreshToken signs a long-lived refresh token for the given identity.
func (s *TokenService) IssueRefreshToken(input TokenInput) (string, error) {
	return s.issue(input, TokenTypeRefresh, s.refreshTTL)
}

func (s *TokenService) issue(input TokenInput, tokenType string, ttl time.Duration) (string, error) {
	if input.UserID == "" {
		return "", errors.New("token service: user id is required")
	}

	now := s.now()

	claims := &Claims{
		UserID:    input.UserID,
		Email:     input.Email,
		Username:  input.Username,
		SessionID: input.SessionID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			// The jti keeps two tokens minted in the same second distinct,
			// so a rotation always produces a new token string.
			ID:        uuid.NewString(),
			Subject:   input.UserID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token service: sign token: %w", err)
	}

	return signed, nil
}

// VerifyAccessToken parses and validates a signed access token.
func (s *TokenService) VerifyAccessToken(tokenString string) (*Claims, error) {
	return s.verify(tokenString, TokenTypeAccess)
}

// VerifyRefreshToken parses and validates a signed refresh token.
func (s *TokenService) VerifyRefreshToken(tokenString string) (*Claims, error) {
	return s.verify(tokenString, TokenTypeRefresh)
}

// verify checks signature and embedded expiry in a single parse, so there is
// no window where an expired-but-correctly-signed token is accepted.
func (s *TokenService) verify(tokenString, expectedType string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" || claims.TokenType != expectedType {
		return nil, ErrInvalidToken
	}

	return &claims, nil
}

// DecodeUnverified returns the embedded claims without checking the
// signature or expiry, or nil on malformed input. Useful only for
// best-effort identification; never a basis for authorization.
func (s *TokenService) DecodeUnverified(tokenString string) *Claims {
	if tokenString == "" {
		return nil
	}

	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return nil
	}
	return &claims
}

package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers both unknown identifiers and password
	// mismatches so callers cannot distinguish the two cases.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrInvalidToken signals that a bearer token failed verification or
	// matches no active session.
	ErrInvalidToken = errors.New("auth: invalid or expired token")
	// ErrTwoFactorInvalid is returned when a two-factor code does not
	// validate for the requested purpose.
	ErrTwoFactorInvalid = errors.New("auth: invalid two-factor code")
	// ErrUserNotFound signals that no account matches the identifier.
	ErrUserNotFound = errors.New("auth: user not found")
)

// RateLimitedError reports an active login lockout for a source identifier.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("auth: rate limited, retry in %s", e.RetryAfter.Round(time.Second))
}

// RetryAfterSeconds returns the remaining lockout rounded up to whole seconds.
func (e *RateLimitedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// SessionLimitError reports that creating a session would exceed the
// account's tier ceiling. No write is performed when it is returned.
type SessionLimitError struct {
	Tier  Tier
	Limit int
}

func (e *SessionLimitError) Error() string {
	return fmt.Sprintf("auth: session limit of %d exceeded for %s tier", e.Limit, e.Tier)
}

// ConflictError reports a uniqueness violation during registration.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("auth: %s already in use", e.Field)
}

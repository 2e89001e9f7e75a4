package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/tickwell/tickwell/internal/models"
	"github.com/tickwell/tickwell/pkg/crypto"
	"github.com/tickwell/tickwell/pkg/metrics"
)

// SessionConfig describes tunable behaviour for the SessionService.
type SessionConfig struct {
	RefreshTokenTTL time.Duration
	Clock           func() time.Time
}

// SessionMetadata captures advisory provenance about the client. It is not
// part of any invariant.
type SessionMetadata struct {
	IPAddress  string
	DeviceName string
}

// SessionService owns the session lifecycle: tier-capped creation, lookup by
// bearer token, rotation, revocation and expiry sweeping. Session rows are
// mutated by this service only.
type SessionService struct {
	db         *gorm.DB
	tiers      *TierPolicy
	refreshTTL time.Duration
	now        func() time.Time

	// userLocks serialises the count-then-insert sequence per account so two
	// concurrent logins cannot both observe count = limit-1 and both insert.
	userLocks keyedMutex
}

// NewSessionService constructs a session manager backed by the provided
// database and tier policy.
func NewSessionService(db *gorm.DB, tiers *TierPolicy, cfg SessionConfig) (*SessionService, error) {
	if db == nil {
		return nil, errors.New("session service: db is required")
	}
	if tiers == nil {
		return nil, errors.New("session service: tier policy is required")
	}

	ttl := cfg.RefreshTokenTTL
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &SessionService{
		db:         db,
		tiers:      tiers,
		refreshTTL: ttl,
		now:        clock,
	}, nil
}

// Create hashes the supplied refresh token and inserts a new session for the
// user, provided the account's tier ceiling is not reached. It returns
// *SessionLimitError and performs no write when the ceiling is hit.
func (s *SessionService) Create(ctx context.Context, userID, refreshToken string, meta SessionMetadata) (*models.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("session service: user id is required")
	}
	if refreshToken == "" {
		return nil, errors.New("session service: refresh token is required")
	}

	tier, err := s.tiers.TierFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	limit := tier.SessionLimit()

	hash, err := crypto.HashToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("session service: hash refresh token: %w", err)
	}

	now := s.now()
	session := &models.Session{
		UserID:           userID,
		RefreshTokenHash: hash,
		IPAddress:        strings.TrimSpace(meta.IPAddress),
		DeviceName:       strings.TrimSpace(meta.DeviceName),
		ExpiresAt:        now.Add(s.refreshTTL),
		LastUsedAt:       now,
	}

	unlock := s.userLocks.lock(userID)
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Purging the account's own expired rows first is an optimisation;
		// the active count below excludes them regardless.
		if err := tx.Where("user_id = ? AND expires_at <= ?", userID, now).
			Delete(&models.Session{}).Error; err != nil {
			return fmt.Errorf("session service: purge expired: %w", err)
		}

		var active int64
		if err := tx.Model(&models.Session{}).
			Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, now).
			Count(&active).Error; err != nil {
			return fmt.Errorf("session service: count active: %w", err)
		}

		if active >= int64(limit) {
			return &SessionLimitError{Tier: tier, Limit: limit}
		}

		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("session service: create session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ActiveSessions.Inc()
	return session, nil
}

// FindActiveByRefreshToken locates the session whose stored digest the
// plaintext verifies against. The digest is salted and one-way, so there is
// no direct index; every active candidate is verified in turn. scopeUserID
// narrows the candidate set when the caller already knows the token's
// subject; narrowing only changes the cost, never the result. A miss returns
// (nil, nil).
func (s *SessionService) FindActiveByRefreshToken(ctx context.Context, refreshToken, scopeUserID string) (*models.Session, error) {
	if refreshToken == "" {
		return nil, nil
	}

	now := s.now()
	query := s.db.WithContext(ctx).
		Where("revoked_at IS NULL AND expires_at > ?", now).
		Order("last_used_at DESC")
	if scopeUserID != "" {
		query = query.Where("user_id = ?", scopeUserID)
	}

	var candidates []models.Session
	if err := query.Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("session service: load candidates: %w", err)
	}

	for i := range candidates {
		if crypto.VerifyToken(candidates[i].RefreshTokenHash, refreshToken) {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// Rotate replaces the session's token digest with that of the new plaintext
// and extends the expiry. The update is a single statement keyed by session
// id: when two refreshes race, both rotations apply atomically and the
// loser's token digest is simply overwritten, invalidating it on next use.
// The prior plaintext can never verify again.
func (s *SessionService) Rotate(ctx context.Context, sessionID, newRefreshToken string) error {
	if strings.TrimSpace(sessionID) == "" || newRefreshToken == "" {
		return errors.New("session service: session id and refresh token are required")
	}

	hash, err := crypto.HashToken(newRefreshToken)
	if err != nil {
		return fmt.Errorf("session service: hash refresh token: %w", err)
	}

	now := s.now()
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"refresh_token_hash": hash,
			"expires_at":         now.Add(s.refreshTTL),
			"last_used_at":       now,
		})
	if result.Error != nil {
		return fmt.Errorf("session service: rotate session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvalidToken
	}
	return nil
}

// Revoke marks a session revoked. Revoking an already-revoked or missing
// session is a no-op; revocation never reverts.
func (s *SessionService) Revoke(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}

	now := s.now()
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND revoked_at IS NULL", sessionID).
		Update("revoked_at", now)
	if result.Error != nil {
		return fmt.Errorf("session service: revoke session: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	}
	return nil
}

// RevokeAllForUser marks every currently-active session of the account as
// revoked ("sign out everywhere").
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("session service: user id is required")
	}

	now := s.now()
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", now)
	if result.Error != nil {
		return 0, fmt.Errorf("session service: revoke user sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// SweepExpired deletes sessions whose expiry has passed, revoked or not.
// It runs opportunistically before refresh lookups and on a fixed schedule.
// A row about to be rotated is by construction still active, so the sweep
// never conflicts with a concurrent rotation.
func (s *SessionService) SweepExpired(ctx context.Context) (int64, error) {
	now := s.now()

	var activeExpired int64
	if err := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("expires_at <= ? AND revoked_at IS NULL", now).
		Count(&activeExpired).Error; err != nil {
		return 0, fmt.Errorf("session service: count expired: %w", err)
	}

	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("session service: sweep expired: %w", result.Error)
	}

	if activeExpired > 0 {
		metrics.ActiveSessions.Sub(float64(activeExpired))
	}
	return result.RowsAffected, nil
}

// CountActive reports the number of active sessions for the account.
func (s *SessionService) CountActive(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, s.now()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("session service: count active: %w", err)
	}
	return count, nil
}

// ListForUser returns the account's sessions, most recently used first.
func (s *SessionService) ListForUser(ctx context.Context, userID string) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_used_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("session service: list sessions: %w", err)
	}
	return sessions, nil
}

// keyedMutex hands out one mutex per key, releasing the entry once the last
// holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Package twofactor issues and validates purpose-tagged one-time codes
// delivered by email. Codes are stored hashed and consumed on first use.
package twofactor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tickwell/tickwell/internal/models"
	"github.com/tickwell/tickwell/pkg/crypto"
	"github.com/tickwell/tickwell/pkg/logger"
	"github.com/tickwell/tickwell/pkg/mail"
	"github.com/tickwell/tickwell/pkg/metrics"
)

// Purpose scopes a code to the operation it was issued for. A code issued
// for one purpose never validates for another.
type Purpose string

const (
	PurposeLogin           Purpose = "login"
	PurposePasswordChange  Purpose = "password_change"
	PurposeAccountDeletion Purpose = "account_deletion"
)

const (
	// DefaultCodeTTL is how long an issued code stays valid.
	DefaultCodeTTL = 10 * time.Minute
	// codeDigits is the length of generated numeric codes.
	codeDigits = 6
)

// ErrCodeInvalid is returned when no live code matches, the code expired,
// was already consumed, or the digits do not verify.
var ErrCodeInvalid = errors.New("twofactor: invalid or expired code")

var purposeSubjects = map[Purpose]string{
	PurposeLogin:           "Your sign-in verification code",
	PurposePasswordChange:  "Your password change verification code",
	PurposeAccountDeletion: "Your account deletion verification code",
}

// Verifier issues and validates one-time codes.
type Verifier interface {
	// Issue generates a fresh code for (user, purpose), replacing any prior
	// live code, and delivers it to the user's email address.
	Issue(ctx context.Context, user *models.User, purpose Purpose) error
	// Validate consumes the live code for (user, purpose) when the supplied
	// digits verify. Failure returns ErrCodeInvalid and leaves the code
	// untouched so a typo does not burn it.
	Validate(ctx context.Context, userID string, purpose Purpose, code string) error
	// CleanupExpired removes expired and consumed code rows.
	CleanupExpired(ctx context.Context) (int64, error)
}

// Config tunes a CodeVerifier. Zero values fall back to defaults.
type Config struct {
	CodeTTL time.Duration
	Clock   func() time.Time
}

// CodeVerifier is the database-backed Verifier.
type CodeVerifier struct {
	db     *gorm.DB
	mailer mail.Mailer
	ttl    time.Duration
	now    func() time.Time
	log    *zap.Logger
}

// NewCodeVerifier constructs a verifier backed by the given store and mailer.
func NewCodeVerifier(db *gorm.DB, mailer mail.Mailer, cfg Config) (*CodeVerifier, error) {
	if db == nil {
		return nil, errors.New("twofactor: db is required")
	}
	if mailer == nil {
		return nil, errors.New("twofactor: mailer is required")
	}

	ttl := cfg.CodeTTL
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &CodeVerifier{
		db:     db,
		mailer: mailer,
		ttl:    ttl,
		now:    clock,
		log:    logger.WithModule("twofactor"),
	}, nil
}

// Issue implements Verifier.
func (v *CodeVerifier) Issue(ctx context.Context, user *models.User, purpose Purpose) error {
	if user == nil || user.ID == "" {
		return errors.New("twofactor: user is required")
	}
	if _, ok := purposeSubjects[purpose]; !ok {
		return fmt.Errorf("twofactor: unknown purpose %q", purpose)
	}

	code, err := crypto.GenerateNumericCode(codeDigits)
	if err != nil {
		return fmt.Errorf("twofactor: generate code: %w", err)
	}

	hash, err := crypto.HashToken(code)
	if err != nil {
		return fmt.Errorf("twofactor: hash code: %w", err)
	}

	now := v.now()
	record := &models.TwoFactorCode{
		UserID:    user.ID,
		Purpose:   string(purpose),
		CodeHash:  hash,
		ExpiresAt: now.Add(v.ttl),
	}

	err = v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND purpose = ?", user.ID, purpose).
			Delete(&models.TwoFactorCode{}).Error; err != nil {
			return fmt.Errorf("twofactor: supersede prior code: %w", err)
		}
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("twofactor: store code: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.TwoFactorCodes.WithLabelValues(string(purpose), "issued").Inc()

	msg := mail.Message{
		To:      []string{user.Email},
		Subject: purposeSubjects[purpose],
		Body: fmt.Sprintf(
			"Hello %s,\n\nYour verification code is: %s\n\nIt expires in %d minutes. If you did not request this, you can ignore this message.\n",
			user.Username, code, int(v.ttl.Minutes()),
		),
	}
	if err := v.mailer.Send(ctx, msg); err != nil {
		if errors.Is(err, mail.ErrSMTPDisabled) {
			v.log.Warn("smtp disabled, two-factor code not delivered",
				zap.String("user_id", user.ID),
				zap.String("purpose", string(purpose)))
			return nil
		}
		return fmt.Errorf("twofactor: deliver code: %w", err)
	}

	return nil
}

// Validate implements Verifier.
func (v *CodeVerifier) Validate(ctx context.Context, userID string, purpose Purpose, code string) error {
	code = strings.TrimSpace(code)
	if userID == "" || code == "" {
		return ErrCodeInvalid
	}

	var record models.TwoFactorCode
	err := v.db.WithContext(ctx).
		Where("user_id = ? AND purpose = ?", userID, purpose).
		Order("created_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCodeInvalid
		}
		return fmt.Errorf("twofactor: load code: %w", err)
	}

	now := v.now()
	if record.ConsumedAt != nil || !record.ExpiresAt.After(now) {
		return ErrCodeInvalid
	}
	if !crypto.VerifyToken(record.CodeHash, code) {
		metrics.TwoFactorCodes.WithLabelValues(string(purpose), "rejected").Inc()
		return ErrCodeInvalid
	}

	// Consume exactly once; a racing validation of the same code loses here.
	result := v.db.WithContext(ctx).Model(&models.TwoFactorCode{}).
		Where("id = ? AND consumed_at IS NULL", record.ID).
		Update("consumed_at", now)
	if result.Error != nil {
		return fmt.Errorf("twofactor: consume code: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCodeInvalid
	}

	metrics.TwoFactorCodes.WithLabelValues(string(purpose), "consumed").Inc()
	return nil
}

// CleanupExpired implements Verifier.
func (v *CodeVerifier) CleanupExpired(ctx context.Context) (int64, error) {
	result := v.db.WithContext(ctx).
		Where("expires_at <= ? OR consumed_at IS NOT NULL", v.now()).
		Delete(&models.TwoFactorCode{})
	if result.Error != nil {
		return 0, fmt.Errorf("twofactor: cleanup: %w", result.Error)
	}
	return result.RowsAffected, nil
}

package auth

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tickwell/tickwell/internal/models"
	"github.com/tickwell/tickwell/pkg/crypto"
	"github.com/tickwell/tickwell/pkg/mail"
)

type testClock struct {
	current time.Time
}

func (c *testClock) Now() time.Time {
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestClock() *testClock {
	return &testClock{current: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
}

func createTestUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()

	hashed, err := crypto.HashPassword("password")
	require.NoError(t, err)

	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: hashed,
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func setTwoFactor(t *testing.T, db *gorm.DB, user *models.User, enabled bool) {
	t.Helper()
	require.NoError(t, db.Model(user).Update("two_factor_enabled", enabled).Error)
	user.TwoFactorEnabled = enabled
}

func addSubscription(t *testing.T, db *gorm.DB, userID, plan string, periodEnd time.Time) {
	t.Helper()
	sub := &models.Subscription{
		UserID:           userID,
		Plan:             plan,
		Status:           models.SubscriptionStatusActive,
		CurrentPeriodEnd: periodEnd,
	}
	require.NoError(t, db.Create(sub).Error)
}

// captureMailer records outbound messages so tests can read delivered codes.
type captureMailer struct {
	messages []mail.Message
	err      error
}

func (m *captureMailer) Send(_ context.Context, msg mail.Message) error {
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msg)
	return nil
}

var codePattern = regexp.MustCompile(`\d{6}`)

func (m *captureMailer) lastCode(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, m.messages)
	code := codePattern.FindString(m.messages[len(m.messages)-1].Body)
	require.Len(t, code, 6)
	return code
}

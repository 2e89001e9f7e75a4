package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session is one refresh-token lineage for a user. The refresh token itself
// is never stored; RefreshTokenHash holds a salted one-way digest that is
// replaced wholesale on rotation, so the previous plaintext can never verify
// again.
type Session struct {
	ID               string     `gorm:"primaryKey;type:uuid" json:"id"`
	UserID           string     `gorm:"type:uuid;not null;index" json:"user_id"`
	User             *User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
	RefreshTokenHash string     `gorm:"not null" json:"-"`
	IPAddress        string     `json:"ip_address"`
	DeviceName       string     `json:"device_name"`
	ExpiresAt        time.Time  `gorm:"index" json:"expires_at"`
	LastUsedAt       time.Time  `json:"last_used_at"`
	CreatedAt        time.Time  `json:"created_at"`
	RevokedAt        *time.Time `json:"revoked_at"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Active reports whether the session can still be refreshed: not revoked
// and not past its expiry.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

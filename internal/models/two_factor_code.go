package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TwoFactorCode is a purpose-tagged one-time code. Only the bcrypt digest is
// stored; a code issued under one purpose never validates under another, and
// at most one live code exists per (user, purpose).
type TwoFactorCode struct {
	ID         string     `gorm:"primaryKey;type:uuid" json:"id"`
	UserID     string     `gorm:"type:uuid;not null;index:idx_two_factor_user_purpose" json:"user_id"`
	Purpose    string     `gorm:"not null;index:idx_two_factor_user_purpose" json:"purpose"`
	CodeHash   string     `gorm:"not null" json:"-"`
	ExpiresAt  time.Time  `gorm:"index" json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (c *TwoFactorCode) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

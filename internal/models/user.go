package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User describes a platform account. Password holds a bcrypt hash and is
// never serialised.
type User struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	Username string `gorm:"uniqueIndex;not null" json:"username"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Password string `gorm:"not null" json:"-"`

	EmailVerified    bool `gorm:"default:false" json:"email_verified"`
	TwoFactorEnabled bool `gorm:"default:true" json:"two_factor_enabled"`
	IsActive         bool `gorm:"default:true" json:"is_active"`

	Sessions      []Session      `gorm:"foreignKey:UserID" json:"-"`
	Subscriptions []Subscription `gorm:"foreignKey:UserID" json:"-"`

	LastLoginAt *time.Time `json:"last_login_at"`
	LastLoginIP string     `json:"last_login_ip"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// PublicProfile is the caller-visible projection of a user record.
type PublicProfile struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// Profile returns the public projection of the user.
func (u *User) Profile() PublicProfile {
	return PublicProfile{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
	}
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubscriptionStatusActive marks a subscription that currently entitles the
// account to its plan's tier.
const SubscriptionStatusActive = "active"

// Subscription records an account's paid plan. An account without an active
// subscription falls back to the base tier.
type Subscription struct {
	ID               string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID           string    `gorm:"type:uuid;not null;index" json:"user_id"`
	Plan             string    `gorm:"not null" json:"plan"`
	Status           string    `gorm:"not null;default:active" json:"status"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// ActiveAt reports whether the subscription entitles the account at the
// given instant. A zero CurrentPeriodEnd means no fixed end.
func (s *Subscription) ActiveAt(now time.Time) bool {
	if s.Status != SubscriptionStatusActive {
		return false
	}
	return s.CurrentPeriodEnd.IsZero() || s.CurrentPeriodEnd.After(now)
}

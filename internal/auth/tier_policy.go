package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tickwell/tickwell/internal/models"
)

// Tier names an account's subscription level.
type Tier string

// The closed set of tiers and their concurrent-session ceilings.
const (
	TierBase          Tier = "base"
	TierStandard      Tier = "standard"
	TierElevated      Tier = "elevated"
	TierInstitutional Tier = "institutional"
)

var tierSessionLimits = map[Tier]int{
	TierBase:          2,
	TierStandard:      5,
	TierElevated:      10,
	TierInstitutional: 50,
}

// SessionLimit returns the concurrent-session ceiling for the tier.
// Unknown tiers degrade to the base ceiling.
func (t Tier) SessionLimit() int {
	if limit, ok := tierSessionLimits[t]; ok {
		return limit
	}
	return tierSessionLimits[TierBase]
}

// TierPolicy derives an account's tier from its current active subscription.
type TierPolicy struct {
	db  *gorm.DB
	now func() time.Time
}

// NewTierPolicy constructs a policy backed by the subscription store.
func NewTierPolicy(db *gorm.DB, clock func() time.Time) (*TierPolicy, error) {
	if db == nil {
		return nil, fmt.Errorf("tier policy: db is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &TierPolicy{db: db, now: clock}, nil
}

// TierFor resolves the account's tier: the plan of its active subscription,
// or the base tier when none is active.
func (p *TierPolicy) TierFor(ctx context.Context, userID string) (Tier, error) {
	var subs []models.Subscription
	if err := p.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.SubscriptionStatusActive).
		Order("created_at DESC").
		Find(&subs).Error; err != nil {
		return TierBase, fmt.Errorf("tier policy: load subscriptions: %w", err)
	}

	now := p.now()
	for i := range subs {
		if !subs[i].ActiveAt(now) {
			continue
		}
		switch Tier(strings.ToLower(subs[i].Plan)) {
		case TierStandard:
			return TierStandard, nil
		case TierElevated:
			return TierElevated, nil
		case TierInstitutional:
			return TierInstitutional, nil
		}
	}

	return TierBase, nil
}

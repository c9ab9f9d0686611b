package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	SubscriptionStatusActive = "active"
	FreePlanSlug             = "free"
)

// Subscription is a user's paid entitlement. Rows are never deleted on expiry;
// every admission re-checks CurrentPeriodEnd against the current time.
type Subscription struct {
	ID                 uuid.UUID  `db:"id"                   json:"id"`
	UserID             uuid.UUID  `db:"user_id"              json:"user_id"`
	PlanID             uuid.UUID  `db:"plan_id"              json:"plan_id"`
	Status             string     `db:"status"               json:"status"`
	CurrentPeriodStart time.Time  `db:"current_period_start" json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `db:"current_period_end"   json:"current_period_end"`
	ScansUsed          int        `db:"scans_used"           json:"scans_used"`
	CreditsRemaining   *int       `db:"credits_remaining"    json:"credits_remaining"`
	CreditsExpiresAt   *time.Time `db:"credits_expires_at"   json:"credits_expires_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"           json:"updated_at"`
}

// UsableAt reports whether the subscription grants paid access at now.
func (s *Subscription) UsableAt(now time.Time) bool {
	return s.Status == SubscriptionStatusActive && !s.CurrentPeriodEnd.Before(now)
}

// Credits returns the remaining balance, treating NULL as zero.
func (s *Subscription) Credits() int {
	if s.CreditsRemaining == nil {
		return 0
	}
	return *s.CreditsRemaining
}

// Plan is a read-only catalog entry.
type Plan struct {
	ID                   uuid.UUID `db:"id"                     json:"id"`
	Name                 string    `db:"name"                   json:"name"`
	Slug                 string    `db:"slug"                   json:"slug"`
	Credits              *int      `db:"credits"                json:"credits"`
	ScansPerDay          *int      `db:"scans_per_day"          json:"scans_per_day"`
	CreditExpirationDays *int      `db:"credit_expiration_days" json:"credit_expiration_days,omitempty"`
}

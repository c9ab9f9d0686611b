package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	LicenseKeyAvailable = "available"
	LicenseKeyClaimed   = "claimed"
	LicenseKeyExpired   = "expired"
	LicenseKeyRevoked   = "revoked"
)

// LicenseKey activates a plan for the user who claims it.
type LicenseKey struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	KeyCode      string     `db:"key_code"      json:"key_code"`
	PlanID       uuid.UUID  `db:"plan_id"       json:"plan_id"`
	DurationDays int        `db:"duration_days" json:"duration_days"`
	Status       string     `db:"status"        json:"status"`
	ClaimedBy    *uuid.UUID `db:"claimed_by"    json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time `db:"claimed_at"    json:"claimed_at,omitempty"`
	ExpiresAt    *time.Time `db:"expires_at"    json:"expires_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}

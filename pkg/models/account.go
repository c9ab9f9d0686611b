package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is an external detection API credential with its own concurrency cap.
// Accounts are provisioned by admins; the dispatcher only bumps the counters.
type Account struct {
	ID             uuid.UUID `db:"id"              json:"id"`
	Label          string    `db:"label"           json:"label"`
	BearerToken    string    `db:"bearer_token"    json:"-"`
	IsActive       bool      `db:"is_active"       json:"is_active"`
	MaxConcurrent  int       `db:"max_concurrent"  json:"max_concurrent"`
	MaxRetries     *int      `db:"max_retries"     json:"max_retries,omitempty"`
	TotalRequests  int       `db:"total_requests"  json:"total_requests"`
	FailedRequests int       `db:"failed_requests" json:"failed_requests"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updated_at"`
}

// RetryLimit returns the account's retry ceiling, or def when unset.
func (a *Account) RetryLimit(def int) int {
	if a.MaxRetries != nil {
		return *a.MaxRetries
	}
	return def
}

// CoreAccount is a CORE (core.ac.uk) search API key used by the plagiarism
// processor. The least used active account serves each invocation.
type CoreAccount struct {
	ID             uuid.UUID `db:"id"              json:"id"`
	Label          string    `db:"label"           json:"label"`
	APIKey         string    `db:"api_key"         json:"-"`
	IsActive       bool      `db:"is_active"       json:"is_active"`
	TotalRequests  int       `db:"total_requests"  json:"total_requests"`
	FailedRequests int       `db:"failed_requests" json:"failed_requests"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updated_at"`
}

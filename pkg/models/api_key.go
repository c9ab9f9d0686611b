package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Key scopes. admin reaches every admin route; dispatch only the dispatch
// triggers, for schedulers.
const (
	ScopeAdmin    = "admin"
	ScopeDispatch = "dispatch"
)

// KeyPrefixLen is how many leading characters of a raw key are stored in
// clear for lookup.
const KeyPrefixLen = 8

// APIKey authenticates admin tooling and schedulers.
// Raw keys are shown once at creation; only the bcrypt hash is stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}

// HasAnyScope reports whether the key was granted at least one of scopes.
func (k *APIKey) HasAnyScope(scopes ...string) bool {
	return HasAnyScope(k.Scopes, scopes...)
}

// HasAnyScope reports whether granted contains at least one of want.
func HasAnyScope(granted []string, want ...string) bool {
	for _, s := range want {
		if slices.Contains(granted, s) {
			return true
		}
	}
	return false
}

// ValidScope reports whether s is a scope the API understands.
func ValidScope(s string) bool {
	return s == ScopeAdmin || s == ScopeDispatch
}

package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	userIDKey       contextKey = "user_id"
	principalKey    contextKey = "principal"
	apiKeyScopesKey contextKey = "api_key_scopes"
	requestInfoKey  contextKey = "request_info"
)

// requestInfo collects per-request details for the access log line. Logger
// installs it before auth runs, so it is shared by every derived context.
type requestInfo struct {
	principal string
}

func withRequestInfo(ctx context.Context) (context.Context, *requestInfo) {
	info := &requestInfo{}
	return context.WithValue(ctx, requestInfoKey, info), info
}

func principalOf(ctx context.Context) string {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		return info.principal
	}
	return ""
}

// SetUserID stores the authenticated end user's id.
func SetUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// GetUserID returns the end user set by the session middleware.
func GetUserID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(userIDKey).(uuid.UUID)
	return id, ok
}

func setPrincipal(ctx context.Context, principal string) context.Context {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		info.principal = principal
	}
	return context.WithValue(ctx, principalKey, principal)
}

func getPrincipal(r *http.Request) (string, bool) {
	p, ok := r.Context().Value(principalKey).(string)
	return p, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}

// ExportedPrincipalKey returns the context key for the rate-limit principal (for testing).
func ExportedPrincipalKey() contextKey {
	return principalKey
}

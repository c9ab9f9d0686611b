package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/scopelens/internal/api/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionRequest(token string) *http.Request {
	req := httptest.NewRequest("GET", "/test", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestSession_ValidToken(t *testing.T) {
	s := mw.NewSession("secret", "scopelens")
	userID := uuid.New()
	token, err := s.Sign(userID, time.Hour)
	require.NoError(t, err)

	var got uuid.UUID
	var ok bool
	mc := &mockCounter{}
	handler := s.Authenticate(mw.NewRateLimit(mc, 60).Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = mw.GetUserID(r)
		w.WriteHeader(http.StatusOK)
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, sessionRequest(token))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ok)
	assert.Equal(t, userID, got)
	assert.Equal(t, []string{"ratelimit:user:" + userID.String()}, mc.keys)
}

func TestSession_MissingToken(t *testing.T) {
	w := httptest.NewRecorder()
	mw.NewSession("secret", "").Authenticate(okHandler()).ServeHTTP(w, sessionRequest(""))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errBody(t, w)["code"])
}

func TestSession_Rejects(t *testing.T) {
	userID := uuid.New()
	sign := func(t *testing.T, method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
		t.Helper()
		token, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return token
	}
	valid := jwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    "scopelens",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"wrong secret", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodHS256, []byte("other"), valid)
		}},
		{"expired", func(t *testing.T) string {
			c := valid
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
			return sign(t, jwt.SigningMethodHS256, []byte("secret"), c)
		}},
		{"no expiry", func(t *testing.T) string {
			c := valid
			c.ExpiresAt = nil
			return sign(t, jwt.SigningMethodHS256, []byte("secret"), c)
		}},
		{"wrong issuer", func(t *testing.T) string {
			c := valid
			c.Issuer = "someone-else"
			return sign(t, jwt.SigningMethodHS256, []byte("secret"), c)
		}},
		{"subject not a uuid", func(t *testing.T) string {
			c := valid
			c.Subject = "alice"
			return sign(t, jwt.SigningMethodHS256, []byte("secret"), c)
		}},
		{"unsigned", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid)
		}},
		{"garbage", func(*testing.T) string { return "not.a.jwt" }},
	}

	s := mw.NewSession("secret", "scopelens")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			s.Authenticate(okHandler()).ServeHTTP(w, sessionRequest(tt.token(t)))
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

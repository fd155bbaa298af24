package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminJWT_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		secret string
		header string
	}{
		{name: "no secret configured", secret: "", header: "Bearer " + signAdmin(t, "secret", time.Minute, jwt.SigningMethodHS256)},
		{name: "missing header", secret: "secret"},
		{name: "not bearer", secret: "secret", header: "Basic abc"},
		{name: "wrong key", secret: "secret", header: "Bearer " + signAdmin(t, "wrong", time.Minute, jwt.SigningMethodHS256)},
		{name: "expired", secret: "secret", header: "Bearer " + signAdmin(t, "secret", -time.Hour, jwt.SigningMethodHS256)},
		{name: "no expiry", secret: "secret", header: "Bearer " + signAdmin(t, "secret", 0, jwt.SigningMethodHS256)},
		{name: "other hmac alg", secret: "secret", header: "Bearer " + signAdmin(t, "secret", time.Minute, jwt.SigningMethodHS512)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/tenants", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			called := false
			AdminJWT(tc.secret)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				called = true
			})).ServeHTTP(rec, req)

			assert.False(t, called)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestAdminJWT_ValidToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin/tenants", nil)
	req.Header.Set("Authorization", "Bearer "+signAdmin(t, "secret", 5*time.Minute, jwt.SigningMethodHS256))
	rec := httptest.NewRecorder()

	var subject string
	AdminJWT("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := AdminClaimsFromContext(r.Context())
		require.True(t, ok)
		subject = claims.Subject
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "ops", subject)
}

func signAdmin(t *testing.T, secret string, ttl time.Duration, method jwt.SigningMethod) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "ops"}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

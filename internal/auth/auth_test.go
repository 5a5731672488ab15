package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-unit-tests-only"

func newVerifier(t *testing.T, opts ...Option) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret, opts...)
	require.NoError(t, err)
	return v
}

func TestIssueAndParse(t *testing.T) {
	v := newVerifier(t, WithIssuer("medsim"))
	tok, err := v.Issue("u-42", "Dana")
	require.NoError(t, err)

	uid, err := v.UserID(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "u-42", uid)

	c, err := v.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "Dana", c.Name)
}

func TestParseRejects(t *testing.T) {
	v := newVerifier(t, WithIssuer("medsim"))
	now := time.Now()

	sign := func(claims jwt.Claims, method jwt.SigningMethod, key any) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{
		Subject:   "u1",
		Issuer:    "medsim",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	noExp := valid
	noExp.ExpiresAt = nil
	otherIss := valid
	otherIss.Issuer = "someone-else"
	noSub := valid
	noSub.Subject = ""

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", sign(valid, jwt.SigningMethodHS256, []byte("other"))},
		{"expired", sign(expired, jwt.SigningMethodHS256, []byte(testSecret))},
		{"no expiry", sign(noExp, jwt.SigningMethodHS256, []byte(testSecret))},
		{"wrong issuer", sign(otherIss, jwt.SigningMethodHS256, []byte(testSecret))},
		{"no subject", sign(noSub, jwt.SigningMethodHS256, []byte(testSecret))},
		{"wrong algorithm", sign(valid, jwt.SigningMethodHS512, []byte(testSecret))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.UserID(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewVerifierEmptySecret(t *testing.T) {
	_, err := NewVerifier("")
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer", "", false},
		{"Bearer   ", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := BearerToken(tt.header)
		if tt.ok {
			assert.NoError(t, err, tt.header)
			assert.Equal(t, tt.want, got)
		} else {
			assert.ErrorIs(t, err, ErrMissingToken, tt.header)
		}
	}
}

func TestMiddleware(t *testing.T) {
	v := newVerifier(t)
	tok, err := v.Issue("u-7", "")
	require.NoError(t, err)

	var seen string
	h := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + tok, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	assert.Equal(t, "u-7", seen)
}

package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/faceflex/membership/pkg/config"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func newLocalResolver(t *testing.T) Resolver {
	t.Helper()
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = testSecret
	return NewService(cfg, zap.NewNop().Sugar())
}

func TestResolve_LocalVerification(t *testing.T) {
	r := newLocalResolver(t)

	token := signToken(t, testSecret, accessClaims{
		Email: "jo@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	u, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "user-1", u.ID)
	require.Equal(t, "jo@example.com", u.Email)
}

func TestResolve_LocalVerificationFailures(t *testing.T) {
	r := newLocalResolver(t)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt"},
		{
			name: "wrong secret",
			token: signToken(t, "other-secret", jwt.RegisteredClaims{
				Subject:   "user-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			}),
		},
		{
			name: "expired token",
			token: signToken(t, testSecret, jwt.RegisteredClaims{
				Subject:   "user-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			}),
		},
		{
			name: "missing subject",
			token: signToken(t, testSecret, jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.token)
			require.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestResolve_RemoteIntrospection(t *testing.T) {
	var gotAuth, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("apikey")
		if gotAuth != "Bearer tok123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"user-9","email":"a@b.c"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.Auth.BaseURL = srv.URL
	cfg.Auth.AnonKey = "anon-key"
	r := NewService(cfg, zap.NewNop().Sugar())

	u, err := r.Resolve(context.Background(), "tok123")
	require.NoError(t, err)
	require.Equal(t, "user-9", u.ID)
	require.Equal(t, "Bearer tok123", gotAuth)
	require.Equal(t, "anon-key", gotAPIKey)

	_, err = r.Resolve(context.Background(), "bad-token")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

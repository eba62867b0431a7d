package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/faceflex/membership/pkg/config"
	"github.com/faceflex/membership/pkg/logctx"
)

// ErrUnauthenticated is returned whenever a token cannot be exchanged for a
// user: expired or malformed tokens, auth backend 4xx, and network failures
// all collapse into it. Introspection is never retried.
var ErrUnauthenticated = errors.New("authentication required")

// User is the identity attached to a bearer token.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Resolver exchanges bearer tokens for user identities.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*User, error)
}

type Service struct {
	cfg  *config.Config
	log  *zap.SugaredLogger
	http *http.Client
}

func NewService(cfg *config.Config, log *zap.SugaredLogger) Resolver {
	return &Service{
		cfg: cfg,
		log: log,
		// the source relied on client defaults; an explicit timeout bounds
		// introspection calls instead
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Resolve verifies the token locally when a JWT secret is configured,
// otherwise calls the auth backend's introspection endpoint.
func (s *Service) Resolve(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	if s.cfg.Auth.JWTSecret != "" {
		return s.resolveLocal(ctx, token)
	}
	return s.resolveRemote(ctx, token)
}

// accessClaims is the subset of the auth backend's HS256 token we care about.
type accessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func (s *Service) resolveLocal(ctx context.Context, token string) (*User, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.Auth.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		logctx.FromCtx(ctx, s.log).Infow("token verification failed", "err", err)
		return nil, ErrUnauthenticated
	}
	if claims.Subject == "" {
		return nil, ErrUnauthenticated
	}
	return &User{ID: claims.Subject, Email: claims.Email}, nil
}

func (s *Service) resolveRemote(ctx context.Context, token string) (*User, error) {
	if s.cfg.Auth.BaseURL == "" {
		return nil, fmt.Errorf("auth base_url is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Auth.BaseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build introspection request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", s.cfg.Auth.AnonKey)

	resp, err := s.http.Do(req)
	if err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("introspection request failed", "err", err)
		return nil, ErrUnauthenticated
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		logctx.FromCtx(ctx, s.log).Infow("introspection rejected token", "status", resp.StatusCode)
		return nil, ErrUnauthenticated
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, ErrUnauthenticated
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil || u.ID == "" {
		return nil, ErrUnauthenticated
	}
	return &u, nil
}

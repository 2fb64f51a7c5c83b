// Package auth provides bearer tokens for the dataset collaborator API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrNoToken is returned when a source has no token to offer.
var ErrNoToken = errors.New("no bearer token available")

// TokenSource yields the bearer token attached to dataset requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken is a fixed, externally issued token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// JWTConfig configures a JWTSource.
type JWTConfig struct {
	// Secret is the HMAC key shared with the collaborator API
	Secret []byte

	// Subject identifies the caller (the "sub" claim)
	Subject string

	// Issuer is the "iss" claim, optional
	Issuer string

	// Audience is the "aud" claim, optional
	Audience string

	// TTL is the lifetime of a minted token. Default 15 minutes.
	TTL time.Duration

	// RefreshBefore re-mints a token this long before it expires. Default 30 seconds.
	RefreshBefore time.Duration
}

// JWTSource mints HS256 service tokens and reuses them until they near expiry.
type JWTSource struct {
	cfg JWTConfig
	now func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewJWTSource validates cfg and returns a token source.
func NewJWTSource(cfg JWTConfig) (*JWTSource, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}
	if cfg.Subject == "" {
		return nil, fmt.Errorf("jwt subject cannot be empty")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.RefreshBefore <= 0 {
		cfg.RefreshBefore = 30 * time.Second
	}
	if cfg.RefreshBefore >= cfg.TTL {
		cfg.RefreshBefore = cfg.TTL / 2
	}
	return &JWTSource{cfg: cfg, now: time.Now}, nil
}

// Token implements TokenSource.
func (s *JWTSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Before(s.expires.Add(-s.cfg.RefreshBefore)) {
		return s.token, nil
	}

	expires := now.Add(s.cfg.TTL)
	claims := jwt.RegisteredClaims{
		Subject:   s.cfg.Subject,
		Issuer:    s.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	s.token = signed
	s.expires = expires
	return signed, nil
}

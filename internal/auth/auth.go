// Package auth is the client's boundary to session credentials: it supplies
// bearer tokens to outgoing requests and forgets them on sign-out.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrSignedOut is returned when no credential is held.
	ErrSignedOut = errors.New("not signed in")
	// ErrTokenExpired is returned for a JWT whose exp claim has passed.
	ErrTokenExpired = errors.New("token expired")
)

// Claims are the JWT claims understood by the replay backend.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scope,omitempty"`
}

// TokenSource supplies the bearer token for a request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Authenticator is a TokenSource that can be signed out.
type Authenticator interface {
	TokenSource
	SignOut(ctx context.Context) error
}

// MemoryAuthenticator keeps one bearer token in memory.
type MemoryAuthenticator struct {
	mu    sync.RWMutex
	token string
	now   func() time.Time

	// OnSignOut, when set, runs after the token has been cleared.
	OnSignOut func()
}

// NewMemoryAuthenticator holds token. An empty token starts signed out.
func NewMemoryAuthenticator(token string) *MemoryAuthenticator {
	return &MemoryAuthenticator{token: token, now: time.Now}
}

// Token returns the held token. JWTs are checked for expiry without
// verifying the signature, which only the server can do; opaque tokens are
// passed through.
func (a *MemoryAuthenticator) Token(_ context.Context) (string, error) {
	a.mu.RLock()
	token := a.token
	a.mu.RUnlock()

	if token == "" {
		return "", ErrSignedOut
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return token, nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(a.now()) {
		return "", ErrTokenExpired
	}
	return token, nil
}

// SetToken replaces the held token.
func (a *MemoryAuthenticator) SetToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
}

// SignedIn reports whether a token is held.
func (a *MemoryAuthenticator) SignedIn() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token != ""
}

// SignOut forgets the token.
func (a *MemoryAuthenticator) SignOut(_ context.Context) error {
	a.mu.Lock()
	a.token = ""
	hook := a.OnSignOut
	a.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// VerifyToken checks an HS256 token signed with secret and returns its
// claims.
func VerifyToken(secret, token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// MintDevToken signs an HS256 token for userID, as accepted by the replay
// backend's auth middleware.
func MintDevToken(secret, userID string, ttl time.Duration, scopes ...string) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

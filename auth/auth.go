// Package auth issues and validates bearer tokens and hashes passwords.
// Tokens are opaque to the rest of the system: the routers only ever call
// Validate and receive an identity or an explicit invalid result.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/cyberinferno/chat-server/cacher"
)

// ErrInvalidToken is returned by Validate for malformed, expired, revoked, or
// otherwise unverifiable tokens. Callers must not distinguish further; the
// token contract is identity-or-invalid.
var ErrInvalidToken = errors.New("auth: invalid token")

// revocationCacheTTL bounds how long a not-revoked verdict may be reused
// before the store is consulted again.
const revocationCacheTTL = 30 * time.Second

// Revocations is the slice of the store the token manager needs. The full
// store.Store satisfies it.
type Revocations interface {
	RevokeToken(ctx context.Context, token string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, token string) (bool, error)
}

// claims is the token payload: the identity's email plus the registered
// issuer/expiry set.
type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Manager issues HS256 bearer tokens carrying an email identity claim and
// validates them against signature, issuer, expiry, and the revocation list.
type Manager struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	revocations Revocations
	cache       cacher.Cacher[bool]
}

// NewManager creates a token Manager.
//
// Parameters:
//   - secret: HMAC signing key
//   - issuer: Issuer claim stamped on and required of every token
//   - ttl: Token lifetime from issue
//   - revocations: Revocation store; may be nil to disable revocation checks
//   - cache: Optional cache for revocation lookups; may be nil
//
// Returns:
//   - A ready *Manager
func NewManager(secret []byte, issuer string, ttl time.Duration, revocations Revocations, cache cacher.Cacher[bool]) *Manager {
	return &Manager{
		secret:      secret,
		issuer:      issuer,
		ttl:         ttl,
		revocations: revocations,
		cache:       cache,
	}
}

// GenerateToken issues a signed token for the identity.
//
// Parameters:
//   - email: The identity claim embedded in the token
//
// Returns:
//   - The signed compact token string, or an error if signing fails
func (m *Manager) GenerateToken(email string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// Validate checks a bearer token and returns the identity it carries.
//
// Parameters:
//   - ctx: Context for the revocation lookup
//   - token: The compact token string, without any scheme prefix
//
// Returns:
//   - The identity (email claim), or ErrInvalidToken
func (m *Manager) Validate(ctx context.Context, token string) (string, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}

		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid || c.Email == "" {
		return "", ErrInvalidToken
	}

	revoked, err := m.isRevoked(ctx, token)
	if err != nil {
		return "", fmt.Errorf("revocation check failed: %w", err)
	}

	if revoked {
		return "", ErrInvalidToken
	}

	return c.Email, nil
}

// Revoke marks a token invalid for the remainder of its lifetime and drops
// any cached not-revoked verdict for it.
//
// Parameters:
//   - ctx: Context for the store write
//   - token: The compact token string to revoke
//
// Returns:
//   - An error if the revocation could not be recorded
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if m.revocations == nil {
		return nil
	}

	expiresAt := time.Now().Add(m.ttl)
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err == nil && c.ExpiresAt != nil {
		expiresAt = c.ExpiresAt.Time
	}

	if err := m.revocations.RevokeToken(ctx, token, expiresAt); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	if m.cache != nil {
		_ = m.cache.Delete(ctx, revocationKey(token))
	}

	return nil
}

// isRevoked consults the revocation store, through the cache when configured.
func (m *Manager) isRevoked(ctx context.Context, token string) (bool, error) {
	if m.revocations == nil {
		return false, nil
	}

	if m.cache == nil {
		return m.revocations.IsTokenRevoked(ctx, token)
	}

	return m.cache.GetOrFetch(ctx, revocationKey(token), revocationCacheTTL, func(ctx context.Context) (bool, error) {
		return m.revocations.IsTokenRevoked(ctx, token)
	})
}

// revocationKey namespaces revocation cache entries.
func revocationKey(token string) string {
	return "revoked:" + token
}

// HashPassword hashes a plaintext password with bcrypt at the default cost.
//
// Returns:
//   - The hash string to persist, or an error from bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	return string(hash), nil
}

// CheckPassword reports whether the plaintext password matches the stored
// bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer   = "fieldops"
	DefaultTokenTTL = 7 * 24 * time.Hour
	minSecretLength = 16
)

// Claims represents JWT claims used across the service.
type Claims struct {
	Role  Role   `json:"role"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Principal returns the authenticated identity carried by the claims.
func (c *Claims) Principal() AuthenticatedPrincipal {
	return AuthenticatedPrincipal{ID: c.Subject, Email: c.Email, Role: c.Role}
}

// Expiry returns the expiry time or the zero time when absent.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Tokens issues and verifies HS256 session tokens. Verification consults the
// revocation ledger only after the signature and expiry checks pass.
type Tokens struct {
	secret   []byte
	issuer   string
	ttl      time.Duration
	now      func() time.Time
	ledger   RevocationLedger
	liveness CredentialStore
}

// TokenOption configures Tokens.
type TokenOption func(*Tokens)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(t *Tokens) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			t.issuer = issuer
		}
	}
}

// WithTTL sets the default token lifetime.
func WithTTL(ttl time.Duration) TokenOption {
	return func(t *Tokens) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(t *Tokens) {
		if fn != nil {
			t.now = fn
		}
	}
}

// WithLivenessCheck makes Verify reject tokens whose principal no longer exists.
func WithLivenessCheck(store CredentialStore) TokenOption {
	return func(t *Tokens) {
		t.liveness = store
	}
}

// NewTokens constructs a token issuer/verifier backed by ledger.
func NewTokens(secret string, ledger RevocationLedger, opts ...TokenOption) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("auth: token secret must be at least %d bytes", minSecretLength)
	}
	if ledger == nil {
		return nil, errors.New("auth: revocation ledger is required")
	}
	t := &Tokens{
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    DefaultTokenTTL,
		now:    time.Now,
		ledger: ledger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Issue signs a token for the principal. A non-positive ttl selects the default.
func (t *Tokens) Issue(p AuthenticatedPrincipal, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(p.ID) == "" {
		return "", time.Time{}, errors.New("auth: principal id is required")
	}
	if !p.Role.Valid() {
		return "", time.Time{}, fmt.Errorf("auth: cannot issue token for role %s", p.Role)
	}
	if ttl <= 0 {
		ttl = t.ttl
	}
	now := t.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Role:  p.Role,
		Email: p.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	// NumericDate truncates to seconds; report what the token actually says.
	return signed, claims.ExpiresAt.Time, nil
}

// Verify checks signature, expiry and the revocation ledger, in that order.
func (t *Tokens) Verify(ctx context.Context, token string) (*Claims, error) {
	claims, err := t.parse(token)
	if err != nil {
		return nil, err
	}
	revoked, err := t.ledger.IsRevoked(ctx, Fingerprint(token), t.now())
	if err != nil {
		return nil, transient("check revocation", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	if t.liveness != nil {
		if _, err := t.liveness.Find(ctx, claims.Subject); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrTokenRevoked
			}
			return nil, transient("check principal", err)
		}
	}
	return claims, nil
}

func (t *Tokens) parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}
	if err := validateClaims(claims); err != nil {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

func validateClaims(claims *Claims) error {
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if !claims.Role.Valid() {
		return errors.New("role missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

// Decode reads claims without checking the signature. It is only used after
// middleware has already verified the same token.
func (t *Tokens) Decode(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), claims); err != nil {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// TTL returns the default token lifetime.
func (t *Tokens) TTL() time.Duration { return t.ttl }

// Fingerprint is the SHA-256 hex digest stored instead of raw secrets.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Package token issues and verifies compact HMAC-SHA256 bearer tokens scoped to a tenant.
package token

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/notikeeper/internal/errs"
)

// Type is the token scope.
type Type string

const (
	// TypeTenant authorizes end-user facing operations.
	TypeTenant Type = "tenant"
	// TypeCron authorizes only the dispatch trigger.
	TypeCron Type = "cron"
)

// Version is the only accepted payload version.
const Version = 1

// DefaultTTL is the lifetime of issued tokens when none is configured.
const DefaultTTL = 30 * 24 * time.Hour

// Claims is the token payload.
type Claims struct {
	TenantID  string           `json:"tid"`
	Type      Type             `json:"typ"`
	IssuedAt  *jwt.NumericDate `json:"iat,omitempty"`
	ExpiresAt *jwt.NumericDate `json:"exp"`
	Version   int              `json:"v"`
}

var _ jwt.Claims = (*Claims)(nil)

func (c *Claims) GetExpirationTime() (*jwt.NumericDate, error) { return c.ExpiresAt, nil }
func (c *Claims) GetIssuedAt() (*jwt.NumericDate, error)       { return c.IssuedAt, nil }
func (c *Claims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c *Claims) GetIssuer() (string, error)                   { return "", nil }
func (c *Claims) GetSubject() (string, error)                  { return c.TenantID, nil }
func (c *Claims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

// Validate is called by the parser after the registered-claim checks.
func (c *Claims) Validate() error {
	switch {
	case c.TenantID == "":
		return errors.New("missing tid")
	case c.Type != TypeTenant && c.Type != TypeCron:
		return errors.New("bad typ")
	case c.Version != Version:
		return errors.New("bad version")
	}
	return nil
}

// Issuer signs and verifies tokens with one secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer constructs an Issuer for the given signing secret.
func NewIssuer(secret []byte) *Issuer {
	return &Issuer{secret: secret, now: time.Now}
}

// Issue signs a token for tenantID of the given type valid for ttl.
func (i *Issuer) Issue(tenantID string, typ Type, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := i.now()
	claims := &Claims{
		TenantID:  tenantID,
		Type:      typ,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Version:   Version,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, structure, expiry and scope. When expected is
// non-empty the token type must be one of them. Every rejection is the same
// opaque errs.ErrUnauthorized.
func (i *Issuer) Verify(raw string, expected ...Type) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, errs.ErrUnauthorized
	}
	if len(expected) > 0 && !slices.Contains(expected, claims.Type) {
		return nil, errs.ErrUnauthorized
	}
	return &claims, nil
}

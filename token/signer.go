package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultAccessTokenTTL is the lifetime of access tokens when none is configured.
const DefaultAccessTokenTTL = time.Hour

// AccessClaims is the payload of access tokens minted by the built-in issuer.
type AccessClaims struct {
	Email    string   `json:"email,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	Scope    string   `json:"scope,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// Subject describes who an access token is issued to.
type Subject struct {
	UserID   string
	Email    string
	Groups   []string
	Scope    string
	ClientID string
}

// Signer mints RS256 access tokens for the built-in issuer.
type Signer struct {
	keys     *KeyManager
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewSigner creates a signer. A zero ttl uses DefaultAccessTokenTTL.
func NewSigner(keys *KeyManager, issuer, audience string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	return &Signer{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock replaces the clock used for iat and exp.
func (s *Signer) SetClock(now func() time.Time) { s.now = now }

// TTL returns the access token lifetime.
func (s *Signer) TTL() time.Duration { return s.ttl }

// Issuer returns the iss claim of minted tokens.
func (s *Signer) Issuer() string { return s.issuer }

// Sign mints an access token for sub and returns it with its expiry.
func (s *Signer) Sign(sub Subject) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := AccessClaims{
		Email:    sub.Email,
		Groups:   sub.Groups,
		Scope:    sub.Scope,
		ClientID: sub.ClientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sub.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.keys.KeyID()

	signed, err := tok.SignedString(s.keys.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

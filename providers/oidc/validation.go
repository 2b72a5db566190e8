package oidc

import (
	"fmt"
	"net"
	"net/url"

	"github.com/giantswarm/mcp-gateway-auth/internal/util"
)

// Limits applied to claims taken from external tokens.
const (
	MaxScopes      = 50
	MaxGroups      = 100
	MaxClaimLength = 256
)

// ValidateIssuerURL checks that an issuer URL is safe to fetch: HTTPS, a
// hostname, and no loopback, private, link-local or unspecified IP literal.
// Hostnames are not resolved.
func ValidateIssuerURL(issuerURL string) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("issuer URL must use HTTPS, got %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}

	if ip := net.ParseIP(host); ip != nil {
		switch util.ClassifyIP(ip) {
		case util.IPClassificationLoopback:
			return fmt.Errorf("issuer URL must not point to loopback addresses")
		case util.IPClassificationPrivate:
			return fmt.Errorf("issuer URL must not point to private IP ranges")
		case util.IPClassificationLinkLocal:
			return fmt.Errorf("issuer URL must not point to link-local addresses")
		case util.IPClassificationUnspecified:
			return fmt.Errorf("issuer URL must not point to unspecified addresses")
		}
	}

	return nil
}

// ValidateScopes bounds the number and size of scopes.
func ValidateScopes(scopes []string) error {
	if len(scopes) > MaxScopes {
		return fmt.Errorf("scopes exceed maximum of %d items (got %d)", MaxScopes, len(scopes))
	}

	for i, scope := range scopes {
		if scope == "" {
			return fmt.Errorf("scope at index %d is empty", i)
		}
		if len(scope) > MaxClaimLength {
			return fmt.Errorf("scope at index %d exceeds maximum length of %d characters", i, MaxClaimLength)
		}
	}

	return nil
}

// ValidateGroups bounds the number and size of group names in a groups claim.
func ValidateGroups(groups []string) error {
	if len(groups) > MaxGroups {
		return fmt.Errorf("groups claim exceeds maximum of %d items (got %d)", MaxGroups, len(groups))
	}

	for i, group := range groups {
		if len(group) > MaxClaimLength {
			return fmt.Errorf("group at index %d exceeds maximum length of %d characters", i, MaxClaimLength)
		}
	}

	return nil
}

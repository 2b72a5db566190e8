package providers

import (
	"strings"

	"github.com/giantswarm/mcp-gateway-auth/identity"
)

// Claim keys added to Claims.Extra by ExtractClaims.
const (
	ClaimIdPProvider = "idp_provider"
	ClaimIdPTenant   = "idp_tenant"
)

// extractClaims returns an enriched copy of claims for the IdP described by cfg.
func extractClaims(cfg *IdPConfig, claims *identity.Claims) *identity.Claims {
	out := claims.Clone()
	if out.Extra == nil {
		out.Extra = make(map[string]any)
	}

	if cfg.GroupsClaim != "" && cfg.GroupsClaim != "groups" {
		if raw, ok := lookupClaim(out, cfg.GroupsClaim); ok {
			out.Groups = raw
		}
	}

	out.Groups = transformGroups(out.Groups, cfg.GroupsTransform)

	out.Extra[ClaimIdPProvider] = cfg.Provider
	if cfg.TenantID != "" {
		out.Extra[ClaimIdPTenant] = cfg.TenantID
	}
	return out
}

// lookupClaim finds a claim in Extra by name or by dotted path into nested
// objects.
func lookupClaim(c *identity.Claims, name string) (any, bool) {
	if v, ok := c.Extra[name]; ok {
		return v, true
	}

	parts := strings.Split(name, ".")
	var cur any = c.Extra
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// transformGroups applies transform element-wise to array-valued groups.
// Non-string elements are stringified first. Anything that is not an array
// passes through unchanged.
func transformGroups(groups any, transform string) any {
	var fn func(string) string
	switch transform {
	case TransformExtractName:
		fn = ExtractName
	case TransformExtractID:
		fn = ExtractID
	default:
		fn = func(s string) string { return s }
	}

	switch g := groups.(type) {
	case []any:
		out := make([]any, len(g))
		for i, item := range g {
			out[i] = fn(identity.StringifyClaim(item))
		}
		return out
	case []string:
		out := make([]any, len(g))
		for i, item := range g {
			out[i] = fn(item)
		}
		return out
	default:
		return groups
	}
}

// ExtractName returns the value of the first CN component of an LDAP style
// distinguished name, matched case-insensitively. Other values are returned
// unchanged.
//
//	ExtractName("CN=Admins,OU=Groups,DC=example,DC=com") // "Admins"
func ExtractName(group string) string {
	for _, part := range strings.Split(group, ",") {
		part = strings.TrimSpace(part)
		if len(part) > 3 && strings.EqualFold(part[:3], "cn=") {
			return part[3:]
		}
	}
	return group
}

// ExtractID returns the last non-empty segment of a slash separated path.
//
//	ExtractID("/groups/123/admins") // "admins"
//	ExtractID("/single/")           // "single"
func ExtractID(group string) string {
	segments := strings.Split(group, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] != "" {
			return segments[i]
		}
	}
	return group
}

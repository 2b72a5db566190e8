// Package identity defines the caller identity types shared by the token
// validator, the federation manager, the permission engine and the context
// propagator.
package identity

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Auth method tags recorded on a UserContext.
const (
	AuthMethodBearer = "bearer"
	AuthMethodAPIKey = "api_key"
)

// Claims is the normalized set of assertions carried by a validated token.
//
// The typed fields cover the registered and commonly used claims. Anything
// else the issuer put into the token is kept in Extra. A Claims value is
// never mutated once it has been produced by the validator; enrichment works
// on a Clone.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Scope     string
	Email     string
	Name      string

	// Groups holds the raw groups claim: a string, a []any or nil.
	Groups any

	// Extra holds provider-specific claims that have no typed field.
	Extra map[string]any
}

// Clone returns a deep-enough copy of c: the Audience slice, the Extra map
// and an array-valued Groups claim are copied so the clone can be modified
// without touching c.
func (c *Claims) Clone() *Claims {
	if c == nil {
		return nil
	}
	out := *c
	out.Audience = slices.Clone(c.Audience)
	if c.Extra != nil {
		out.Extra = maps.Clone(c.Extra)
	}
	switch g := c.Groups.(type) {
	case []any:
		out.Groups = slices.Clone(g)
	case []string:
		out.Groups = slices.Clone(g)
	}
	return &out
}

// GroupList returns the groups claim as a list of strings. A single string
// becomes a one-element list, array elements that are not strings are
// formatted with fmt, and anything else yields nil.
func (c *Claims) GroupList() []string {
	if c == nil {
		return nil
	}
	return GroupsToStrings(c.Groups)
}

// Scopes returns the space-delimited scope claim split into its parts.
func (c *Claims) Scopes() []string {
	if c == nil {
		return nil
	}
	return strings.Fields(c.Scope)
}

// HasAudience reports whether aud is one of the token's audiences.
func (c *Claims) HasAudience(aud string) bool {
	return c != nil && slices.Contains(c.Audience, aud)
}

// GroupsToStrings converts a raw groups claim value into a string list.
func GroupsToStrings(v any) []string {
	switch g := v.(type) {
	case nil:
		return nil
	case string:
		if g == "" {
			return nil
		}
		return []string{g}
	case []string:
		return slices.Clone(g)
	case []any:
		out := make([]string, 0, len(g))
		for _, item := range g {
			out = append(out, StringifyClaim(item))
		}
		return out
	default:
		return nil
	}
}

// StringifyClaim renders a single claim value as a string. JSON numbers
// decoded as float64 keep their integer form when they have no fraction.
func StringifyClaim(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case json.Number:
		return x.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

// UserContext is the resolved identity of the caller for one request.
// It is created once per validated request and treated as read-only
// afterwards.
type UserContext struct {
	// UserID is the token subject, or the owning user of an API key.
	UserID string

	// Email is the caller's email address when known.
	Email string

	// Groups are the caller's group memberships after claim transforms.
	Groups []string

	// Scopes are the granted OAuth scopes.
	Scopes []string

	// Issuer is the token issuer; empty for API keys.
	Issuer string

	// Claims are the validated token claims; nil for API keys.
	Claims *Claims

	// SessionID is the MCP session the request belongs to, if any.
	SessionID string

	// AuthMethod is AuthMethodBearer or AuthMethodAPIKey.
	AuthMethod string
}

// NewUserContext builds a UserContext from validated claims.
func NewUserContext(claims *Claims) *UserContext {
	return &UserContext{
		UserID:     claims.Subject,
		Email:      claims.Email,
		Groups:     claims.GroupList(),
		Scopes:     claims.Scopes(),
		Issuer:     claims.Issuer,
		Claims:     claims,
		AuthMethod: AuthMethodBearer,
	}
}

// InGroup reports whether the user is a member of group.
func (u *UserContext) InGroup(group string) bool {
	return u != nil && slices.Contains(u.Groups, group)
}

// HasScope reports whether the user was granted scope.
func (u *UserContext) HasScope(scope string) bool {
	return u != nil && slices.Contains(u.Scopes, scope)
}

// WithSessionID returns a copy of u bound to sessionID.
func (u *UserContext) WithSessionID(sessionID string) *UserContext {
	if u == nil {
		return nil
	}
	out := *u
	out.SessionID = sessionID
	return &out
}

// String returns a log-safe representation that leaves out raw claims.
func (u *UserContext) String() string {
	if u == nil {
		return "<nil>"
	}
	return fmt.Sprintf("UserContext{UserID:%q Issuer:%q Groups:%v Scopes:%v AuthMethod:%q}",
		u.UserID, u.Issuer, u.Groups, u.Scopes, u.AuthMethod)
}

// registeredClaims are the claim names mapped onto typed Claims fields.
var registeredClaims = map[string]bool{
	"sub": true, "iss": true, "aud": true, "iat": true, "exp": true,
	"scope": true, "scp": true, "email": true, "name": true, "groups": true,
}

// ClaimsFromMap builds Claims from a decoded JWT payload. "scp" arrays are
// joined into Scope when "scope" is absent. Unknown members land in Extra.
func ClaimsFromMap(m map[string]any) *Claims {
	c := &Claims{
		Subject: stringClaim(m["sub"]),
		Issuer:  stringClaim(m["iss"]),
		Email:   stringClaim(m["email"]),
		Name:    stringClaim(m["name"]),
		Groups:  m["groups"],
		Extra:   make(map[string]any),
	}

	switch aud := m["aud"].(type) {
	case string:
		if aud != "" {
			c.Audience = []string{aud}
		}
	case []any:
		for _, a := range aud {
			if s, ok := a.(string); ok {
				c.Audience = append(c.Audience, s)
			}
		}
	case []string:
		c.Audience = slices.Clone(aud)
	}

	c.IssuedAt = timeClaim(m["iat"])
	c.ExpiresAt = timeClaim(m["exp"])

	switch scope := m["scope"].(type) {
	case string:
		c.Scope = scope
	case []any:
		c.Scope = strings.Join(GroupsToStrings(scope), " ")
	}
	if c.Scope == "" {
		switch scp := m["scp"].(type) {
		case string:
			c.Scope = scp
		case []any:
			c.Scope = strings.Join(GroupsToStrings(scp), " ")
		}
	}

	for k, v := range m {
		if !registeredClaims[k] {
			c.Extra[k] = v
		}
	}
	return c
}

func stringClaim(v any) string {
	s, _ := v.(string)
	return s
}

func timeClaim(v any) time.Time {
	switch x := v.(type) {
	case float64:
		return time.Unix(int64(x), 0)
	case int64:
		return time.Unix(x, 0)
	case int:
		return time.Unix(int64(x), 0)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return time.Unix(n, 0)
		}
	}
	return time.Time{}
}

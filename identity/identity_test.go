package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupsToStrings(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
	}{
		{"nil", nil, nil},
		{"empty string", "", nil},
		{"single string", "admins", []string{"admins"}},
		{"string slice", []string{"a", "b"}, []string{"a", "b"}},
		{"mixed array", []any{"a", float64(42), true}, []string{"a", "42", "true"}},
		{"fractional number", []any{1.5}, []string{"1.5"}},
		{"unsupported type", 42, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GroupsToStrings(tt.in))
		})
	}
}

func TestClaims_Clone(t *testing.T) {
	orig := &Claims{
		Subject:  "user-1",
		Audience: []string{"gateway"},
		Groups:   []any{"a", "b"},
		Extra:    map[string]any{"tenant": "t1"},
	}

	clone := orig.Clone()
	require.NotSame(t, orig, clone)

	clone.Extra["tenant"] = "t2"
	clone.Audience[0] = "other"
	clone.Groups.([]any)[0] = "changed"

	assert.Equal(t, "t1", orig.Extra["tenant"])
	assert.Equal(t, "gateway", orig.Audience[0])
	assert.Equal(t, "a", orig.Groups.([]any)[0])
}

func TestNewUserContext(t *testing.T) {
	claims := &Claims{
		Subject: "alice",
		Issuer:  "https://issuer.example.com",
		Email:   "alice@example.com",
		Scope:   "read write",
		Groups:  []any{"devs"},
	}

	uc := NewUserContext(claims)
	assert.Equal(t, "alice", uc.UserID)
	assert.Equal(t, []string{"devs"}, uc.Groups)
	assert.Equal(t, []string{"read", "write"}, uc.Scopes)
	assert.True(t, uc.HasScope("write"))
	assert.True(t, uc.InGroup("devs"))
	assert.False(t, uc.InGroup("ops"))
	assert.Equal(t, AuthMethodBearer, uc.AuthMethod)

	bound := uc.WithSessionID("sess-1")
	assert.Equal(t, "sess-1", bound.SessionID)
	assert.Empty(t, uc.SessionID)
}

func TestUserContext_StringOmitsClaims(t *testing.T) {
	uc := &UserContext{UserID: "bob", Claims: &Claims{Extra: map[string]any{"secret": "x"}}}
	assert.NotContains(t, uc.String(), "secret")

	var nilUC *UserContext
	assert.Equal(t, "<nil>", nilUC.String())
}

func TestClaimsFromMap(t *testing.T) {
	m := map[string]any{
		"sub":    "user-1",
		"iss":    "https://idp.example.com",
		"aud":    []any{"gateway", "other"},
		"exp":    float64(1700000000),
		"iat":    float64(1699990000),
		"scp":    []any{"read", "write"},
		"groups": []any{"devs"},
		"tid":    "tenant-1",
	}

	c := ClaimsFromMap(m)
	assert.Equal(t, "user-1", c.Subject)
	assert.Equal(t, []string{"gateway", "other"}, c.Audience)
	assert.True(t, c.HasAudience("gateway"))
	assert.Equal(t, int64(1700000000), c.ExpiresAt.Unix())
	assert.Equal(t, "read write", c.Scope)
	assert.Equal(t, []string{"devs"}, c.GroupList())
	assert.Equal(t, map[string]any{"tid": "tenant-1"}, c.Extra)

	single := ClaimsFromMap(map[string]any{"aud": "gateway", "scope": "a b"})
	assert.Equal(t, []string{"gateway"}, single.Audience)
	assert.Equal(t, []string{"a", "b"}, single.Scopes())
}

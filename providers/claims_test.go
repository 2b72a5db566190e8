package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-gateway-auth/identity"
)

func TestExtractID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/groups/123/admins", "admins"},
		{"groups/456/users", "users"},
		{"simple-group", "simple-group"},
		{"/single/", "single"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractID(tt.in))
		})
	}
}

func TestExtractName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"CN=Admins,OU=Groups,DC=example,DC=com", "Admins"},
		{"ou=people, cn=devs", "devs"},
		{"plain-group", "plain-group"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractName(tt.in))
		})
	}
}

func TestManager_ExtractClaims(t *testing.T) {
	m := NewManager(Config{})
	defer m.Close()

	require.NoError(t, m.AddIdP(IdPConfig{
		Provider:        ProviderAzure,
		Issuer:          "https://login.example.com/tenant",
		GroupsTransform: TransformExtractID,
		TenantID:        "tenant",
	}))

	t.Run("unknown issuer returns same pointer", func(t *testing.T) {
		in := &identity.Claims{Subject: "x"}
		assert.Same(t, in, m.ExtractClaims("https://other.example.com", in))
	})

	t.Run("known issuer returns new object without mutating input", func(t *testing.T) {
		in := &identity.Claims{
			Subject: "x",
			Groups:  []any{"/groups/1/admins", float64(7)},
			Extra:   map[string]any{"tid": "t"},
		}
		out := m.ExtractClaims("https://login.example.com/tenant", in)

		require.NotSame(t, in, out)
		assert.Equal(t, []any{"admins", "7"}, out.Groups)
		assert.Equal(t, ProviderAzure, out.Extra[ClaimIdPProvider])
		assert.Equal(t, "tenant", out.Extra[ClaimIdPTenant])

		assert.Equal(t, []any{"/groups/1/admins", float64(7)}, in.Groups)
		assert.NotContains(t, in.Extra, ClaimIdPProvider)
	})

	t.Run("non-array groups pass through", func(t *testing.T) {
		in := &identity.Claims{Groups: "/groups/1/admins"}
		out := m.ExtractClaims("https://login.example.com/tenant", in)
		assert.Equal(t, "/groups/1/admins", out.Groups)
	})
}

func TestManager_ExtractClaims_CustomGroupsClaim(t *testing.T) {
	m := NewManager(Config{})
	defer m.Close()

	require.NoError(t, m.AddIdP(IdPConfig{
		Provider:    ProviderKeycloak,
		Issuer:      "https://sso.example.com/realms/main",
		GroupsClaim: "realm_access.roles",
	}))

	in := &identity.Claims{
		Extra: map[string]any{
			"realm_access": map[string]any{"roles": []any{"/realm/reader"}},
		},
	}
	out := m.ExtractClaims("https://sso.example.com/realms/main", in)

	// keycloak preset applies extract_id
	assert.Equal(t, []string{"reader"}, out.GroupList())
	assert.Nil(t, in.Groups)
}

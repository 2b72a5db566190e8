package server

import (
	"context"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-gateway-auth/storage"
)

func TestRegisterClient_Confidential(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	client, secret, err := env.srv.RegisterClient(ctx, ClientRegistration{
		ClientName:   "backend",
		RedirectURIs: []string{testRedirectURI},
		Scope:        "tools:read tools:write",
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if client.ClientType != storage.ClientTypeConfidential {
		t.Errorf("ClientType = %q", client.ClientType)
	}
	if client.TokenEndpointAuthMethod != storage.AuthMethodClientSecretBasic {
		t.Errorf("TokenEndpointAuthMethod = %q", client.TokenEndpointAuthMethod)
	}
	if secret == "" {
		t.Fatal("confidential client got no secret")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		t.Errorf("stored hash does not match the secret: %v", err)
	}
	if len(client.Scopes) != 2 {
		t.Errorf("Scopes = %v", client.Scopes)
	}
	if len(client.GrantTypes) != 2 {
		t.Errorf("GrantTypes = %v", client.GrantTypes)
	}

	if _, err := env.srv.ValidateClientCredentials(ctx, client.ClientID, secret); err != nil {
		t.Errorf("ValidateClientCredentials() error = %v", err)
	}
	_, err = env.srv.ValidateClientCredentials(ctx, client.ClientID, "wrong")
	requireGrantError(t, err, ErrorCodeInvalidClient)
	_, err = env.srv.ValidateClientCredentials(ctx, client.ClientID, "")
	requireGrantError(t, err, ErrorCodeInvalidClient)
	_, err = env.srv.ValidateClientCredentials(ctx, "unknown", secret)
	requireGrantError(t, err, ErrorCodeInvalidClient)
	_, err = env.srv.ValidateClientCredentials(ctx, "", secret)
	requireGrantError(t, err, ErrorCodeInvalidClient)
}

func TestRegisterClient_Public(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	client, secret, err := env.srv.RegisterClient(ctx, ClientRegistration{
		RedirectURIs: []string{"http://127.0.0.1:8765/callback"},
		ClientType:   storage.ClientTypePublic,
	}, "")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if secret != "" || client.ClientSecretHash != "" {
		t.Error("public client got a secret")
	}
	if client.TokenEndpointAuthMethod != storage.AuthMethodNone {
		t.Errorf("TokenEndpointAuthMethod = %q", client.TokenEndpointAuthMethod)
	}
	if _, err := env.srv.ValidateClientCredentials(ctx, client.ClientID, ""); err != nil {
		t.Errorf("public client credentials error = %v", err)
	}
}

func TestRegisterClient_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		req      ClientRegistration
		wantCode string
	}{
		{name: "no redirect uris", req: ClientRegistration{}, wantCode: ErrorCodeInvalidRedirectURI},
		{name: "relative redirect", req: ClientRegistration{RedirectURIs: []string{"/callback"}}, wantCode: ErrorCodeInvalidRedirectURI},
		{name: "fragment", req: ClientRegistration{RedirectURIs: []string{testRedirectURI + "#frag"}}, wantCode: ErrorCodeInvalidRedirectURI},
		{name: "http non-loopback", req: ClientRegistration{RedirectURIs: []string{"http://app.example.com/cb"}}, wantCode: ErrorCodeInvalidRedirectURI},
		{name: "javascript scheme", req: ClientRegistration{RedirectURIs: []string{"javascript:alert(1)"}}, wantCode: ErrorCodeInvalidRedirectURI},
		{name: "implicit grant", req: ClientRegistration{RedirectURIs: []string{testRedirectURI}, GrantTypes: []string{"implicit"}}, wantCode: "invalid_client_metadata"},
		{name: "token response type", req: ClientRegistration{RedirectURIs: []string{testRedirectURI}, ResponseTypes: []string{"token"}}, wantCode: "invalid_client_metadata"},
		{name: "unknown auth method", req: ClientRegistration{RedirectURIs: []string{testRedirectURI}, TokenEndpointAuthMethod: "private_key_jwt"}, wantCode: "invalid_client_metadata"},
		{name: "public with secret method", req: ClientRegistration{RedirectURIs: []string{testRedirectURI}, ClientType: storage.ClientTypePublic, TokenEndpointAuthMethod: storage.AuthMethodClientSecretPost}, wantCode: "invalid_client_metadata"},
		{name: "unsupported scope", req: ClientRegistration{RedirectURIs: []string{testRedirectURI}, Scope: "admin"}, wantCode: ErrorCodeInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &Config{SupportedScopes: []string{"tools:read"}})
			_, _, err := env.srv.RegisterClient(context.Background(), tt.req, "192.0.2.1")
			requireGrantError(t, err, tt.wantCode)
		})
	}
}

func TestResolveClientTypeAndAuthMethod(t *testing.T) {
	tests := []struct {
		clientType, authMethod string
		wantType, wantMethod   string
	}{
		{"", "", storage.ClientTypeConfidential, storage.AuthMethodClientSecretBasic},
		{"", storage.AuthMethodNone, storage.ClientTypePublic, storage.AuthMethodNone},
		{storage.ClientTypePublic, "", storage.ClientTypePublic, storage.AuthMethodNone},
		{"", storage.AuthMethodClientSecretPost, storage.ClientTypeConfidential, storage.AuthMethodClientSecretPost},
	}
	for _, tt := range tests {
		gotType, gotMethod, err := resolveClientTypeAndAuthMethod(tt.clientType, tt.authMethod)
		if err != nil {
			t.Errorf("resolveClientTypeAndAuthMethod(%q, %q) error = %v", tt.clientType, tt.authMethod, err)
			continue
		}
		if gotType != tt.wantType || gotMethod != tt.wantMethod {
			t.Errorf("resolveClientTypeAndAuthMethod(%q, %q) = (%q, %q), want (%q, %q)",
				tt.clientType, tt.authMethod, gotType, gotMethod, tt.wantType, tt.wantMethod)
		}
	}
}

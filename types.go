package oauth

import (
	"time"

	"github.com/giantswarm/mcp-gateway-auth/providers"
	"github.com/giantswarm/mcp-gateway-auth/providers/oidc"
	"github.com/giantswarm/mcp-gateway-auth/session"
	"github.com/giantswarm/mcp-gateway-auth/storage"
)

// ProtectedResourceMetadata represents OAuth 2.0 Protected Resource Metadata (RFC 9728)
type ProtectedResourceMetadata struct {
	// Resource is the identifier for the protected resource
	Resource string `json:"resource"`

	// AuthorizationServers lists the authorization servers that can issue tokens for this resource
	AuthorizationServers []string `json:"authorization_servers"`

	// BearerMethodsSupported lists the ways Bearer tokens can be sent (RFC 6750)
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`

	// ResourceSigningAlgValuesSupported lists supported signing algorithms
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported,omitempty"`

	ScopesSupported []string `json:"scopes_supported,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// TokenResponse is the token endpoint response (RFC 6749 section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ClientRegistrationResponse is the dynamic registration response
// (RFC 7591 section 3.2.1). ClientSecret is only present for confidential
// clients and only in this response.
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// CreateAPIKeyRequest is the body of POST /admin/users/{id}/api-keys.
type CreateAPIKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes,omitempty"`

	// ExpiresIn is a Go duration string; empty creates a key that never
	// expires.
	ExpiresIn string `json:"expires_in,omitempty"`
}

// CreateAPIKeyResponse carries the plaintext key. It is never shown again.
type CreateAPIKeyResponse struct {
	APIKey string          `json:"api_key"`
	Key    *storage.APIKey `json:"key"`
}

// UpdateUserRequest is the body of PATCH /admin/users/{id}.
type UpdateUserRequest struct {
	Disabled *bool `json:"disabled"`
}

// IdPStatus pairs an IdP configuration with its health record.
type IdPStatus struct {
	providers.IdPConfig
	Health providers.HealthStatus `json:"health"`
}

// StatusResponse is the body of GET /admin/status.
type StatusResponse struct {
	Time        time.Time       `json:"time"`
	Sessions    session.Stats   `json:"sessions"`
	KeyCache    oidc.CacheStats `json:"key_cache"`
	IdPs        []IdPStatus     `json:"idps"`
	Rules       int             `json:"permission_rules"`
	SigningKeys []string        `json:"signing_keys"`
}

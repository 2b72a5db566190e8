package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-gateway-auth/internal/util"
	"github.com/giantswarm/mcp-gateway-auth/storage"
)

// Supported grant types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// ClientRegistration is a dynamic client registration request (RFC 7591).
type ClientRegistration struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientType              string   `json:"client_type,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegisterClient registers a new OAuth client. Confidential clients get a
// plaintext secret that is returned exactly once and stored as a bcrypt hash.
//
// tokenEndpointAuthMethod determines how the client authenticates at the token endpoint:
// - "none": Public client (no secret, PKCE-only auth) - used by native/CLI apps
// - "client_secret_basic": Confidential client (Basic Auth with secret) - default
// - "client_secret_post": Confidential client (POST form with secret)
func (s *Server) RegisterClient(ctx context.Context, req ClientRegistration, clientIP string) (*storage.Client, string, error) {
	ctx, span := s.tracer.Start(ctx, "server.register_client")
	defer span.End()

	if len(req.RedirectURIs) == 0 {
		return nil, "", grantError(ErrorCodeInvalidRedirectURI, "at least one redirect_uri is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := s.validateRedirectURIForRegistration(uri); err != nil {
			s.Logger.Warn("Client registration rejected: redirect URI validation failed",
				"error", err,
				"client_ip", clientIP)
			return nil, "", &GrantError{Code: ErrorCodeInvalidRedirectURI, Description: err.Error(), Err: err}
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	for _, gt := range grantTypes {
		if gt != GrantTypeAuthorizationCode && gt != GrantTypeRefreshToken {
			return nil, "", grantError("invalid_client_metadata", fmt.Sprintf("unsupported grant_type %q", gt))
		}
	}
	for _, rt := range req.ResponseTypes {
		if rt != "code" {
			return nil, "", grantError("invalid_client_metadata", fmt.Sprintf("unsupported response_type %q", rt))
		}
	}

	if err := s.validateScopes(req.Scope); err != nil {
		return nil, "", invalidScope(err.Error())
	}

	clientType, authMethod, err := resolveClientTypeAndAuthMethod(req.ClientType, req.TokenEndpointAuthMethod)
	if err != nil {
		return nil, "", grantError("invalid_client_metadata", err.Error())
	}

	clientSecret, clientSecretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", serverError(err)
	}

	client := &storage.Client{
		ClientID:                generateRandomToken(),
		ClientSecretHash:        clientSecretHash,
		ClientName:              req.ClientName,
		RedirectURIs:            slices.Clone(req.RedirectURIs),
		GrantTypes:              grantTypes,
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: authMethod,
		ClientType:              clientType,
		Scopes:                  util.SplitScope(req.Scope),
		CreatedAt:               s.now(),
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, "", serverError(fmt.Errorf("failed to save client: %w", err))
	}

	s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	s.metrics.RecordClientRegistered(ctx, client.ClientType)
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)
	return client, clientSecret, nil
}

// resolveClientTypeAndAuthMethod determines the client type and auth method.
// Per RFC 7591 Section 2: token_endpoint_auth_method determines client type.
func resolveClientTypeAndAuthMethod(clientType, authMethod string) (string, string, error) {
	switch authMethod {
	case "", storage.AuthMethodNone, storage.AuthMethodClientSecretBasic, storage.AuthMethodClientSecretPost:
	default:
		return "", "", fmt.Errorf("unsupported token_endpoint_auth_method %q", authMethod)
	}
	switch clientType {
	case "", storage.ClientTypePublic, storage.ClientTypeConfidential:
	default:
		return "", "", fmt.Errorf("unsupported client_type %q", clientType)
	}

	if authMethod == storage.AuthMethodNone {
		clientType = storage.ClientTypePublic
	} else if clientType == "" {
		clientType = storage.ClientTypeConfidential
	}

	if authMethod == "" {
		if clientType == storage.ClientTypePublic {
			authMethod = storage.AuthMethodNone
		} else {
			authMethod = storage.AuthMethodClientSecretBasic
		}
	}
	if clientType == storage.ClientTypePublic && authMethod != storage.AuthMethodNone {
		return "", "", fmt.Errorf("public clients must use token_endpoint_auth_method %q", storage.AuthMethodNone)
	}
	return clientType, authMethod, nil
}

// generateClientSecret generates a secret for confidential clients.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != storage.ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// GetClient returns a registered client.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.store.GetClient(ctx, clientID)
}

// ValidateClientCredentials authenticates a client at the token endpoint.
// Clients whose auth method is not "none" must present a secret that
// matches the stored bcrypt hash. Public clients may omit the secret.
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, invalidClient("client_id is required")
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			// Same cost as a real comparison to avoid leaking which IDs exist.
			_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(clientSecret))
			return nil, invalidClient("client authentication failed")
		}
		return nil, serverError(err)
	}

	if client.TokenEndpointAuthMethod == storage.AuthMethodNone {
		return client, nil
	}
	if clientSecret == "" {
		s.Auditor.LogAuthFailure("", clientID, "", "missing_client_secret")
		return nil, invalidClient("client authentication failed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		s.Auditor.LogAuthFailure("", clientID, "", "invalid_client_secret")
		return nil, invalidClient("client authentication failed")
	}
	return client, nil
}

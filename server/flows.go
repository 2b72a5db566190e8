package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
	"github.com/giantswarm/mcp-gateway-auth/internal/util"
	"github.com/giantswarm/mcp-gateway-auth/security"
	"github.com/giantswarm/mcp-gateway-auth/storage"
	"github.com/giantswarm/mcp-gateway-auth/token"
)

// AuthorizationParams are the query parameters of an authorization request.
type AuthorizationParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// StartAuthorization validates an authorization request and stores it as
// pending until the user signs in.
func (s *Server) StartAuthorization(ctx context.Context, params AuthorizationParams) (*storage.AuthorizationRequest, error) {
	ctx, span := s.tracer.Start(ctx, "server.start_authorization")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, params.ClientID, "", params.Scope)

	client, err := s.store.GetClient(ctx, params.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, invalidClient("unknown client_id")
		}
		return nil, serverError(err)
	}

	if params.ResponseType != "code" {
		return nil, grantError("unsupported_response_type", "response_type must be 'code'")
	}

	// Exact string match, no normalization (OAuth 2.1).
	if !client.HasRedirectURI(params.RedirectURI) {
		return nil, invalidRequest("redirect_uri not registered for client")
	}

	if err := s.validateScopes(params.Scope); err != nil {
		return nil, invalidScope(err.Error())
	}
	if err := validateClientScopes(params.Scope, client.Scopes); err != nil {
		return nil, invalidScope(err.Error())
	}

	if err := s.validateStateParameter(params.State); err != nil {
		return nil, invalidRequest(err.Error())
	}

	if err := s.validatePKCEChallenge(client, params.CodeChallenge, params.CodeChallengeMethod); err != nil {
		return nil, invalidRequest(err.Error())
	}

	now := s.now()
	req := &storage.AuthorizationRequest{
		ID:                  generateRandomToken(),
		ClientID:            client.ClientID,
		RedirectURI:         params.RedirectURI,
		Scope:               params.Scope,
		State:               params.State,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationRequestTTL),
	}
	if err := s.store.SaveAuthorizationRequest(ctx, req); err != nil {
		return nil, serverError(fmt.Errorf("failed to save authorization request: %w", err))
	}

	s.Logger.Debug("Authorization request pending",
		"client_id", client.ClientID,
		"request_prefix", util.SafeTruncate(req.ID, secretLogLength))
	instrumentation.SetSpanSuccess(span)
	return req, nil
}

// GetAuthorizationRequest returns a pending request that has not expired.
func (s *Server) GetAuthorizationRequest(ctx context.Context, requestID string) (*storage.AuthorizationRequest, error) {
	req, err := s.store.GetAuthorizationRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationRequestNotFound) {
			return nil, invalidRequest("authorization request not found or expired")
		}
		return nil, serverError(err)
	}
	if !s.now().Before(req.ExpiresAt) {
		return nil, invalidRequest("authorization request not found or expired")
	}
	return req, nil
}

// CompleteAuthorization signs the user in for a pending request and issues
// a single-use authorization code. It returns the client redirect URL
// carrying code and state. On bad credentials the pending request is kept so
// the user can retry; the error wraps ErrInvalidCredentials.
func (s *Server) CompleteAuthorization(ctx context.Context, requestID, username, password, clientIP string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "server.complete_authorization")
	defer span.End()

	req, err := s.GetAuthorizationRequest(ctx, requestID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}

	user, err := s.AuthenticateUser(ctx, username, password)
	if err != nil {
		s.Auditor.LogLogin(username, req.ClientID, clientIP, false, loginFailureReason(err))
		s.metrics.RecordLoginAttempt(ctx, instrumentation.ResultFailure)
		instrumentation.RecordError(span, err)
		return "", err
	}

	// The pending request is consumed exactly once, even under concurrent
	// submissions of the same form.
	if _, err := s.store.TakeAuthorizationRequest(ctx, requestID); err != nil {
		return "", invalidRequest("authorization request not found or expired")
	}

	now := s.now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            req.ClientID,
		UserID:              user.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		return "", serverError(fmt.Errorf("failed to save authorization code: %w", err))
	}

	s.Auditor.LogLogin(user.Username, req.ClientID, clientIP, true, "")
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		UserID:    user.ID,
		ClientID:  req.ClientID,
		IPAddress: clientIP,
	})
	s.metrics.RecordLoginAttempt(ctx, instrumentation.ResultSuccess)
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, user.ID, req.Scope)
	instrumentation.SetSpanSuccess(span)

	return buildRedirectURL(req.RedirectURI, map[string]string{
		"code":  code.Code,
		"state": req.State,
	})
}

// buildRedirectURL appends params to redirectURI, keeping its existing query.
func buildRedirectURL(redirectURI string, params map[string]string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", serverError(fmt.Errorf("invalid stored redirect URI: %w", err))
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExchangeAuthorizationCode redeems an authorization code for an access
// token and a refresh token. It returns the granted scope.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*oauth2.Token, string, error) {
	ctx, span := s.tracer.Start(ctx, "server.exchange_authorization_code")
	defer span.End()

	tok, scope, pkceMethod, err := s.exchangeAuthorizationCode(ctx, code, clientID, redirectURI, codeVerifier)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.metrics.RecordCodeExchanged(ctx, instrumentation.ResultFailure, pkceMethod)
		return nil, "", err
	}
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordCodeExchanged(ctx, instrumentation.ResultSuccess, pkceMethod)
	return tok, scope, nil
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*oauth2.Token, string, string, error) {
	// SECURITY: the code is removed in the same step that reads it, so it
	// can be redeemed at most once.
	authCode, err := s.store.TakeAuthorizationCode(ctx, code)
	if err != nil {
		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, secretLogLength))
		s.Auditor.LogAuthFailure("", clientID, "", "invalid_authorization_code")
		return nil, "", "", invalidGrant("authorization code is invalid, expired or already used")
	}
	pkceMethod := authCode.CodeChallengeMethod

	if !s.now().Before(authCode.ExpiresAt) {
		s.Auditor.LogAuthFailure(authCode.UserID, clientID, "", "authorization_code_expired")
		return nil, "", pkceMethod, invalidGrant("authorization code is invalid, expired or already used")
	}

	if authCode.ClientID != clientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", clientID)
		s.Auditor.LogAuthFailure(authCode.UserID, clientID, "", "client_id_mismatch")
		return nil, "", pkceMethod, invalidGrant("authorization code was issued to another client")
	}

	if authCode.RedirectURI != redirectURI {
		s.Auditor.LogAuthFailure(authCode.UserID, clientID, "", "redirect_uri_mismatch")
		return nil, "", pkceMethod, invalidGrant("redirect_uri does not match the authorization request")
	}

	if err := s.validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
		if errors.Is(err, errMissingVerifier) {
			return nil, "", pkceMethod, &GrantError{Code: ErrorCodeInvalidRequest, Description: err.Error(), Err: err}
		}
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventPKCEValidationFailed,
			UserID:   authCode.UserID,
			ClientID: clientID,
			Details:  map[string]any{"reason": err.Error()},
		})
		return nil, "", pkceMethod, &GrantError{
			Code:        ErrorCodeInvalidGrant,
			Description: "PKCE validation failed: " + err.Error(),
			Err:         err,
		}
	}

	user, err := s.activeUser(ctx, authCode.UserID)
	if err != nil {
		return nil, "", pkceMethod, err
	}

	tok, err := s.issueTokens(ctx, user, clientID, authCode.Scope)
	if err != nil {
		return nil, "", pkceMethod, err
	}

	s.Auditor.LogTokenIssued(user.ID, clientID, "", authCode.Scope)
	s.Logger.Info("Authorization code exchanged",
		"client_id", clientID,
		"user_id", user.ID,
		"scope", authCode.Scope)
	return tok, authCode.Scope, pkceMethod, nil
}

// RefreshAccessToken rotates a refresh token: the old token is consumed and
// a new access token and refresh token are issued. A non-empty scope must be
// a subset of the originally granted scope.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, scope string) (*oauth2.Token, string, error) {
	ctx, span := s.tracer.Start(ctx, "server.refresh_access_token")
	defer span.End()

	tok, grantedScope, err := s.refreshAccessToken(ctx, refreshToken, clientID, scope)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.metrics.RecordTokenRefreshed(ctx, instrumentation.ResultFailure)
		return nil, "", err
	}
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordTokenRefreshed(ctx, instrumentation.ResultSuccess)
	return tok, grantedScope, nil
}

func (s *Server) refreshAccessToken(ctx context.Context, refreshToken, clientID, scope string) (*oauth2.Token, string, error) {
	// OAUTH 2.1 SECURITY: atomically take the refresh token FIRST. Only one
	// concurrent request can succeed.
	rt, err := s.store.TakeRefreshToken(ctx, refreshToken)
	if err != nil {
		s.Logger.Debug("Refresh token validation failed",
			"reason", err.Error(),
			"client_id", clientID,
			"token_prefix", util.SafeTruncate(refreshToken, secretLogLength))
		s.Auditor.LogAuthFailure("", clientID, "", "invalid_refresh_token")
		return nil, "", invalidGrant("refresh token is invalid, expired or revoked")
	}

	if !s.now().Before(rt.ExpiresAt) {
		s.Auditor.LogAuthFailure(rt.UserID, clientID, "", "refresh_token_expired")
		return nil, "", invalidGrant("refresh token is invalid, expired or revoked")
	}

	if rt.ClientID != clientID {
		s.Auditor.LogAuthFailure(rt.UserID, clientID, "", "client_id_mismatch")
		return nil, "", invalidGrant("refresh token was issued to another client")
	}

	grantedScope := rt.Scope
	if scope != "" {
		if !isScopeSubset(scope, rt.Scope) {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventScopeEscalationAttempt,
				UserID:   rt.UserID,
				ClientID: clientID,
				Details: map[string]any{
					"requested": scope,
					"granted":   rt.Scope,
				},
			})
			// The request was well-formed apart from the scope; the client
			// keeps its refresh token.
			if err := s.store.SaveRefreshToken(ctx, rt); err != nil {
				s.Logger.Warn("Failed to restore refresh token", "error", err)
			}
			return nil, "", invalidScope("requested scope exceeds the originally granted scope")
		}
		grantedScope = scope
	}

	user, err := s.activeUser(ctx, rt.UserID)
	if err != nil {
		return nil, "", err
	}

	tok, err := s.issueTokens(ctx, user, clientID, grantedScope)
	if err != nil {
		return nil, "", err
	}

	s.Auditor.LogTokenRefreshed(user.ID, clientID, "")
	s.Logger.Info("Refresh token rotated",
		"client_id", clientID,
		"user_id", user.ID)
	return tok, grantedScope, nil
}

// RevokeToken revokes a refresh token (RFC 7009). Unknown tokens and access
// tokens, which are self-contained JWTs, succeed without effect. Tokens
// issued to another client are left alone.
func (s *Server) RevokeToken(ctx context.Context, tokenValue, clientID, clientIP string) error {
	ctx, span := s.tracer.Start(ctx, "server.revoke_token")
	defer span.End()

	rt, err := s.store.TakeRefreshToken(ctx, tokenValue)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return nil
		}
		return serverError(err)
	}

	if rt.ClientID != clientID {
		if err := s.store.SaveRefreshToken(ctx, rt); err != nil {
			s.Logger.Warn("Failed to restore refresh token", "error", err)
		}
		s.Logger.Warn("Refusing to revoke token issued to another client",
			"client_id", clientID,
			"client_ip", clientIP)
		return nil
	}

	s.Auditor.LogTokenRevoked(rt.UserID, clientID, clientIP, "refresh_token")
	s.metrics.RecordTokenRevoked(ctx)
	s.Logger.Info("Token revoked", "client_id", clientID, "ip", clientIP)
	instrumentation.SetSpanSuccess(span)
	return nil
}

// activeUser loads the user a grant belongs to. Deleted and disabled users
// cannot obtain tokens.
func (s *Server) activeUser(ctx context.Context, userID string) (*storage.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, invalidGrant("user no longer exists")
		}
		return nil, serverError(err)
	}
	if user.Disabled {
		return nil, invalidGrant("user is disabled")
	}
	return user, nil
}

// issueTokens mints an access token and stores a fresh refresh token.
func (s *Server) issueTokens(ctx context.Context, user *storage.User, clientID, scope string) (*oauth2.Token, error) {
	accessToken, expiresAt, err := s.signer.Sign(token.Subject{
		UserID:   user.ID,
		Email:    user.Email,
		Groups:   user.Groups,
		Scope:    scope,
		ClientID: clientID,
	})
	if err != nil {
		return nil, serverError(err)
	}

	now := s.now()
	refreshToken := &storage.RefreshToken{
		Token:     generateRandomToken(),
		ClientID:  clientID,
		UserID:    user.ID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.Config.RefreshTokenTTL),
	}
	if err := s.store.SaveRefreshToken(ctx, refreshToken); err != nil {
		return nil, serverError(fmt.Errorf("failed to save refresh token: %w", err))
	}

	tok := &oauth2.Token{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		RefreshToken: refreshToken.Token,
		Expiry:       expiresAt,
	}
	return tok.WithExtra(map[string]any{"scope": scope}), nil
}

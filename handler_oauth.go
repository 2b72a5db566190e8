package oauth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-gateway-auth/server"
	"github.com/giantswarm/mcp-gateway-auth/storage"
)

// ServeClientRegistration handles dynamic client registration (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if !h.registrationLimiter.Allow(clientIP) {
		h.rateLimited(w, r, "register", clientIP)
		return
	}

	if h.registrationToken != "" {
		tok, _ := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(tok), []byte(h.registrationToken)) != 1 {
			h.auditor.LogAuthFailure("", "", clientIP, "invalid_registration_token")
			h.writeError(w, NewOAuthError(ErrorCodeInvalidToken, "registration requires a valid registration token", http.StatusUnauthorized))
			return
		}
	}

	var req server.ClientRegistration
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServerError(w, r, err)
		return
	}

	client, secret, err := h.server.RegisterClient(r.Context(), req, clientIP)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		Scope:                   strings.Join(client.Scopes, " "),
	})
}

// ServeAuthorization validates an authorization request and renders the
// sign-in form. Errors are reported to the client's redirect URI once the
// client and redirect URI are known to be valid, and shown to the user
// otherwise (RFC 6749 section 4.1.2.1).
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := server.AuthorizationParams{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	client, err := h.server.GetClient(r.Context(), params.ClientID)
	if err != nil || !client.HasRedirectURI(params.RedirectURI) {
		h.renderLoginError(w, http.StatusBadRequest, "Unknown client or redirect URI.")
		return
	}

	req, err := h.server.StartAuthorization(r.Context(), params)
	if err != nil {
		oauthErr := toOAuthError(err)
		h.redirectError(w, r, params.RedirectURI, params.State, oauthErr)
		return
	}

	h.renderLogin(w, http.StatusOK, loginPage{
		RequestID:  req.ID,
		ClientName: displayName(client),
		Scope:      req.Scope,
	})
}

// ServeLogin handles the sign-in form. On success the browser is sent back
// to the client with the authorization code.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if !h.loginLimiter.Allow(clientIP) {
		h.metrics.RecordRateLimitExceeded(r.Context(), "login")
		h.auditor.LogRateLimitExceeded(clientIP, "")
		h.renderLoginError(w, http.StatusTooManyRequests, "Too many sign-in attempts. Try again later.")
		return
	}
	if err := parseForm(w, r); err != nil {
		h.renderLoginError(w, http.StatusBadRequest, "Malformed sign-in request.")
		return
	}

	requestID := r.PostFormValue("request_id")
	username := r.PostFormValue("username")

	redirectURL, err := h.server.CompleteAuthorization(r.Context(), requestID, username, r.PostFormValue("password"), clientIP)
	switch {
	case err == nil:
		http.Redirect(w, r, redirectURL, http.StatusFound)
	case errors.Is(err, server.ErrInvalidCredentials), errors.Is(err, server.ErrUserDisabled):
		page := loginPage{RequestID: requestID, Username: username, Error: "Invalid username or password."}
		if req, err := h.server.GetAuthorizationRequest(r.Context(), requestID); err == nil {
			page.Scope = req.Scope
			if client, err := h.server.GetClient(r.Context(), req.ClientID); err == nil {
				page.ClientName = displayName(client)
			}
		}
		h.renderLogin(w, http.StatusUnauthorized, page)
	default:
		oauthErr := toOAuthError(err)
		if oauthErr.Status >= http.StatusInternalServerError {
			h.logger.Error("Sign-in failed", "error", err)
		}
		h.renderLoginError(w, oauthErr.Status, "This sign-in request is invalid or has expired. Start again from your application.")
	}
}

// redirectError sends an authorization error back to the client.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, e *OAuthError) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, e)
		return
	}
	q := u.Query()
	q.Set("error", e.Code)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// ServeToken handles the token endpoint for the authorization_code and
// refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(w, r); err != nil {
		h.writeServerError(w, r, err)
		return
	}

	clientID, secret := clientCredentials(r)
	ctx := r.Context()

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken:
	case "":
		h.writeError(w, NewOAuthError(server.ErrorCodeInvalidRequest, "grant_type is required", http.StatusBadRequest))
		return
	default:
		h.writeError(w, NewOAuthError(server.ErrorCodeUnsupportedGrantType, "grant type "+grantType+" is not supported", http.StatusBadRequest))
		return
	}

	client, err := h.server.ValidateClientCredentials(ctx, clientID, secret)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	var (
		tok   *oauth2.Token
		scope string
	)
	if grantType == server.GrantTypeAuthorizationCode {
		code := r.PostFormValue("code")
		if code == "" {
			h.writeError(w, NewOAuthError(server.ErrorCodeInvalidRequest, "code is required", http.StatusBadRequest))
			return
		}
		tok, scope, err = h.server.ExchangeAuthorizationCode(ctx, code, client.ClientID,
			r.PostFormValue("redirect_uri"), r.PostFormValue("code_verifier"))
	} else {
		refresh := r.PostFormValue("refresh_token")
		if refresh == "" {
			h.writeError(w, NewOAuthError(server.ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest))
			return
		}
		tok, scope, err = h.server.RefreshAccessToken(ctx, refresh, client.ClientID, r.PostFormValue("scope"))
	}
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    max(int64(tok.Expiry.Sub(h.now())/time.Second), 0),
		RefreshToken: tok.RefreshToken,
		Scope:        scope,
	})
}

// ServeTokenRevocation handles token revocation (RFC 7009). Unknown tokens
// are not an error.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(w, r); err != nil {
		h.writeServerError(w, r, err)
		return
	}
	tokenValue := r.PostFormValue("token")
	if tokenValue == "" {
		h.writeError(w, NewOAuthError(server.ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest))
		return
	}

	clientID, secret := clientCredentials(r)
	client, err := h.server.ValidateClientCredentials(r.Context(), clientID, secret)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	if err := h.server.RevokeToken(r.Context(), tokenValue, client.ClientID, h.clientIP(r)); err != nil {
		h.writeServerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nil)
}

// ServeJWKS publishes the public signing keys of the built-in server.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	// Resource servers poll this document, so it may be cached briefly.
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.keys.JWKS()); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	methods := []string{server.PKCEMethodS256}
	if h.server.Config.AllowPKCEPlain {
		methods = append(methods, server.PKCEMethodPlain)
	}
	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                h.issuer,
		AuthorizationEndpoint: h.endpointURL(PathAuthorize),
		TokenEndpoint:         h.endpointURL(PathToken),
		RegistrationEndpoint:  h.endpointURL(PathRegister),
		RevocationEndpoint:    h.endpointURL(PathRevoke),
		JWKSURI:               h.endpointURL(PathJWKS),
		ScopesSupported:       h.server.Config.SupportedScopes,
		ResponseTypesSupported: []string{
			"code",
		},
		GrantTypesSupported: []string{
			server.GrantTypeAuthorizationCode,
			server.GrantTypeRefreshToken,
		},
		TokenEndpointAuthMethodsSupported: []string{
			storage.AuthMethodClientSecretBasic,
			storage.AuthMethodClientSecretPost,
			storage.AuthMethodNone,
		},
		CodeChallengeMethodsSupported: methods,
	})
}

// ServeProtectedResourceMetadata serves RFC 9728 metadata listing the
// built-in server and every federated issuer.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	servers := []string{h.issuer}
	if h.federation != nil {
		for _, idp := range h.federation.ListIdPs() {
			servers = append(servers, idp.Issuer)
		}
	}
	h.writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:                          h.issuer,
		AuthorizationServers:              servers,
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: []string{"RS256"},
		ScopesSupported:                   h.server.Config.SupportedScopes,
	})
}

// rateLimited writes a 429 and records the event.
func (h *Handler) rateLimited(w http.ResponseWriter, r *http.Request, endpoint, clientIP string) {
	h.metrics.RecordRateLimitExceeded(r.Context(), endpoint)
	h.auditor.LogRateLimitExceeded(clientIP, "")
	w.Header().Set("Retry-After", "60")
	h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded, "too many requests", http.StatusTooManyRequests))
}

// clientCredentials reads client credentials from HTTP Basic auth or the
// form body (client_secret_basic and client_secret_post).
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 section 2.3.1: both parts are form-urlencoded.
		if dec, err := url.QueryUnescape(id); err == nil {
			id = dec
		}
		if dec, err := url.QueryUnescape(secret); err == nil {
			secret = dec
		}
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

func displayName(client *storage.Client) string {
	if client.ClientName != "" {
		return client.ClientName
	}
	return client.ClientID
}

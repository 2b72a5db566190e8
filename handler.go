package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
	"github.com/giantswarm/mcp-gateway-auth/permissions"
	"github.com/giantswarm/mcp-gateway-auth/providers"
	"github.com/giantswarm/mcp-gateway-auth/providers/oidc"
	"github.com/giantswarm/mcp-gateway-auth/security"
	"github.com/giantswarm/mcp-gateway-auth/server"
	"github.com/giantswarm/mcp-gateway-auth/session"
	"github.com/giantswarm/mcp-gateway-auth/token"
)

const (
	tokenTypeBearer = "Bearer"

	// maxRequestBodySize bounds JSON and form bodies.
	maxRequestBodySize = 64 << 10
)

// Endpoint paths of the built-in authorization server.
const (
	PathRegister                    = "/register"
	PathAuthorize                   = "/authorize"
	PathToken                       = "/token"
	PathRevoke                      = "/revoke"
	PathJWKS                        = "/jwks"
	PathAuthorizationServerMetadata = "/.well-known/oauth-authorization-server"
	PathProtectedResourceMetadata   = "/.well-known/oauth-protected-resource"
)

// HandlerConfig wires a Handler to the gateway components.
type HandlerConfig struct {
	Server    *server.Server
	Keys      *token.KeyManager
	Validator *token.Validator

	// Optional components. Admin status and IdP management need Federation
	// and Resolver; session activity tracking needs Sessions.
	Permissions *permissions.Engine
	Sessions    *session.Registry
	Federation  *providers.Manager
	Resolver    *oidc.Resolver

	// AdminToken is a static admin bearer token; empty disables it.
	AdminToken string
	// AdminGroup grants admin access to authenticated members.
	AdminGroup string
	// RegistrationToken, when set, is required to register clients.
	RegistrationToken string

	TrustedProxies        int
	LoginRateLimit        security.RateLimitConfig
	RegistrationRateLimit security.RateLimitConfig

	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
}

// Handler is the HTTP surface of the gateway's auth control plane: the
// built-in authorization server endpoints, the admin API and the
// authentication middleware for protected routes.
type Handler struct {
	server      *server.Server
	keys        *token.KeyManager
	validator   *token.Validator
	permissions *permissions.Engine
	sessions    *session.Registry
	federation  *providers.Manager
	resolver    *oidc.Resolver

	adminToken        string
	adminGroup        string
	registrationToken string
	trustedProxies    int
	tls               bool
	issuer            string

	loginLimiter        *security.RateLimiter
	registrationLimiter *security.RateLimiter

	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewHandler creates the HTTP handler. Call Close to stop its rate
// limiters.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Server == nil {
		return nil, errors.New("authorization server is required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("key manager is required")
	}
	if cfg.Validator == nil {
		return nil, errors.New("token validator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	issuer := strings.TrimSuffix(cfg.Server.Config.Issuer, "/")
	u, _ := url.Parse(issuer)

	return &Handler{
		server:              cfg.Server,
		keys:                cfg.Keys,
		validator:           cfg.Validator,
		permissions:         cfg.Permissions,
		sessions:            cfg.Sessions,
		federation:          cfg.Federation,
		resolver:            cfg.Resolver,
		adminToken:          cfg.AdminToken,
		adminGroup:          cfg.AdminGroup,
		registrationToken:   cfg.RegistrationToken,
		trustedProxies:      cfg.TrustedProxies,
		tls:                 u != nil && u.Scheme == "https",
		issuer:              issuer,
		loginLimiter:        security.NewRateLimiter(cfg.LoginRateLimit, logger),
		registrationLimiter: security.NewRateLimiter(cfg.RegistrationRateLimit, logger),
		logger:              logger,
		auditor:             cfg.Auditor,
		metrics:             cfg.Instrumentation.Metrics(),
		tracer:              cfg.Instrumentation.Tracer("http"),
		now:                 time.Now,
	}, nil
}

// SetClock replaces the clock used for expires_in and rate limiting.
func (h *Handler) SetClock(now func() time.Time) {
	h.now = now
	h.loginLimiter.SetClock(now)
	h.registrationLimiter.SetClock(now)
}

// Close stops the rate limiters.
func (h *Handler) Close() {
	h.loginLimiter.Stop()
	h.registrationLimiter.Stop()
}

// RegisterRoutes registers the authorization server and admin endpoints.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST "+PathRegister, h.instrument("register", h.ServeClientRegistration))
	mux.Handle("GET "+PathAuthorize, h.instrument("authorize", h.ServeAuthorization))
	mux.Handle("POST "+PathAuthorize, h.instrument("login", h.ServeLogin))
	mux.Handle("POST "+PathToken, h.instrument("token", h.ServeToken))
	mux.Handle("POST "+PathRevoke, h.instrument("revoke", h.ServeTokenRevocation))
	mux.Handle("GET "+PathJWKS, h.instrument("jwks", h.ServeJWKS))
	mux.Handle("GET "+PathAuthorizationServerMetadata, h.instrument("metadata", h.ServeAuthorizationServerMetadata))
	mux.Handle("GET "+PathProtectedResourceMetadata, h.instrument("resource_metadata", h.ServeProtectedResourceMetadata))

	mux.Handle("POST /admin/users", h.admin("admin_create_user", h.serveCreateUser))
	mux.Handle("GET /admin/users", h.admin("admin_list_users", h.serveListUsers))
	mux.Handle("GET /admin/users/{id}", h.admin("admin_get_user", h.serveGetUser))
	mux.Handle("PATCH /admin/users/{id}", h.admin("admin_update_user", h.serveUpdateUser))
	mux.Handle("DELETE /admin/users/{id}", h.admin("admin_delete_user", h.serveDeleteUser))
	mux.Handle("POST /admin/users/{id}/api-keys", h.admin("admin_create_api_key", h.serveCreateAPIKey))
	mux.Handle("GET /admin/users/{id}/api-keys", h.admin("admin_list_api_keys", h.serveListAPIKeys))
	mux.Handle("DELETE /admin/users/{id}/api-keys/{keyID}", h.admin("admin_revoke_api_key", h.serveRevokeAPIKey))
	mux.Handle("GET /admin/idps", h.admin("admin_list_idps", h.serveListIdPs))
	mux.Handle("POST /admin/idps", h.admin("admin_add_idp", h.serveAddIdP))
	mux.Handle("DELETE /admin/idps", h.admin("admin_remove_idp", h.serveRemoveIdP))
	mux.Handle("POST /admin/key-cache/clear", h.admin("admin_clear_key_cache", h.serveClearKeyCache))
	mux.Handle("GET /admin/status", h.admin("admin_status", h.serveStatus))
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.trustedProxies)
}

func (h *Handler) endpointURL(path string) string {
	return h.issuer + path
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, security.APIContentSecurityPolicy, h.tls)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *OAuthError) {
	if e.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(e.Code, e.Description))
	}
	h.writeJSON(w, e.Status, ErrorResponse{Error: e.Code, ErrorDescription: e.Description})
}

// writeServerError maps err, logging internal failures that clients only
// see as server_error.
func (h *Handler) writeServerError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := toOAuthError(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			"path", r.URL.Path,
			"request_id", security.RequestIDFromContext(r.Context()),
			"error", err)
	}
	h.writeError(w, oauthErr)
}

// formatWWWAuthenticate builds an RFC 6750 challenge pointing clients at the
// protected resource metadata (RFC 9728).
func (h *Handler) formatWWWAuthenticate(code, description string) string {
	params := []string{fmt.Sprintf(`resource_metadata="%s"`, h.endpointURL(PathProtectedResourceMetadata))}
	if code != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, quoteHeaderValue(code)))
	}
	if description != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteHeaderValue(description)))
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// quoteHeaderValue escapes a value for use in an RFC 7230 quoted-string.
func quoteHeaderValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// bearerToken returns the credentials of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, tokenTypeBearer) {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return NewOAuthError(server.ErrorCodeInvalidRequest, "invalid JSON body", http.StatusBadRequest)
	}
	return nil
}

func parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		return NewOAuthError(server.ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
	}
	return nil
}

package oauth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/giantswarm/mcp-gateway-auth/authctx"
	"github.com/giantswarm/mcp-gateway-auth/identity"
	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
	"github.com/giantswarm/mcp-gateway-auth/internal/util"
	"github.com/giantswarm/mcp-gateway-auth/security"
	"github.com/giantswarm/mcp-gateway-auth/server"
)

// APIKeyHeader carries an API key as an alternative to a bearer token.
const APIKeyHeader = "X-API-Key"

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument wraps an endpoint with a span and HTTP request metrics.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "http."+endpoint)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r.WithContext(ctx))
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
		if rec.status < http.StatusBadRequest {
			instrumentation.SetSpanSuccess(span)
		}
		h.metrics.RecordHTTPRequest(ctx, r.Method, endpoint, rec.status, float64(time.Since(start).Microseconds())/1000)
	})
}

// Authenticate resolves the caller of a protected request from a bearer
// access token (built-in or federated) or an API key, and stores the
// identity, the MCP session id and the permission engine in the request
// context. Requests without valid credentials get a 401 challenge.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, oauthErr := h.authenticate(r)
		if oauthErr != nil {
			h.writeError(w, oauthErr)
			return
		}

		ctx := r.Context()
		if sessionID := r.Header.Get(authctx.SessionIDHeader); sessionID != "" {
			user = user.WithSessionID(sessionID)
			ctx = authctx.WithSessionID(ctx, sessionID)
			if h.sessions != nil {
				// Unknown ids are fine: the MCP server registers sessions
				// on initialize, after this middleware ran.
				_ = h.sessions.Touch(sessionID)
			}
		}
		ctx = authctx.WithUserContext(ctx, user)
		if h.permissions != nil {
			ctx = authctx.WithAccess(ctx, h.permissions)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate returns the caller or the error to send.
func (h *Handler) authenticate(r *http.Request) (*identity.UserContext, *OAuthError) {
	ctx := r.Context()

	if key := r.Header.Get(APIKeyHeader); key != "" {
		return h.authenticateAPIKey(ctx, key)
	}

	raw, ok := bearerToken(r)
	if !ok {
		return nil, NewOAuthError(ErrorCodeInvalidToken, "authentication required", http.StatusUnauthorized)
	}
	if server.IsAPIKey(raw) {
		return h.authenticateAPIKey(ctx, raw)
	}

	claims, err := h.validator.Validate(ctx, raw)
	if err != nil {
		h.logger.Debug("Bearer token rejected",
			"token_prefix", util.SafeTruncate(raw, 8),
			"ip", h.clientIP(r),
			"error", err)
		h.auditor.LogAuthFailure("", "", h.clientIP(r), "invalid_token")
		return nil, NewOAuthError(ErrorCodeInvalidToken, "the access token is invalid or expired", http.StatusUnauthorized)
	}
	return identity.NewUserContext(claims), nil
}

func (h *Handler) authenticateAPIKey(ctx context.Context, key string) (*identity.UserContext, *OAuthError) {
	user, err := h.server.AuthenticateAPIKey(ctx, key)
	if err != nil {
		return nil, toOAuthError(err)
	}
	return user, nil
}

// admin guards an admin endpoint. Callers present the static admin token or
// credentials of a user in the admin group.
func (h *Handler) admin(endpoint string, next http.HandlerFunc) http.Handler {
	return h.instrument(endpoint, func(w http.ResponseWriter, r *http.Request) {
		if tok, ok := bearerToken(r); ok && h.adminToken != "" &&
			subtle.ConstantTimeCompare([]byte(tok), []byte(h.adminToken)) == 1 {
			next(w, r)
			return
		}

		user, oauthErr := h.authenticate(r)
		if oauthErr != nil {
			h.writeError(w, oauthErr)
			return
		}
		if h.adminGroup == "" || !user.InGroup(h.adminGroup) {
			h.auditor.LogEvent(security.Event{
				Type:      security.EventAdminAccessDenied,
				UserID:    user.UserID,
				IPAddress: h.clientIP(r),
				Details:   map[string]any{"path": r.URL.Path},
			})
			h.writeError(w, NewOAuthError(ErrorCodeForbidden, "admin access required", http.StatusForbidden))
			return
		}
		next(w, r.WithContext(authctx.WithUserContext(r.Context(), user)))
	})
}

package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/mcp-gateway-auth/server"
	"github.com/giantswarm/mcp-gateway-auth/storage"
)

// Error codes the HTTP layer adds to the ones the authorization server
// raises.
const (
	ErrorCodeInvalidToken      = "invalid_token"
	ErrorCodeInsufficientScope = "insufficient_scope"
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrorCodeNotFound          = "not_found"
	ErrorCodeForbidden         = "forbidden"
)

// OAuthError is an error as written to HTTP clients.
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: description, Status: status}
}

// statusForCode maps OAuth error codes to HTTP status codes (RFC 6749
// section 5.2).
func statusForCode(code string) int {
	switch code {
	case server.ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case server.ErrorCodeAccessDenied, ErrorCodeInsufficientScope, ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case server.ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// toOAuthError converts an error returned by the authorization server into
// the response clients see. Internal causes never leave the process.
func toOAuthError(err error) *OAuthError {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	var grantErr *server.GrantError
	if errors.As(err, &grantErr) {
		return NewOAuthError(grantErr.Code, grantErr.Description, statusForCode(grantErr.Code))
	}

	switch {
	case errors.Is(err, server.ErrInvalidCredentials), errors.Is(err, server.ErrUserDisabled):
		return NewOAuthError(server.ErrorCodeAccessDenied, "invalid username or password", http.StatusUnauthorized)
	case errors.Is(err, server.ErrInvalidAPIKey):
		return NewOAuthError(ErrorCodeInvalidToken, "invalid API key", http.StatusUnauthorized)
	case errors.Is(err, storage.ErrUserNotFound):
		return NewOAuthError(ErrorCodeNotFound, "user not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrAPIKeyNotFound):
		return NewOAuthError(ErrorCodeNotFound, "API key not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrClientNotFound):
		return NewOAuthError(server.ErrorCodeInvalidClient, "unknown client", http.StatusUnauthorized)
	}
	return NewOAuthError(server.ErrorCodeServerError, "internal server error", http.StatusInternalServerError)
}

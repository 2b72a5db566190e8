package server

import "fmt"

// OAuth 2.0 error codes (RFC 6749 section 5.2).
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeServerError          = "server_error"
	ErrorCodeInvalidRedirectURI   = "invalid_redirect_uri"
)

// GrantError is an OAuth error raised by a server operation. The HTTP layer
// turns it into an {error, error_description} response.
type GrantError struct {
	Code        string
	Description string
	// Err is the internal cause; it is logged but never sent to clients.
	Err error
}

func (e *GrantError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *GrantError) Unwrap() error { return e.Err }

func grantError(code, description string) *GrantError {
	return &GrantError{Code: code, Description: description}
}

func invalidGrant(description string) *GrantError {
	return grantError(ErrorCodeInvalidGrant, description)
}

func invalidRequest(description string) *GrantError {
	return grantError(ErrorCodeInvalidRequest, description)
}

func invalidClient(description string) *GrantError {
	return grantError(ErrorCodeInvalidClient, description)
}

func invalidScope(description string) *GrantError {
	return grantError(ErrorCodeInvalidScope, description)
}

func serverError(err error) *GrantError {
	return &GrantError{Code: ErrorCodeServerError, Description: "internal server error", Err: err}
}

package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/giantswarm/mcp-gateway-auth/server"
	"github.com/giantswarm/mcp-gateway-auth/storage"
)

func TestOAuthError_Error(t *testing.T) {
	e := NewOAuthError(server.ErrorCodeInvalidRequest, "missing code", http.StatusBadRequest)
	if got, want := e.Error(), "invalid_request: missing code"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestToOAuthError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{
			name:       "invalid grant",
			err:        &server.GrantError{Code: server.ErrorCodeInvalidGrant, Description: "code expired"},
			wantCode:   server.ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid client",
			err:        &server.GrantError{Code: server.ErrorCodeInvalidClient},
			wantCode:   server.ErrorCodeInvalidClient,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrapped grant error",
			err:        fmt.Errorf("exchange: %w", &server.GrantError{Code: server.ErrorCodeInvalidScope}),
			wantCode:   server.ErrorCodeInvalidScope,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "server error hides cause",
			err:        &server.GrantError{Code: server.ErrorCodeServerError, Description: "internal server error", Err: errors.New("disk full")},
			wantCode:   server.ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "bad credentials",
			err:        server.ErrInvalidCredentials,
			wantCode:   server.ErrorCodeAccessDenied,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "disabled user looks like bad credentials",
			err:        server.ErrUserDisabled,
			wantCode:   server.ErrorCodeAccessDenied,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unknown user",
			err:        storage.ErrUserNotFound,
			wantCode:   ErrorCodeNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown api key",
			err:        storage.ErrAPIKeyNotFound,
			wantCode:   ErrorCodeNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unexpected error",
			err:        errors.New("boom"),
			wantCode:   server.ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toOAuthError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
			if tt.wantCode == server.ErrorCodeServerError && got.Description != "internal server error" {
				t.Errorf("Description = %q leaks internals", got.Description)
			}
		})
	}
}

package instrumentation

import (
	"context"
	"testing"
)

func newTestInstrumentation(t *testing.T) *Instrumentation {
	t.Helper()
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	ctx := context.Background()
	metrics := newTestInstrumentation(t).Metrics()

	tests := []struct {
		name       string
		method     string
		endpoint   string
		statusCode int
		durationMs float64
	}{
		{"register", "POST", "/register", 201, 12.3},
		{"token", "POST", "/token", 200, 4.5},
		{"bad request", "POST", "/token", 400, 1.2},
		{"jwks", "GET", "/jwks", 200, 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics.RecordHTTPRequest(ctx, tt.method, tt.endpoint, tt.statusCode, tt.durationMs)
		})
	}
}

func TestMetrics_AuthorizationServer(t *testing.T) {
	ctx := context.Background()
	metrics := newTestInstrumentation(t).Metrics()

	metrics.RecordClientRegistered(ctx, "public")
	metrics.RecordLoginAttempt(ctx, ResultFailure)
	metrics.RecordLoginAttempt(ctx, ResultSuccess)
	metrics.RecordCodeExchanged(ctx, ResultSuccess, "S256")
	metrics.RecordTokenRefreshed(ctx, ResultSuccess)
	metrics.RecordTokenRevoked(ctx)
	metrics.RecordAPIKeyAuth(ctx, ResultFailure)
}

func TestMetrics_KeysAndFederation(t *testing.T) {
	ctx := context.Background()
	metrics := newTestInstrumentation(t).Metrics()

	metrics.RecordTokenValidation(ctx, IssuerKindFederated, ResultSuccess)
	metrics.RecordKeyCacheLookup(ctx, "jwks", true)
	metrics.RecordKeyCacheLookup(ctx, "discovery", false)
	metrics.RecordKeyFetch(ctx, "jwks", ResultSuccess, 25)
	metrics.RecordIdPHealthCheck(ctx, "https://idp.example.com", ResultFailure)
}

func TestMetrics_PermissionsAndSessions(t *testing.T) {
	ctx := context.Background()
	metrics := newTestInstrumentation(t).Metrics()

	metrics.RecordPermissionDecision(ctx, ResultAllowed, "")
	metrics.RecordPermissionDecision(ctx, ResultDenied, "tool")
	metrics.RecordSessionCreated(ctx)
	metrics.RecordSessionRejected(ctx)
	metrics.RecordSessionsExpired(ctx, 0)
	metrics.RecordSessionsExpired(ctx, 2)
	metrics.RecordRateLimitExceeded(ctx, "/token")
}

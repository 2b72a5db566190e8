package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result attribute values shared by all counters.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
	ResultAllowed = "allowed"
)

// Metrics holds all metric instruments of the gateway auth plane
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Built-in authorization server
	ClientRegistered metric.Int64Counter
	LoginAttempts    metric.Int64Counter
	CodeExchanged    metric.Int64Counter
	TokenRefreshed   metric.Int64Counter
	TokenRevoked     metric.Int64Counter
	APIKeyAuth       metric.Int64Counter

	// Token validation and key resolution
	TokenValidations metric.Int64Counter
	KeyCacheLookups  metric.Int64Counter
	KeyFetches       metric.Int64Counter
	KeyFetchDuration metric.Float64Histogram

	// Federation
	IdPHealthChecks metric.Int64Counter

	// Authorization
	PermissionDecisions metric.Int64Counter

	// Sessions
	SessionsCreated  metric.Int64Counter
	SessionsRejected metric.Int64Counter
	SessionsExpired  metric.Int64Counter
	SessionsActive   metric.Int64ObservableGauge

	// Security
	RateLimitExceeded metric.Int64Counter

	// Storage
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageClientsCount       metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageAPIKeysCount       metric.Int64ObservableGauge
}

type counterSpec struct {
	target *metric.Int64Counter
	meter  string
	name   string
	desc   string
	unit   string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, "http", "gateway.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.ClientRegistered, "server", "gateway.oauth.client.registered", "Number of OAuth clients registered", "{client}"},
		{&m.LoginAttempts, "server", "gateway.oauth.login.attempts", "Number of sign-in form submissions", "{attempt}"},
		{&m.CodeExchanged, "server", "gateway.oauth.code.exchanged", "Number of authorization code exchanges", "{exchange}"},
		{&m.TokenRefreshed, "server", "gateway.oauth.token.refreshed", "Number of refresh token grants", "{refresh}"},
		{&m.TokenRevoked, "server", "gateway.oauth.token.revoked", "Number of token revocations", "{revocation}"},
		{&m.APIKeyAuth, "server", "gateway.apikey.authentications", "Number of API key authentication attempts", "{attempt}"},
		{&m.TokenValidations, "token", "gateway.token.validations", "Number of bearer token validations", "{validation}"},
		{&m.KeyCacheLookups, "keys", "gateway.keys.cache.lookups", "Number of key cache lookups by cache and outcome", "{lookup}"},
		{&m.KeyFetches, "keys", "gateway.keys.fetches", "Number of discovery and JWKS fetches", "{fetch}"},
		{&m.IdPHealthChecks, "federation", "gateway.idp.health_checks", "Number of IdP health probes", "{check}"},
		{&m.PermissionDecisions, "permissions", "gateway.permission.decisions", "Number of permission decisions", "{decision}"},
		{&m.SessionsCreated, "session", "gateway.sessions.created", "Number of sessions created", "{session}"},
		{&m.SessionsRejected, "session", "gateway.sessions.rejected", "Number of session creations rejected at capacity", "{session}"},
		{&m.SessionsExpired, "session", "gateway.sessions.expired", "Number of sessions removed by expiry", "{session}"},
		{&m.RateLimitExceeded, "security", "gateway.security.rate_limit_exceeded", "Number of rate limited requests", "{request}"},
		{&m.StorageOperationTotal, "storage", "gateway.storage.operations.total", "Number of storage operations", "{operation}"},
	}

	for _, c := range counters {
		counter, err := inst.Meter(c.meter).Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.HTTPRequestDuration, err = inst.Meter("http").Float64Histogram(
		"gateway.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.KeyFetchDuration, err = inst.Meter("keys").Float64Histogram(
		"gateway.keys.fetch.duration",
		metric.WithDescription("Discovery and JWKS fetch duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create keys.fetch.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = inst.Meter("storage").Float64Histogram(
		"gateway.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []struct {
		target *metric.Int64ObservableGauge
		meter  string
		name   string
		desc   string
	}{
		{&m.SessionsActive, "session", "gateway.sessions.active", "Number of live sessions"},
		{&m.StorageClientsCount, "storage", "gateway.storage.clients.count", "Number of registered clients"},
		{&m.StorageCodesCount, "storage", "gateway.storage.codes.count", "Number of outstanding authorization codes"},
		{&m.StorageRefreshTokensCount, "storage", "gateway.storage.refresh_tokens.count", "Number of live refresh tokens"},
		{&m.StorageAPIKeysCount, "storage", "gateway.storage.api_keys.count", "Number of API keys"},
	}
	for _, g := range gauges {
		gauge, err := inst.Meter(g.meter).Int64ObservableGauge(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.target = gauge
	}

	return m, nil
}

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordHTTPRequest records an HTTP request with its status and duration
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordClientRegistered records a client registration
func (m *Metrics) RecordClientRegistered(ctx context.Context, clientType string) {
	if m == nil {
		return
	}
	m.add(ctx, m.ClientRegistered, attribute.String(AttrClientType, clientType))
}

// RecordLoginAttempt records a sign-in attempt
func (m *Metrics) RecordLoginAttempt(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.add(ctx, m.LoginAttempts, attribute.String(AttrResult, result))
}

// RecordCodeExchanged records an authorization code exchange
func (m *Metrics) RecordCodeExchanged(ctx context.Context, result, pkceMethod string) {
	if m == nil {
		return
	}
	m.add(ctx, m.CodeExchanged,
		attribute.String(AttrResult, result),
		attribute.String(AttrPKCEMethod, pkceMethod))
}

// RecordTokenRefreshed records a refresh token grant
func (m *Metrics) RecordTokenRefreshed(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.add(ctx, m.TokenRefreshed, attribute.String(AttrResult, result))
}

// RecordTokenRevoked records a token revocation
func (m *Metrics) RecordTokenRevoked(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.TokenRevoked)
}

// RecordAPIKeyAuth records an API key authentication attempt
func (m *Metrics) RecordAPIKeyAuth(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.add(ctx, m.APIKeyAuth, attribute.String(AttrResult, result))
}

// RecordTokenValidation records a bearer token validation
func (m *Metrics) RecordTokenValidation(ctx context.Context, issuerKind, result string) {
	if m == nil {
		return
	}
	m.add(ctx, m.TokenValidations,
		attribute.String(AttrIssuerKind, issuerKind),
		attribute.String(AttrResult, result))
}

// RecordKeyCacheLookup records a hit or miss in the discovery or JWKS cache
func (m *Metrics) RecordKeyCacheLookup(ctx context.Context, cache string, hit bool) {
	if m == nil {
		return
	}
	m.add(ctx, m.KeyCacheLookups,
		attribute.String(AttrKeyCache, cache),
		attribute.Bool(AttrCacheHit, hit))
}

// RecordKeyFetch records a discovery or JWKS fetch with its duration
func (m *Metrics) RecordKeyFetch(ctx context.Context, kind, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrKeyCache, kind),
		attribute.String(AttrResult, result),
	)
	m.KeyFetches.Add(ctx, 1, attrs)
	m.KeyFetchDuration.Record(ctx, durationMs, attrs)
}

// RecordIdPHealthCheck records an IdP health probe
func (m *Metrics) RecordIdPHealthCheck(ctx context.Context, issuer, result string) {
	if m == nil {
		return
	}
	m.add(ctx, m.IdPHealthChecks,
		attribute.String(AttrIssuer, issuer),
		attribute.String(AttrResult, result))
}

// RecordPermissionDecision records an allow or deny decision
func (m *Metrics) RecordPermissionDecision(ctx context.Context, result, denialType string) {
	if m == nil {
		return
	}
	m.add(ctx, m.PermissionDecisions,
		attribute.String(AttrResult, result),
		attribute.String(AttrDenialType, denialType))
}

// RecordSessionCreated records a session creation
func (m *Metrics) RecordSessionCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.SessionsCreated)
}

// RecordSessionRejected records a session rejected at capacity
func (m *Metrics) RecordSessionRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.SessionsRejected)
}

// RecordSessionsExpired records sessions removed by expiry
func (m *Metrics) RecordSessionsExpired(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsExpired.Add(ctx, int64(n))
}

// RecordRateLimitExceeded records a rate limited request
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.add(ctx, m.RateLimitExceeded, attribute.String(AttrHTTPEndpoint, endpoint))
}

// RecordStorageOperation records a storage operation with its duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

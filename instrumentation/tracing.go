package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys.
//
// Only metadata goes into attributes. Tokens, codes, client secrets, API keys
// and passwords must never be recorded, since traces are usually kept longer
// and seen by more people than the systems that produce them.
const (
	// OAuth flow
	AttrClientID   = "oauth.client_id"
	AttrUserID     = "oauth.user_id"
	AttrScope      = "oauth.scope"
	AttrPKCEMethod = "oauth.pkce.method"
	AttrGrantType  = "oauth.grant_type"
	AttrClientType = "oauth.client_type"
	AttrError      = "oauth.error"

	// Token validation and key resolution
	AttrIssuer     = "token.issuer"
	AttrIssuerKind = "token.issuer_kind" // "builtin" or "federated"
	AttrKeyID      = "token.kid"
	AttrKeyCache   = "keys.cache" // "discovery" or "jwks"
	AttrCacheHit   = "keys.cache_hit"

	// Authorization and sessions
	AttrToolName   = "mcp.tool"
	AttrProject    = "mcp.project"
	AttrSessionID  = "mcp.session_id"
	AttrDenialType = "permission.denial_type"

	// Storage
	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	// Shared
	AttrResult = "result"

	// Security
	AttrClientIP       = "security.client_ip"
	AttrAuditEventType = "security.audit.event_type"

	// HTTP, in addition to the semantic conventions
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// Issuer kinds reported under AttrIssuerKind.
const (
	IssuerKindBuiltin   = "builtin"
	IssuerKindFederated = "federated"
)

// RecordError records an error on a span and marks it failed (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds client, user and scope to a span, skipping empty values
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddKeyAttributes adds issuer and key id attributes to a span
func AddKeyAttributes(span trace.Span, issuer, kid string) {
	SetSpanAttributes(span, attribute.String(AttrIssuer, issuer))
	if kid != "" {
		SetSpanAttributes(span, attribute.String(AttrKeyID, kid))
	}
}

// AddStorageAttributes adds storage operation attributes to a span
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

package security

// Event type constants for security audit logging.
const (
	// Token lifecycle

	// EventTokenIssued is logged when an access token is minted by the built-in server
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a refresh token is revoked
	EventTokenRevoked = "token_revoked"

	// EventAuthorizationCodeIssued is logged after a successful sign-in
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// Authentication

	// EventLoginSucceeded is logged when a user signs in through the login form
	EventLoginSucceeded = "login_succeeded"

	// EventLoginFailed is logged when sign-in fails (unknown user, bad password, disabled)
	EventLoginFailed = "login_failed"

	// EventAuthFailure is logged when bearer or API key authentication fails
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventScopeEscalationAttempt is logged when a refresh asks for more scope than granted
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Users and API keys

	// EventUserCreated is logged when an administrator creates a user
	EventUserCreated = "user_created"

	// EventUserDeleted is logged when an administrator deletes a user
	EventUserDeleted = "user_deleted"

	// EventAPIKeyCreated is logged when an API key is issued
	EventAPIKeyCreated = "api_key_created" //nolint:gosec // event name, not a credential

	// EventAPIKeyUsed is logged when an API key authenticates a request
	EventAPIKeyUsed = "api_key_used" //nolint:gosec // event name, not a credential

	// EventAPIKeyRejected is logged when an unknown or expired API key is presented
	EventAPIKeyRejected = "api_key_rejected" //nolint:gosec // event name, not a credential

	// EventAPIKeyRevoked is logged when an API key is revoked
	EventAPIKeyRevoked = "api_key_revoked" //nolint:gosec // event name, not a credential

	// Federation

	// EventIdPAdded is logged when an external identity provider is configured
	EventIdPAdded = "idp_added"

	// EventIdPRemoved is logged when an external identity provider is removed
	EventIdPRemoved = "idp_removed"

	// EventIdPHealthChanged is logged when an identity provider flips between healthy and unhealthy
	EventIdPHealthChanged = "idp_health_changed"

	// Authorization and sessions

	// EventPermissionDenied is logged when the permission engine denies a tool call
	EventPermissionDenied = "permission_denied"

	// EventAdminAccessDenied is logged when an authenticated caller outside the admin group calls the admin API
	EventAdminAccessDenied = "admin_access_denied"

	// EventSessionCapacityExceeded is logged when a session is rejected at capacity
	EventSessionCapacityExceeded = "session_capacity_exceeded"
)

// Package security provides the security plumbing of the gateway: audit
// logging, rate limiting, security headers, client IP extraction, request ids
// and token expiry helpers.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
// A nil *Auditor discards every event.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when a token is issued
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed logs a refresh token rotation
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"token_type": tokenType},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogLogin logs a sign-in attempt through the login form
func (a *Auditor) LogLogin(username, clientID, ipAddress string, success bool, reason string) {
	event := Event{
		Type:      EventLoginSucceeded,
		UserID:    username,
		ClientID:  clientID,
		IPAddress: ipAddress,
	}
	if !success {
		event.Type = EventLoginFailed
		event.Details = map[string]any{"reason": reason}
	}
	a.LogEvent(event)
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, userID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"client_type": clientType},
	})
}

// LogAPIKeyEvent logs an API key lifecycle event. keyPrefix is the public
// prefix of the key, never the key itself.
func (a *Auditor) LogAPIKeyEvent(eventType, userID, keyID, keyPrefix, reason string) {
	details := map[string]any{}
	if keyID != "" {
		details["key_id"] = keyID
	}
	if keyPrefix != "" {
		details["key_prefix"] = keyPrefix
	}
	if reason != "" {
		details["reason"] = reason
	}
	a.LogEvent(Event{
		Type:    eventType,
		UserID:  userID,
		Details: details,
	})
}

// LogIdPEvent logs a federation event for issuer
func (a *Auditor) LogIdPEvent(eventType, issuer string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["issuer"] = issuer
	a.LogEvent(Event{
		Type:    eventType,
		Details: details,
	})
}

// LogPermissionDenied logs a denied tool call
func (a *Auditor) LogPermissionDenied(userID, tool, project, code string) {
	a.LogEvent(Event{
		Type:   EventPermissionDenied,
		UserID: userID,
		Details: map[string]any{
			"tool":    tool,
			"project": project,
			"code":    code,
		},
	})
}

// LogSessionCapacityExceeded logs a session rejected at capacity
func (a *Auditor) LogSessionCapacityExceeded(limit, current int) {
	a.LogEvent(Event{
		Type: EventSessionCapacityExceeded,
		Details: map[string]any{
			"limit":   limit,
			"current": current,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

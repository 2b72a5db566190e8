// Package authctx carries the caller's identity, session id and the
// permission engine through a request's context.Context, so deep handlers can
// ask who is calling without the values being passed explicitly. Values
// follow context semantics: goroutines started with a request's context see
// its identity, and sibling requests never share one.
package authctx

import (
	"context"
	"errors"

	"github.com/giantswarm/mcp-gateway-auth/identity"
	"github.com/giantswarm/mcp-gateway-auth/permissions"
)

// ErrNoUser is returned when the context carries no authenticated user.
var ErrNoUser = errors.New("no authenticated user in context")

// Each key is its own empty struct type, so no other package can collide
// with it.
type (
	userContextKey struct{}
	sessionIDKey   struct{}
	accessKey      struct{}
)

// WithUserContext returns a context carrying user.
func WithUserContext(ctx context.Context, user *identity.UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*identity.UserContext, bool) {
	user, ok := ctx.Value(userContextKey{}).(*identity.UserContext)
	return user, ok && user != nil
}

// WithSessionID returns a context carrying the MCP session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext returns the MCP session id. The user's own session id
// is used when no explicit one was set.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	if id, ok := ctx.Value(sessionIDKey{}).(string); ok && id != "" {
		return id, true
	}
	if user, ok := UserFromContext(ctx); ok && user.SessionID != "" {
		return user.SessionID, true
	}
	return "", false
}

// WithAccess returns a context carrying the permission engine.
func WithAccess(ctx context.Context, engine *permissions.Engine) context.Context {
	return context.WithValue(ctx, accessKey{}, engine)
}

// ContextAccess bundles everything a tool handler needs to authorize a call.
type ContextAccess struct {
	User        *identity.UserContext
	SessionID   string
	Permissions *permissions.Engine
}

// AccessFromContext returns the access bundle and whether an authenticated
// user is present.
func AccessFromContext(ctx context.Context) (ContextAccess, bool) {
	access := GetContextAccess(ctx)
	return access, access.User != nil
}

// GetContextAccess returns the access bundle of ctx. Missing parts are left
// zero.
func GetContextAccess(ctx context.Context) ContextAccess {
	user, _ := UserFromContext(ctx)
	sessionID, _ := SessionIDFromContext(ctx)
	engine, _ := ctx.Value(accessKey{}).(*permissions.Engine)
	return ContextAccess{User: user, SessionID: sessionID, Permissions: engine}
}

// RequireUser returns the user or ErrNoUser.
func (a ContextAccess) RequireUser() (*identity.UserContext, error) {
	if a.User == nil {
		return nil, ErrNoUser
	}
	return a.User, nil
}

// Check evaluates action for the user in a. Without a user or engine the
// action is denied.
func (a ContextAccess) Check(ctx context.Context, action permissions.Action) permissions.Decision {
	if a.User == nil || a.Permissions == nil {
		reason := "no authenticated user"
		if a.User != nil {
			reason = "no permission engine configured"
		}
		return permissions.Decision{
			Reason: reason,
			Denial: &permissions.Denial{
				Code:   permissions.CodeNoMatchingRule,
				Type:   permissions.DenialNoRule,
				Reason: reason,
			},
		}
	}
	return a.Permissions.Check(ctx, a.User, action)
}

// CanUseTool reports whether the user may call tool.
func (a ContextAccess) CanUseTool(ctx context.Context, tool string) bool {
	return a.Check(ctx, permissions.Action{Tool: tool}).Allowed
}

// CanAccessProject reports whether the user may access project.
func (a ContextAccess) CanAccessProject(ctx context.Context, project string) bool {
	return a.Check(ctx, permissions.Action{Project: project}).Allowed
}

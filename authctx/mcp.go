package authctx

import (
	"context"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/mcp-gateway-auth/permissions"
)

// SessionIDHeader is the MCP streamable HTTP session header.
const SessionIDHeader = "Mcp-Session-Id"

// MCPContextFunc is a server.HTTPContextFunc. It copies the identity
// attached by the authentication middleware into the MCP request context and
// binds it to the MCP session, taken from the client session in ctx or the
// Mcp-Session-Id header.
func MCPContextFunc(ctx context.Context, r *http.Request) context.Context {
	user, ok := UserFromContext(ctx)
	if !ok && r != nil {
		user, ok = UserFromContext(r.Context())
	}

	sessionID := ""
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		sessionID = cs.SessionID()
	}
	if sessionID == "" && r != nil {
		sessionID = r.Header.Get(SessionIDHeader)
	}

	if sessionID != "" {
		ctx = WithSessionID(ctx, sessionID)
	}
	if ok {
		if sessionID != "" && user.SessionID != sessionID {
			user = user.WithSessionID(sessionID)
		}
		ctx = WithUserContext(ctx, user)
	}
	if r != nil {
		if engine, ok := r.Context().Value(accessKey{}).(*permissions.Engine); ok {
			ctx = WithAccess(ctx, engine)
		}
	}
	return ctx
}

// ToolMiddleware denies tool calls the caller may not make. The denial is
// returned as a tool error result carrying the denial code.
func ToolMiddleware(engine *permissions.Engine) server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			access := GetContextAccess(ctx)
			if access.Permissions == nil {
				access.Permissions = engine
			}
			d := access.Check(ctx, permissions.Action{Tool: req.Params.Name})
			if !d.Allowed {
				return mcp.NewToolResultError(d.Denial.Error()), nil
			}
			return next(WithAccess(ctx, access.Permissions), req)
		}
	}
}

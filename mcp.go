package oauth

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/mcp-gateway-auth/authctx"
)

// WhoAmIToolName is the built-in tool reporting the caller's identity.
const WhoAmIToolName = "whoami"

// MCPServerOptions returns the MCP server options that bind the gateway to
// an MCP server: session tracking hooks, per call permission checks and
// per caller tool list filtering.
func (g *Gateway) MCPServerOptions() []mcpserver.ServerOption {
	engine := g.permissions
	return []mcpserver.ServerOption{
		mcpserver.WithHooks(g.sessions.Hooks()),
		mcpserver.WithToolHandlerMiddleware(authctx.ToolMiddleware(engine)),
		mcpserver.WithToolFilter(func(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
			user, _ := authctx.UserFromContext(ctx)
			return engine.FilterTools(user, tools)
		}),
	}
}

// NewMCPServer creates an MCP server guarded by the gateway, with the
// whoami tool registered. Backend tools are added with AddTool.
func (g *Gateway) NewMCPServer(name, version string, opts ...mcpserver.ServerOption) *mcpserver.MCPServer {
	opts = append([]mcpserver.ServerOption{
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	}, append(g.MCPServerOptions(), opts...)...)

	s := mcpserver.NewMCPServer(name, version, opts...)
	s.AddTool(mcp.NewTool(WhoAmIToolName,
		mcp.WithDescription("Show the identity, groups and scopes the gateway resolved for the caller"),
	), handleWhoAmI)
	return s
}

// NewStreamableHTTPServer serves s over streamable HTTP at the configured
// MCP path, propagating the authenticated identity into tool calls. Mount
// it with HTTPHandler.
func (g *Gateway) NewStreamableHTTPServer(s *mcpserver.MCPServer) *mcpserver.StreamableHTTPServer {
	return mcpserver.NewStreamableHTTPServer(s,
		mcpserver.WithEndpointPath(g.config.MCPPath),
		mcpserver.WithHTTPContextFunc(authctx.MCPContextFunc),
	)
}

type whoAmIResult struct {
	UserID     string   `json:"user_id"`
	Email      string   `json:"email,omitempty"`
	Groups     []string `json:"groups"`
	Scopes     []string `json:"scopes"`
	Issuer     string   `json:"issuer,omitempty"`
	AuthMethod string   `json:"auth_method"`
	SessionID  string   `json:"session_id,omitempty"`
}

func handleWhoAmI(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	access := authctx.GetContextAccess(ctx)
	user, err := access.RequireUser()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := json.MarshalIndent(whoAmIResult{
		UserID:     user.UserID,
		Email:      user.Email,
		Groups:     nonNil(user.Groups),
		Scopes:     nonNil(user.Scopes),
		Issuer:     user.Issuer,
		AuthMethod: user.AuthMethod,
		SessionID:  access.SessionID,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(out)), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

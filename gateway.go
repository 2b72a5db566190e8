package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
	"github.com/giantswarm/mcp-gateway-auth/permissions"
	"github.com/giantswarm/mcp-gateway-auth/providers"
	"github.com/giantswarm/mcp-gateway-auth/providers/oidc"
	"github.com/giantswarm/mcp-gateway-auth/security"
	"github.com/giantswarm/mcp-gateway-auth/server"
	"github.com/giantswarm/mcp-gateway-auth/session"
	"github.com/giantswarm/mcp-gateway-auth/storage"
	"github.com/giantswarm/mcp-gateway-auth/storage/memory"
	"github.com/giantswarm/mcp-gateway-auth/token"
)

// PathHealth answers liveness probes.
const PathHealth = "/healthz"

// shutdownTimeout bounds the flush of telemetry providers in Close.
const shutdownTimeout = 5 * time.Second

// Gateway assembles the authentication and authorization components of the
// MCP gateway from a Config.
type Gateway struct {
	config *Config
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	auditor         *security.Auditor
	resolver        *oidc.Resolver
	federation      *providers.Manager
	keys            *token.KeyManager
	signer          *token.Signer
	validator       *token.Validator
	store           *memory.Store
	server          *server.Server
	permissions     *permissions.Engine
	sessions        *session.Registry
	handler         *Handler

	closeOnce sync.Once
}

// NewGateway builds a gateway from a validated configuration and creates the
// configured bootstrap users. Call Close to release its background workers.
func NewGateway(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *Gateway, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			g.Close()
		}
	}()

	g.instrumentation, err = instrumentation.New(cfg.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	audit := cfg.Audit == nil || *cfg.Audit
	g.auditor = security.NewAuditor(logger, audit)

	g.resolver = oidc.NewResolver(oidc.ResolverConfig{
		DiscoveryTTL:         cfg.Federation.DiscoveryTTL,
		JWKSTTL:              cfg.Federation.JWKSTTL,
		AllowInsecureIssuers: cfg.Federation.AllowInsecureIssuers,
		Logger:               logger,
		Instrumentation:      g.instrumentation,
	})
	g.federation = providers.NewManager(providers.Config{
		Resolver:        g.resolver,
		HealthInterval:  cfg.Federation.HealthInterval,
		HealthTimeout:   cfg.Federation.HealthTimeout,
		Logger:          logger,
		Auditor:         g.auditor,
		Instrumentation: g.instrumentation,
	})
	for _, idp := range cfg.IdPs {
		if err = g.federation.AddIdP(idp); err != nil {
			return nil, fmt.Errorf("failed to add IdP %q: %w", idp.Issuer, err)
		}
	}

	if cfg.SigningKeyFile != "" {
		g.keys, err = token.LoadKeyManager(cfg.SigningKeyFile, cfg.SigningKeyID)
	} else {
		logger.Warn("No signing key file configured, generating an ephemeral key; tokens will not survive a restart")
		g.keys, err = token.NewKeyManager()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set up signing key: %w", err)
	}
	g.signer = token.NewSigner(g.keys, cfg.OAuth.Issuer, cfg.OAuth.Audience, cfg.OAuth.AccessTokenTTL)

	g.store = memory.NewWithInterval(cfg.Storage.CleanupInterval)
	g.store.SetLogger(logger)
	g.store.SetInstrumentation(g.instrumentation)

	oauthCfg := cfg.OAuth
	g.server, err = server.New(g.store, g.signer, &oauthCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization server: %w", err)
	}
	g.server.SetAuditor(g.auditor)
	g.server.SetInstrumentation(g.instrumentation)

	g.validator = token.NewValidator(token.ValidatorConfig{
		BuiltinIssuer:   cfg.OAuth.Issuer,
		BuiltinAudience: cfg.OAuth.Audience,
		Keys:            g.keys,
		Federation:      g.federation,
		Logger:          logger,
		Instrumentation: g.instrumentation,
	})

	rules, err := cfg.loadPermissions()
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	g.permissions = permissions.NewEngine(rules, logger)
	g.permissions.SetAuditor(g.auditor)
	g.permissions.SetInstrumentation(g.instrumentation)

	g.sessions = session.NewRegistry(cfg.Session, logger)
	g.sessions.SetAuditor(g.auditor)
	g.sessions.SetInstrumentation(g.instrumentation)

	g.handler, err = NewHandler(HandlerConfig{
		Server:                g.server,
		Keys:                  g.keys,
		Validator:             g.validator,
		Permissions:           g.permissions,
		Sessions:              g.sessions,
		Federation:            g.federation,
		Resolver:              g.resolver,
		AdminToken:            cfg.Admin.Token,
		AdminGroup:            cfg.Admin.Group,
		RegistrationToken:     cfg.RegistrationToken,
		TrustedProxies:        cfg.TrustedProxies,
		LoginRateLimit:        cfg.RateLimit.Login,
		RegistrationRateLimit: cfg.RateLimit.Registration,
		Logger:                logger,
		Auditor:               g.auditor,
		Instrumentation:       g.instrumentation,
	})
	if err != nil {
		return nil, err
	}

	if err = g.bootstrapUsers(ctx); err != nil {
		return nil, err
	}

	logger.Info("Gateway initialized",
		"issuer", cfg.OAuth.Issuer,
		"idps", len(cfg.IdPs),
		"permission_rules", g.permissions.RuleCount(),
		"signing_key_id", g.keys.KeyID())
	return g, nil
}

// bootstrapUsers creates the configured users. Existing usernames are
// left untouched.
func (g *Gateway) bootstrapUsers(ctx context.Context) error {
	for _, u := range g.config.Users {
		_, err := g.server.CreateUser(ctx, u)
		if errors.Is(err, storage.ErrUserExists) {
			g.logger.Debug("Bootstrap user already exists", "username", u.Username)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to create user %q: %w", u.Username, err)
		}
	}
	return nil
}

// Config returns the gateway configuration.
func (g *Gateway) Config() *Config { return g.config }

// Server returns the built-in authorization server.
func (g *Gateway) Server() *server.Server { return g.server }

// Handler returns the HTTP handler of the auth control plane.
func (g *Gateway) Handler() *Handler { return g.handler }

// Permissions returns the permission engine.
func (g *Gateway) Permissions() *permissions.Engine { return g.permissions }

// Sessions returns the MCP session registry.
func (g *Gateway) Sessions() *session.Registry { return g.sessions }

// Federation returns the external IdP manager.
func (g *Gateway) Federation() *providers.Manager { return g.federation }

// Validator returns the bearer token validator.
func (g *Gateway) Validator() *token.Validator { return g.validator }

// Instrumentation returns the OpenTelemetry instrumentation.
func (g *Gateway) Instrumentation() *instrumentation.Instrumentation { return g.instrumentation }

// HTTPHandler returns the complete HTTP surface: the authorization server,
// the admin API, a health probe and, when mcp is non-nil, the MCP endpoint
// behind authentication.
func (g *Gateway) HTTPHandler(mcp http.Handler) http.Handler {
	mux := http.NewServeMux()
	g.handler.RegisterRoutes(mux)
	mux.HandleFunc("GET "+PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if mcp != nil {
		mux.Handle(g.config.MCPPath, g.handler.Authenticate(mcp))
	}
	return security.RequestID(security.SecurityHeaders(g.handler.tls, mux))
}

// Close stops every background worker and flushes telemetry. It is safe to
// call more than once.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		if g.handler != nil {
			g.handler.Close()
		}
		if g.sessions != nil {
			g.sessions.Shutdown()
		}
		if g.federation != nil {
			g.federation.Close()
		}
		if g.store != nil {
			g.store.Stop()
		}
		if g.instrumentation != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := g.instrumentation.Shutdown(ctx); err != nil {
				g.logger.Warn("Failed to shut down instrumentation", "error", err)
			}
		}
	})
}

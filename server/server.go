package server

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
	"github.com/giantswarm/mcp-gateway-auth/security"
	"github.com/giantswarm/mcp-gateway-auth/storage"
	"github.com/giantswarm/mcp-gateway-auth/token"
)

// secretLogLength is the number of characters of codes, tokens and keys
// that may appear in logs.
const secretLogLength = 8

// Server implements the built-in OAuth 2.1 authorization server: client
// registration, local sign-in, code exchange, refresh rotation, revocation,
// user accounts and API keys.
type Server struct {
	store   storage.Store
	signer  *token.Signer
	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates a new authorization server
func New(store storage.Store, signer *token.Signer, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("token signer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		store:  store,
		signer: signer,
		Logger: logger,
		Config: applySecureDefaults(config, logger),
		tracer: (*instrumentation.Instrumentation)(nil).Tracer("server"),
		now:    time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables tracing and metrics
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// SetClock replaces the clock used for expiry decisions.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier returns 32 random bytes, base64url encoded.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

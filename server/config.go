package server

import (
	"log/slog"
	"time"
)

// Defaults applied by applySecureDefaults.
const (
	DefaultAuthorizationRequestTTL = 10 * time.Minute
	DefaultAuthorizationCodeTTL    = 10 * time.Minute
	DefaultAccessTokenTTL          = time.Hour
	DefaultRefreshTokenTTL         = 30 * 24 * time.Hour
	DefaultMinStateLength          = 8
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string `yaml:"issuer"`

	// Audience is the aud claim of minted access tokens
	Audience string `yaml:"audience"`

	// AuthorizationRequestTTL is how long a pending authorization request
	// waits for the user to sign in (default: 10m)
	AuthorizationRequestTTL time.Duration `yaml:"authorizationRequestTTL"`

	// AuthorizationCodeTTL is how long authorization codes are valid (default: 10m)
	AuthorizationCodeTTL time.Duration `yaml:"authorizationCodeTTL"`

	// AccessTokenTTL is how long access tokens are valid (default: 1h)
	AccessTokenTTL time.Duration `yaml:"accessTokenTTL"`

	// RefreshTokenTTL is how long refresh tokens are valid (default: 30d)
	RefreshTokenTTL time.Duration `yaml:"refreshTokenTTL"`

	// SupportedScopes lists the scopes clients may request.
	// If empty, all scopes are allowed
	SupportedScopes []string `yaml:"supportedScopes"`

	// RequirePKCE enforces PKCE for confidential clients too. Public clients
	// always need PKCE. Default: true
	RequirePKCE *bool `yaml:"requirePKCE"`

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// When false, only S256 is accepted. Default: false
	AllowPKCEPlain bool `yaml:"allowPKCEPlain"`

	// MinStateLength is the minimum length of the client state parameter.
	// Zero applies the default; a negative value makes state optional.
	MinStateLength int `yaml:"minStateLength"`

	// AllowedCustomSchemes is a list of allowed custom URI scheme patterns (regex)
	// for native clients. Empty allows all RFC 3986 compliant schemes
	AllowedCustomSchemes []string `yaml:"allowedCustomSchemes"`
}

// pkceRequired reports whether confidential clients must use PKCE.
func (c *Config) pkceRequired() bool {
	return c.RequirePKCE == nil || *c.RequirePKCE
}

// applySecureDefaults fills unset fields with secure defaults and logs
// warnings for settings that weaken security.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	out := *config
	if out.AuthorizationRequestTTL <= 0 {
		out.AuthorizationRequestTTL = DefaultAuthorizationRequestTTL
	}
	if out.AuthorizationCodeTTL <= 0 {
		out.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if out.AccessTokenTTL <= 0 {
		out.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if out.RefreshTokenTTL <= 0 {
		out.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if out.MinStateLength == 0 {
		out.MinStateLength = DefaultMinStateLength
	}

	logSecurityWarnings(&out, logger)
	return &out
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.pkceRequired() {
		logger.Warn("SECURITY WARNING: PKCE is not required for confidential clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set requirePKCE=true for OAuth 2.1 compliance")
	}
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set allowPKCEPlain=false to require S256")
	}
	if config.MinStateLength < 0 {
		logger.Warn("SECURITY WARNING: state parameter is optional",
			"risk", "CSRF on the redirect back to the client")
	}
}

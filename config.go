package oauth

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
	"github.com/giantswarm/mcp-gateway-auth/permissions"
	"github.com/giantswarm/mcp-gateway-auth/providers"
	"github.com/giantswarm/mcp-gateway-auth/providers/oidc"
	"github.com/giantswarm/mcp-gateway-auth/security"
	"github.com/giantswarm/mcp-gateway-auth/server"
	"github.com/giantswarm/mcp-gateway-auth/session"
	"github.com/giantswarm/mcp-gateway-auth/storage/memory"
)

// Defaults applied by Config.ApplyDefaults.
const (
	DefaultListenAddress  = ":8080"
	DefaultAudience       = "mcp-gateway"
	DefaultAdminGroup     = "mcp-gateway-admins"
	DefaultDiscoveryTTL   = time.Hour
	DefaultJWKSTTL        = time.Hour
	DefaultMCPPath        = "/mcp"
	defaultLoginRate      = 1.0
	defaultLoginBurst     = 5
	defaultRegisterRate   = 0.1
	defaultRegisterBurst  = 10
	minAdminTokenLength   = 32
	defaultServiceVersion = "dev"
)

// Config is the gateway configuration file. Durations are Go duration
// strings ("10m", "720h"). Environment variables in the file are expanded
// by LoadConfig, so secrets can be kept out of it.
type Config struct {
	// ListenAddress is the HTTP listen address (default: ":8080").
	ListenAddress string `yaml:"listenAddress"`

	// MCPPath is where the MCP endpoint is mounted (default: "/mcp").
	MCPPath string `yaml:"mcpPath"`

	// TrustedProxies is the number of reverse proxies in front of the
	// gateway. Zero ignores X-Forwarded-For.
	TrustedProxies int `yaml:"trustedProxies"`

	// OAuth configures the built-in authorization server. Issuer is
	// required.
	OAuth server.Config `yaml:"oauth"`

	// SigningKeyFile is a PEM RSA private key. Empty generates a key at
	// startup, which invalidates every token on restart.
	SigningKeyFile string `yaml:"signingKeyFile"`

	// SigningKeyID is the kid of the signing key. Empty derives one.
	SigningKeyID string `yaml:"signingKeyID"`

	// RegistrationToken, when set, must be presented as a bearer token to
	// register clients.
	RegistrationToken string `yaml:"registrationToken"`

	// IdPs are the external identity providers whose tokens are accepted.
	IdPs []providers.IdPConfig `yaml:"idps"`

	// Federation tunes key resolution and IdP health checks.
	Federation FederationConfig `yaml:"federation"`

	// PermissionsFile is a YAML or JSON rule file. Permissions is used when
	// it is empty.
	PermissionsFile string              `yaml:"permissionsFile"`
	Permissions     *permissions.Config `yaml:"permissions"`

	Session session.Config `yaml:"session"`

	// Storage tunes the in-memory store.
	Storage StorageConfig `yaml:"storage"`

	Admin AdminConfig `yaml:"admin"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// Audit enables security audit records (default: true).
	Audit *bool `yaml:"audit"`

	// Users are created at startup when no user with that name exists.
	Users []server.NewUser `yaml:"users"`

	Instrumentation instrumentation.Config `yaml:"instrumentation"`
}

// FederationConfig tunes the external IdP federation.
type FederationConfig struct {
	DiscoveryTTL   time.Duration `yaml:"discoveryTTL"`
	JWKSTTL        time.Duration `yaml:"jwksTTL"`
	HealthInterval time.Duration `yaml:"healthInterval"`
	HealthTimeout  time.Duration `yaml:"healthTimeout"`

	// AllowInsecureIssuers accepts http and private address issuers.
	// Only for local development.
	AllowInsecureIssuers bool `yaml:"allowInsecureIssuers"`
}

// StorageConfig tunes the in-memory store.
type StorageConfig struct {
	// CleanupInterval is how often expired records are swept (default: 1m).
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// AdminConfig controls access to the /admin API.
type AdminConfig struct {
	// Token is a static bearer token granting admin access. Empty disables
	// it.
	Token string `yaml:"token"`

	// Group grants admin access to authenticated users in it
	// (default: "mcp-gateway-admins").
	Group string `yaml:"group"`
}

// RateLimitConfig holds the per client IP limits of the public endpoints.
type RateLimitConfig struct {
	Login        security.RateLimitConfig `yaml:"login"`
	Registration security.RateLimitConfig `yaml:"registration"`
}

// LoadConfig reads, defaults and validates a configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig([]byte(os.ExpandEnv(string(data))))
}

// ParseConfig decodes YAML configuration, applies defaults and validates
// it. Unknown fields are rejected.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.MCPPath == "" {
		c.MCPPath = DefaultMCPPath
	}
	if c.OAuth.Audience == "" {
		c.OAuth.Audience = DefaultAudience
	}
	if c.Federation.DiscoveryTTL <= 0 {
		c.Federation.DiscoveryTTL = DefaultDiscoveryTTL
	}
	if c.Federation.JWKSTTL <= 0 {
		c.Federation.JWKSTTL = DefaultJWKSTTL
	}
	if c.Federation.HealthInterval <= 0 {
		c.Federation.HealthInterval = providers.DefaultHealthInterval
	}
	if c.Federation.HealthTimeout <= 0 {
		c.Federation.HealthTimeout = providers.DefaultHealthTimeout
	}
	if c.Storage.CleanupInterval <= 0 {
		c.Storage.CleanupInterval = memory.DefaultCleanupInterval
	}
	if c.Admin.Group == "" {
		c.Admin.Group = DefaultAdminGroup
	}
	if c.RateLimit.Login.PerSecond <= 0 {
		c.RateLimit.Login.PerSecond = defaultLoginRate
	}
	if c.RateLimit.Login.Burst <= 0 {
		c.RateLimit.Login.Burst = defaultLoginBurst
	}
	if c.RateLimit.Registration.PerSecond <= 0 {
		c.RateLimit.Registration.PerSecond = defaultRegisterRate
	}
	if c.RateLimit.Registration.Burst <= 0 {
		c.RateLimit.Registration.Burst = defaultRegisterBurst
	}
	if c.Audit == nil {
		enabled := true
		c.Audit = &enabled
	}
	if c.Instrumentation.ServiceName == "" {
		c.Instrumentation.ServiceName = "mcp-gateway-auth"
	}
	if c.Instrumentation.ServiceVersion == "" {
		c.Instrumentation.ServiceVersion = defaultServiceVersion
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.OAuth.Issuer == "" {
		errs = append(errs, errors.New("oauth.issuer is required"))
	} else if err := oidc.ValidateIssuerURL(c.OAuth.Issuer); err != nil && !c.Federation.AllowInsecureIssuers {
		errs = append(errs, fmt.Errorf("oauth.issuer: %w", err))
	}
	if c.TrustedProxies < 0 {
		errs = append(errs, errors.New("trustedProxies must not be negative"))
	}
	if !strings.HasPrefix(c.MCPPath, "/") {
		errs = append(errs, errors.New("mcpPath must start with '/'"))
	}

	seen := make(map[string]bool)
	for i, idp := range c.IdPs {
		if err := idp.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("idps[%d]: %w", i, err))
			continue
		}
		if seen[idp.Issuer] {
			errs = append(errs, fmt.Errorf("idps[%d]: duplicate issuer %q", i, idp.Issuer))
		}
		seen[idp.Issuer] = true
	}

	if c.PermissionsFile != "" && c.Permissions != nil {
		errs = append(errs, errors.New("permissionsFile and permissions are mutually exclusive"))
	}
	if c.Permissions != nil {
		if err := c.Permissions.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("permissions: %w", err))
		}
	}

	if c.Admin.Token != "" && len(c.Admin.Token) < minAdminTokenLength {
		errs = append(errs, fmt.Errorf("admin.token must be at least %d characters", minAdminTokenLength))
	}
	if c.Session.Timeout < 0 || c.Session.MaxSessions < 0 {
		errs = append(errs, errors.New("session.timeout and session.maxSessions must not be negative"))
	}

	for i, u := range c.Users {
		if u.Username == "" {
			errs = append(errs, fmt.Errorf("users[%d].username is required", i))
		}
		if len(u.Password) < server.MinPasswordLength {
			errs = append(errs, fmt.Errorf("users[%d].password must be at least %d characters", i, server.MinPasswordLength))
		}
	}

	switch c.Instrumentation.MetricsExporter {
	case "", instrumentation.MetricsExporterNone, instrumentation.MetricsExporterPrometheus:
	default:
		errs = append(errs, fmt.Errorf("instrumentation.metricsExporter: unknown exporter %q", c.Instrumentation.MetricsExporter))
	}

	return errors.Join(errs...)
}

// loadPermissions returns the rule set named by the configuration. Without
// one every request is denied.
func (c *Config) loadPermissions() (*permissions.Config, error) {
	if c.PermissionsFile != "" {
		return permissions.LoadConfig(c.PermissionsFile)
	}
	if c.Permissions != nil {
		return c.Permissions, nil
	}
	return &permissions.Config{}, nil
}

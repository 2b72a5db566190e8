package providers

import (
	"fmt"
	"net/url"
	"time"

	"github.com/giantswarm/mcp-gateway-auth/internal/util"
)

// Provider tags accepted in IdPConfig.Provider.
const (
	ProviderAzure    = "azure"
	ProviderOkta     = "okta"
	ProviderKeycloak = "keycloak"
	ProviderAuth0    = "auth0"
	ProviderGoogle   = "google"
	ProviderGeneric  = "generic"
)

// Group transforms accepted in IdPConfig.GroupsTransform.
const (
	TransformNone        = "none"
	TransformExtractName = "extract_name"
	TransformExtractID   = "extract_id"
)

// IdPConfig describes one external identity provider whose tokens the
// gateway accepts.
type IdPConfig struct {
	// Provider is the provider tag (azure, okta, keycloak, auth0, google, generic).
	Provider string `yaml:"provider" json:"provider"`

	// Issuer is the expected iss claim and the key of the IdP.
	Issuer string `yaml:"issuer" json:"issuer"`

	// Audience is the expected aud claim. Empty disables the audience check
	// and is logged as a warning when the IdP is added.
	Audience string `yaml:"audience" json:"audience,omitempty"`

	// JWKSURI skips discovery when set.
	JWKSURI string `yaml:"jwksUri" json:"jwks_uri,omitempty"`

	// GroupsClaim names the claim holding group memberships. Dotted paths
	// address nested objects, e.g. "realm_access.roles".
	GroupsClaim string `yaml:"groupsClaim" json:"groups_claim,omitempty"`

	// GroupsTransform is applied to every group: none, extract_name or extract_id.
	GroupsTransform string `yaml:"groupsTransform" json:"groups_transform,omitempty"`

	// TenantID is recorded on claims as idp_tenant when set.
	TenantID string `yaml:"tenantId" json:"tenant_id,omitempty"`

	// HealthCheck enrolls the IdP in periodic health probes.
	HealthCheck bool `yaml:"healthCheck" json:"health_check"`
}

// preset holds provider defaults applied to empty IdPConfig fields.
type preset struct {
	groupsClaim     string
	groupsTransform string
}

var presets = map[string]preset{
	ProviderAzure:    {groupsClaim: "groups", groupsTransform: TransformNone},
	ProviderOkta:     {groupsClaim: "groups", groupsTransform: TransformNone},
	ProviderKeycloak: {groupsClaim: "groups", groupsTransform: TransformExtractID},
	ProviderAuth0:    {groupsClaim: "groups", groupsTransform: TransformNone},
	ProviderGoogle:   {groupsClaim: "groups", groupsTransform: TransformNone},
	ProviderGeneric:  {groupsClaim: "groups", groupsTransform: TransformNone},
}

// applyPreset returns a copy of cfg with provider defaults filled in.
func applyPreset(cfg IdPConfig) IdPConfig {
	if cfg.Provider == "" {
		cfg.Provider = ProviderGeneric
	}
	p := presets[cfg.Provider]
	if cfg.GroupsClaim == "" {
		cfg.GroupsClaim = p.groupsClaim
	}
	if cfg.GroupsTransform == "" {
		cfg.GroupsTransform = p.groupsTransform
	}
	cfg.Issuer = util.NormalizeURL(cfg.Issuer)
	return cfg
}

// Validate checks the IdP configuration.
func (c IdPConfig) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if u, err := url.Parse(c.Issuer); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer %q is not an absolute URL", c.Issuer)
	}
	if c.Provider != "" {
		if _, ok := presets[c.Provider]; !ok {
			return fmt.Errorf("unknown provider %q", c.Provider)
		}
	}
	switch c.GroupsTransform {
	case "", TransformNone, TransformExtractName, TransformExtractID:
	default:
		return fmt.Errorf("unknown groups transform %q", c.GroupsTransform)
	}
	if c.JWKSURI != "" {
		if u, err := url.Parse(c.JWKSURI); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("jwks URI %q is not an absolute URL", c.JWKSURI)
		}
	}
	return nil
}

// HealthStatus is the liveness record of one IdP.
type HealthStatus struct {
	Issuer              string    `json:"issuer"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
}

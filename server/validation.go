package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/giantswarm/mcp-gateway-auth/internal/util"
	"github.com/giantswarm/mcp-gateway-auth/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}
)

// errMissingVerifier distinguishes a missing code_verifier (invalid_request)
// from a wrong one (invalid_grant).
var errMissingVerifier = errors.New("code_verifier is required when code_challenge is present")

// validateRedirectURIForRegistration checks a redirect URI submitted at
// registration: absolute, no fragment, no dangerous scheme, HTTPS unless
// loopback or the server itself runs on plain HTTP.
func (s *Server) validateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("redirect_uri must be an absolute URI")
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != SchemeHTTP && scheme != SchemeHTTPS {
		return validateCustomScheme(scheme, s.Config.AllowedCustomSchemes)
	}

	if parsed.Host == "" {
		return fmt.Errorf("redirect_uri must have a host")
	}
	if scheme == SchemeHTTP && !util.IsLoopbackHostname(parsed.Hostname()) && strings.HasPrefix(s.Config.Issuer, "https://") {
		return fmt.Errorf("redirect_uri must use HTTPS in production (got %s://)", scheme)
	}
	return nil
}

// validateCustomScheme validates a custom URI scheme against allowed patterns
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	if slices.Contains(DangerousSchemes, scheme) {
		return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}
	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, scheme)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}
	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns", scheme)
}

// validateScopes checks scope against the server's supported scopes.
func (s *Server) validateScopes(scope string) error {
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}
	for _, reqScope := range strings.Fields(scope) {
		if !slices.Contains(s.Config.SupportedScopes, reqScope) {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}
	return nil
}

// validateClientScopes checks that scope is within the client's registered
// scopes. Clients registered without scopes may request any supported scope.
func validateClientScopes(scope string, clientScopes []string) error {
	if len(clientScopes) == 0 {
		return nil
	}
	for _, reqScope := range strings.Fields(scope) {
		if !slices.Contains(clientScopes, reqScope) {
			// Generic on purpose: no enumeration of allowed scopes.
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}
	return nil
}

// isScopeSubset reports whether every scope in requested is also in granted.
func isScopeSubset(requested, granted string) bool {
	grantedScopes := strings.Fields(granted)
	for _, scope := range strings.Fields(requested) {
		if !slices.Contains(grantedScopes, scope) {
			return false
		}
	}
	return true
}

// validateStateParameter enforces a minimum state length for CSRF protection.
func (s *Server) validateStateParameter(state string) error {
	if s.Config.MinStateLength < 0 {
		return nil
	}
	if state == "" {
		return fmt.Errorf("state parameter is required for CSRF protection")
	}
	if len(state) < s.Config.MinStateLength {
		return fmt.Errorf("state parameter must be at least %d characters", s.Config.MinStateLength)
	}
	return nil
}

// validatePKCEChallenge checks the challenge of an authorization request.
func (s *Server) validatePKCEChallenge(client *storage.Client, challenge, method string) error {
	if challenge == "" {
		if client.IsPublic() {
			return fmt.Errorf("code_challenge is required for public clients")
		}
		if s.Config.pkceRequired() {
			return fmt.Errorf("code_challenge is required")
		}
		return nil
	}

	switch method {
	case PKCEMethodS256:
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed", PKCEMethodPlain)
		}
	default:
		return fmt.Errorf("unsupported code_challenge_method: %q", method)
	}

	// RFC 7636: the S256 challenge is 43 base64url characters; plain follows
	// the verifier rules.
	if len(challenge) < MinCodeVerifierLength || len(challenge) > MaxCodeVerifierLength {
		return fmt.Errorf("code_challenge must be between %d and %d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	return nil
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return errMissingVerifier
	}

	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: code_verifier can only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	var computedChallenge string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computedChallenge = base64.RawURLEncoding.EncodeToString(hash[:])
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed", PKCEMethodPlain)
		}
		computedChallenge = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %q", method)
	}

	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

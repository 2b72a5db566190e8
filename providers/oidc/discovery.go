package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
)

// DefaultCacheTTL is used for discovery and JWKS caches when no TTL is configured.
const DefaultCacheTTL = time.Hour

// maxDocumentSize bounds discovery and JWKS response bodies.
const maxDocumentSize = 1 << 20

// ErrDiscoveryFailed is returned when the OIDC discovery document could not be
// fetched or decoded.
var ErrDiscoveryFailed = errors.New("oidc discovery failed")

// DiscoveryDocument represents an OIDC discovery document (OpenID Connect
// Discovery 1.0, RFC 8414).
type DiscoveryDocument struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                 string   `json:"token_endpoint,omitempty"`
	UserInfoEndpoint              string   `json:"userinfo_endpoint,omitempty"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	JWKSUri                       string   `json:"jwks_uri"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
	IDTokenSigningAlgValues       []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// cachedDocument holds a discovery document with its fetch timestamp.
type cachedDocument struct {
	document  *DiscoveryDocument
	fetchedAt time.Time
}

// DiscoveryClient fetches and caches OIDC discovery documents, keyed by issuer.
//
// The client is safe for concurrent use. Concurrent misses for the same issuer
// share a single HTTP request.
type DiscoveryClient struct {
	httpClient     *http.Client
	cache          sync.Map // issuer -> *cachedDocument
	cacheTTL       time.Duration
	logger         *slog.Logger
	metrics        *instrumentation.Metrics
	group          singleflight.Group
	now            func() time.Time
	skipValidation bool // issuer URL SSRF checks, disabled for tests and local development
	allowHTTP      bool // plain HTTP endpoints, local development only
}

// NewDiscoveryClient creates a new OIDC discovery client.
//
// A nil httpClient gets a client with a 10s timeout, a zero cacheTTL uses
// DefaultCacheTTL and a nil logger uses slog.Default().
func NewDiscoveryClient(httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *DiscoveryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DiscoveryClient{
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// Discover returns the discovery document for issuerURL, from cache when the
// cached copy is younger than the cache TTL.
func (c *DiscoveryClient) Discover(ctx context.Context, issuerURL string) (*DiscoveryDocument, error) {
	if !c.skipValidation {
		if err := ValidateIssuerURL(issuerURL); err != nil {
			return nil, fmt.Errorf("invalid issuer URL: %w", err)
		}
	}

	if doc, ok := c.cached(issuerURL); ok {
		c.metrics.RecordKeyCacheLookup(ctx, "discovery", true)
		c.logger.Debug("OIDC discovery cache hit", "issuer", issuerURL)
		return doc, nil
	}
	c.metrics.RecordKeyCacheLookup(ctx, "discovery", false)

	v, err := sharedFetch(ctx, &c.group, issuerURL, func(fetchCtx context.Context) (any, error) {
		// Another caller may have filled the cache while we waited.
		if doc, ok := c.cached(issuerURL); ok {
			return doc, nil
		}
		return c.fetch(fetchCtx, issuerURL)
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrDiscoveryFailed) {
			return nil, fmt.Errorf("%w for %s: %w", ErrDiscoveryFailed, issuerURL, err)
		}
		return nil, err
	}
	return v.(*DiscoveryDocument), nil
}

func (c *DiscoveryClient) cached(issuerURL string) (*DiscoveryDocument, bool) {
	v, ok := c.cache.Load(issuerURL)
	if !ok {
		return nil, false
	}
	entry := v.(*cachedDocument)
	if c.now().Sub(entry.fetchedAt) >= c.cacheTTL {
		return nil, false
	}
	return entry.document, true
}

func (c *DiscoveryClient) fetch(ctx context.Context, issuerURL string) (doc *DiscoveryDocument, err error) {
	start := time.Now()
	defer func() {
		result := instrumentation.ResultSuccess
		if err != nil {
			result = instrumentation.ResultFailure
		}
		c.metrics.RecordKeyFetch(ctx, "discovery", result, float64(time.Since(start).Milliseconds()))
	}()

	discoveryURL := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"
	c.logger.Debug("Fetching OIDC discovery document", "url", discoveryURL)

	body, err := getJSON(ctx, c.httpClient, discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %w", ErrDiscoveryFailed, issuerURL, err)
	}

	var d DiscoveryDocument
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("%w for %s: failed to decode discovery document: %w", ErrDiscoveryFailed, issuerURL, err)
	}

	if err := c.validateDocument(&d); err != nil {
		return nil, fmt.Errorf("%w for %s: invalid discovery document: %w", ErrDiscoveryFailed, issuerURL, err)
	}

	c.cache.Store(issuerURL, &cachedDocument{
		document:  &d,
		fetchedAt: c.now(),
	})

	c.logger.Info("OIDC discovery successful", "issuer", issuerURL, "jwks_uri", d.JWKSUri)
	return &d, nil
}

// validateDocument checks that the document names its issuer and JWKS
// endpoint and that every endpoint uses HTTPS.
func (c *DiscoveryClient) validateDocument(doc *DiscoveryDocument) error {
	if doc.Issuer == "" {
		return fmt.Errorf("issuer is required but missing")
	}
	if doc.JWKSUri == "" {
		return fmt.Errorf("jwks_uri is required but missing")
	}
	if c.allowHTTP {
		return nil
	}

	endpoints := []struct {
		name string
		url  string
	}{
		{"issuer", doc.Issuer},
		{"jwks_uri", doc.JWKSUri},
		{"authorization_endpoint", doc.AuthorizationEndpoint},
		{"token_endpoint", doc.TokenEndpoint},
		{"userinfo_endpoint", doc.UserInfoEndpoint},
		{"revocation_endpoint", doc.RevocationEndpoint},
	}
	for _, endpoint := range endpoints {
		if endpoint.url != "" && !strings.HasPrefix(endpoint.url, "https://") {
			return fmt.Errorf("%s must use HTTPS: %s", endpoint.name, endpoint.url)
		}
	}
	return nil
}

// Len returns the number of cached documents, including stale ones.
func (c *DiscoveryClient) Len() int {
	n := 0
	c.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ClearCache drops every cached discovery document.
func (c *DiscoveryClient) ClearCache() {
	count := 0
	c.cache.Range(func(key, _ any) bool {
		c.cache.Delete(key)
		count++
		return true
	})
	c.logger.Debug("OIDC discovery cache cleared", "entries_removed", count)
}

// getJSON performs a GET and returns the body of a 200 response.
func getJSON(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

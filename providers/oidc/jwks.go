package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
)

// ErrJWKSFetchFailed is returned when a JWKS document could not be fetched or decoded.
var ErrJWKSFetchFailed = errors.New("jwks fetch failed")

// JWK is a single JSON Web Key as published in a JWKS document. Fields are
// kept raw so that missing members can be reported by name.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid,omitempty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKS is a JSON Web Key Set document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

type cachedJWKS struct {
	set       *JWKS
	fetchedAt time.Time
}

// JWKSCache fetches and caches JWKS documents, keyed by URI. Its TTL is
// independent of the discovery cache.
type JWKSCache struct {
	httpClient *http.Client
	cache      sync.Map // uri -> *cachedJWKS
	cacheTTL   time.Duration
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	group      singleflight.Group
	now        func() time.Time
}

// NewJWKSCache creates a JWKS cache. Zero values get the same defaults as
// NewDiscoveryClient.
func NewJWKSCache(httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *JWKSCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JWKSCache{
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// Get returns the key set published at uri.
func (c *JWKSCache) Get(ctx context.Context, uri string) (*JWKS, error) {
	if set, ok := c.cached(uri); ok {
		c.metrics.RecordKeyCacheLookup(ctx, "jwks", true)
		return set, nil
	}
	c.metrics.RecordKeyCacheLookup(ctx, "jwks", false)

	v, err := sharedFetch(ctx, &c.group, uri, func(fetchCtx context.Context) (any, error) {
		if set, ok := c.cached(uri); ok {
			return set, nil
		}
		return c.fetch(fetchCtx, uri)
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrJWKSFetchFailed) {
			return nil, fmt.Errorf("%w from %s: %w", ErrJWKSFetchFailed, uri, err)
		}
		return nil, err
	}
	return v.(*JWKS), nil
}

// sharedFetch collapses concurrent fetches for key into one. The fetch ignores
// caller cancellation and is bounded by the HTTP client timeout; each caller
// stops waiting when its own context is done.
func sharedFetch(ctx context.Context, group *singleflight.Group, key string, fn func(context.Context) (any, error)) (any, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := group.DoChan(key, func() (any, error) {
		return fn(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *JWKSCache) cached(uri string) (*JWKS, bool) {
	v, ok := c.cache.Load(uri)
	if !ok {
		return nil, false
	}
	entry := v.(*cachedJWKS)
	if c.now().Sub(entry.fetchedAt) >= c.cacheTTL {
		return nil, false
	}
	return entry.set, true
}

func (c *JWKSCache) fetch(ctx context.Context, uri string) (set *JWKS, err error) {
	start := time.Now()
	defer func() {
		result := instrumentation.ResultSuccess
		if err != nil {
			result = instrumentation.ResultFailure
		}
		c.metrics.RecordKeyFetch(ctx, "jwks", result, float64(time.Since(start).Milliseconds()))
	}()

	c.logger.Debug("Fetching JWKS", "uri", uri)

	body, err := getJSON(ctx, c.httpClient, uri)
	if err != nil {
		return nil, fmt.Errorf("%w from %s: %w", ErrJWKSFetchFailed, uri, err)
	}

	var s JWKS
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("%w from %s: failed to decode JWKS: %w", ErrJWKSFetchFailed, uri, err)
	}

	c.cache.Store(uri, &cachedJWKS{set: &s, fetchedAt: c.now()})
	c.logger.Debug("JWKS cached", "uri", uri, "keys", len(s.Keys))
	return &s, nil
}

// Len returns the number of cached key sets, including stale ones.
func (c *JWKSCache) Len() int {
	n := 0
	c.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ClearCache drops every cached key set.
func (c *JWKSCache) ClearCache() {
	c.cache.Range(func(key, _ any) bool {
		c.cache.Delete(key)
		return true
	})
}

package oidc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-gateway-auth/internal/testutil"
)

func newTestResolver(discoveryTTL, jwksTTL time.Duration) *Resolver {
	return NewResolver(ResolverConfig{
		DiscoveryTTL:         discoveryTTL,
		JWKSTTL:              jwksTTL,
		AllowInsecureIssuers: true,
	})
}

func TestResolver_GetKeyViaDiscovery(t *testing.T) {
	idp := testutil.NewIdPServer(t)
	r := newTestResolver(time.Hour, time.Hour)

	key, err := r.GetKey(context.Background(), idp.Issuer(), idp.KeyID, "")
	require.NoError(t, err)
	assert.Equal(t, idp.KeyID, key.KeyID)
	assert.True(t, idp.Key.PublicKey.Equal(key.PublicKey))

	assert.EqualValues(t, 1, idp.DiscoveryHits.Load())
	assert.EqualValues(t, 1, idp.JWKSHits.Load())
	assert.Equal(t, CacheStats{DiscoveryEntries: 1, JWKSEntries: 1}, r.CacheStats())
}

func TestResolver_ExplicitJWKSURISkipsDiscovery(t *testing.T) {
	idp := testutil.NewIdPServer(t)
	r := newTestResolver(time.Hour, time.Hour)

	_, err := r.GetKey(context.Background(), idp.Issuer(), "", idp.JWKSURI())
	require.NoError(t, err)

	assert.EqualValues(t, 0, idp.DiscoveryHits.Load())
	assert.EqualValues(t, 1, idp.JWKSHits.Load())
}

func TestResolver_IndependentTTLs(t *testing.T) {
	idp := testutil.NewIdPServer(t)
	clock := testutil.NewMockTime(time.Now())

	r := newTestResolver(time.Hour, 10*time.Minute)
	r.SetClock(clock.Now)
	ctx := context.Background()

	_, err := r.GetKey(ctx, idp.Issuer(), idp.KeyID, "")
	require.NoError(t, err)

	// Within both TTLs everything is served from cache.
	clock.Advance(5 * time.Minute)
	_, err = r.GetKey(ctx, idp.Issuer(), idp.KeyID, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, idp.DiscoveryHits.Load())
	assert.EqualValues(t, 1, idp.JWKSHits.Load())

	// JWKS expired, discovery still fresh.
	clock.Advance(6 * time.Minute)
	_, err = r.GetKey(ctx, idp.Issuer(), idp.KeyID, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, idp.DiscoveryHits.Load(), "discovery must not be refetched")
	assert.EqualValues(t, 2, idp.JWKSHits.Load(), "jwks must be refetched exactly once")
}

func TestResolver_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("discovery failure", func(t *testing.T) {
		idp := testutil.NewIdPServer(t)
		idp.SetFailing(true)
		r := newTestResolver(time.Hour, time.Hour)

		_, err := r.GetKey(ctx, idp.Issuer(), "", "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDiscoveryFailed))
		assert.False(t, errors.Is(err, ErrJWKSFetchFailed))
	})

	t.Run("jwks failure", func(t *testing.T) {
		idp := testutil.NewIdPServer(t)
		idp.SetFailing(true)
		r := newTestResolver(time.Hour, time.Hour)

		_, err := r.GetKey(ctx, idp.Issuer(), "", idp.JWKSURI())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrJWKSFetchFailed))
		assert.False(t, errors.Is(err, ErrDiscoveryFailed))
	})

	t.Run("unknown kid", func(t *testing.T) {
		idp := testutil.NewIdPServer(t)
		r := newTestResolver(time.Hour, time.Hour)

		_, err := r.GetKey(ctx, idp.Issuer(), "rotated-away", "")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("missing modulus", func(t *testing.T) {
		idp := testutil.NewIdPServer(t)
		idp.SetKeys(map[string]any{"kty": "RSA", "kid": "broken", "e": "AQAB"})
		r := newTestResolver(time.Hour, time.Hour)

		_, err := r.GetKey(ctx, idp.Issuer(), "broken", "")
		var keyErr *KeyError
		require.ErrorAs(t, err, &keyErr)
		assert.Equal(t, "n", keyErr.Field)
	})

	t.Run("insecure issuer rejected by default", func(t *testing.T) {
		r := NewResolver(ResolverConfig{})
		_, err := r.GetKey(ctx, "http://idp.example.com", "", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTPS")
	})
}

func TestResolver_ClearCache(t *testing.T) {
	idp := testutil.NewIdPServer(t)
	r := newTestResolver(time.Hour, time.Hour)
	ctx := context.Background()

	_, err := r.GetKey(ctx, idp.Issuer(), idp.KeyID, "")
	require.NoError(t, err)

	r.ClearCache()
	assert.Equal(t, CacheStats{}, r.CacheStats())

	_, err = r.GetKey(ctx, idp.Issuer(), idp.KeyID, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, idp.DiscoveryHits.Load())
	assert.EqualValues(t, 2, idp.JWKSHits.Load())
}

func TestResolver_SharedFetchOutlivesCancelledCaller(t *testing.T) {
	idp := testutil.NewIdPServer(t)
	idp.SetJWKSDelay(200 * time.Millisecond)
	r := newTestResolver(time.Hour, time.Hour)

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	shortErr := make(chan error, 1)
	go func() {
		_, err := r.GetKey(shortCtx, idp.Issuer(), idp.KeyID, idp.JWKSURI())
		shortErr <- err
	}()
	require.Eventually(t, func() bool { return idp.JWKSHits.Load() == 1 }, time.Second, time.Millisecond)

	key, err := r.GetKey(context.Background(), idp.Issuer(), idp.KeyID, idp.JWKSURI())
	require.NoError(t, err)
	assert.Equal(t, idp.KeyID, key.KeyID)

	err = <-shortErr
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, idp.JWKSHits.Load(), "both callers should share one fetch")
}

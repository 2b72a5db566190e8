// Package testutil provides test fixtures for the gateway auth module: a
// controllable clock, PKCE pairs, RSA keys and an httptest identity provider
// that serves discovery and JWKS documents and counts fetches.
package testutil

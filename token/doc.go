// Package token issues and validates bearer tokens.
//
// KeyManager holds the RSA signing key of the built-in authorization server
// and publishes it as a JWKS document. Signer mints RS256 access tokens.
// Validator accepts tokens from the built-in issuer and from every federated
// identity provider, checks signature, issuer, audience and expiry, and
// returns normalized identity.Claims.
package token

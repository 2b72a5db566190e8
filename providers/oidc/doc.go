// Package oidc resolves token verification keys for arbitrary issuers.
//
// A Resolver combines two independent TTL caches: OIDC discovery documents
// keyed by issuer and JWKS documents keyed by URI. Keys are selected by kid
// (or by use when the token carries no kid), converted to *rsa.PublicKey and
// PEM, and returned as a ResolvedKey.
//
// Issuer URLs are checked for HTTPS and for private, loopback and link-local
// IP literals before any request is made.
//
//	resolver := oidc.NewResolver(oidc.ResolverConfig{Logger: logger})
//	key, err := resolver.GetKey(ctx, "https://login.example.com", kid, "")
package oidc

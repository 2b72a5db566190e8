// Package server implements the built-in OAuth 2.1 authorization server of
// the gateway.
//
// It owns client registration (RFC 7591), the authorization code flow with
// local username/password sign-in, PKCE verification (RFC 7636), refresh
// token rotation, revocation (RFC 7009), local user accounts and API keys.
// Access tokens are RS256 JWTs minted by a token.Signer; everything else is
// kept in a storage.Store.
//
// Failures of the OAuth operations are returned as *GrantError values that
// carry the RFC 6749 error code for the HTTP layer.
//
// Example usage:
//
//	store := memory.New()
//	keys, _ := token.NewKeyManager()
//	signer := token.NewSigner(keys, "https://gw.example.com", "mcp-gateway", time.Hour)
//
//	srv, err := server.New(store, signer, &server.Config{
//	    Issuer: "https://gw.example.com",
//	}, logger)
package server

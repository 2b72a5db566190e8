// Package storage defines the persistence interfaces and models of the
// built-in authorization server.
//
// The storage package defines the interfaces used by the server package:
//   - ClientStore: registered OAuth clients
//   - AuthorizationStore: pending authorization requests and single-use codes
//   - RefreshTokenStore: rotating refresh tokens
//   - UserStore: local user accounts
//   - APIKeyStore: long-lived API keys, looked up by hash
//
// Take* methods remove the record in the same critical section that reads
// it, so a code or refresh token can be redeemed at most once.
//
// The only implementation is storage/memory; nothing outlives the process.
package storage

// Package providers federates external identity providers.
//
// A Manager holds one IdPConfig per issuer. It resolves signing keys through
// the oidc key resolver, keeps a HealthStatus per IdP that is updated after
// every key resolution and by a shared periodic probe, and normalizes the
// claims of federated tokens (groups claim selection, group transforms and
// provider/tenant tags).
//
// Provider presets (azure, okta, keycloak, auth0, google, generic) fill in
// the groups claim and transform when a config leaves them empty.
package providers

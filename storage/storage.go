package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Lookup errors. Stores wrap them with the missing identifier.
var (
	ErrClientNotFound               = errors.New("client not found")
	ErrAuthorizationRequestNotFound = errors.New("authorization request not found")
	ErrAuthorizationCodeNotFound    = errors.New("authorization code not found")
	ErrRefreshTokenNotFound         = errors.New("refresh token not found")
	ErrUserNotFound                 = errors.New("user not found")
	ErrUserExists                   = errors.New("user already exists")
	ErrAPIKeyNotFound               = errors.New("api key not found")
)

// Client types.
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Token endpoint authentication methods.
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
)

// ClientStore stores registered OAuth clients. Clients are never deleted.
type ClientStore interface {
	SaveClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
	ListClients(ctx context.Context) ([]*Client, error)
}

// AuthorizationStore stores pending authorization requests and issued codes.
type AuthorizationStore interface {
	SaveAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error
	GetAuthorizationRequest(ctx context.Context, id string) (*AuthorizationRequest, error)

	// TakeAuthorizationRequest returns and removes a pending request.
	TakeAuthorizationRequest(ctx context.Context, id string) (*AuthorizationRequest, error)

	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// TakeAuthorizationCode returns and removes a code. It MUST be atomic:
	// two concurrent calls for the same code never both succeed.
	TakeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// RefreshTokenStore stores refresh tokens.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// TakeRefreshToken returns and removes a refresh token. It MUST be atomic.
	TakeRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh token. Unknown tokens are not an error.
	DeleteRefreshToken(ctx context.Context, token string) error

	// DeleteRefreshTokensForUser removes every refresh token of userID and
	// returns how many were removed.
	DeleteRefreshTokensForUser(ctx context.Context, userID string) (int, error)
}

// UserStore stores local user accounts. Usernames are unique.
type UserStore interface {
	// CreateUser stores a new user; ErrUserExists when the id or username is taken.
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	DeleteUser(ctx context.Context, id string) error
}

// APIKeyStore stores API keys. Only the SHA-256 hash of a key is kept.
type APIKeyStore interface {
	SaveAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
	DeleteAPIKeysForUser(ctx context.Context, userID string) (int, error)

	// TouchAPIKey records a use of the key.
	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error
}

// Store is everything the authorization server persists.
type Store interface {
	ClientStore
	AuthorizationStore
	RefreshTokenStore
	UserStore
	APIKeyStore
}

// Client is a registered OAuth client.
type Client struct {
	ClientID                string    `json:"client_id"`
	ClientSecretHash        string    `json:"-"` // bcrypt hash
	ClientName              string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	ClientType              string    `json:"client_type"`
	Scopes                  []string  `json:"scopes,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

// IsPublic reports whether the client cannot keep a secret.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic || c.TokenEndpointAuthMethod == AuthMethodNone
}

// HasRedirectURI reports whether uri is registered, compared exactly.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AuthorizationRequest is an authorization request waiting for the user to
// sign in.
type AuthorizationRequest struct {
	ID                  string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode is a single-use code bound to a client, a user, a
// redirect URI and a PKCE challenge.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// RefreshToken is an opaque refresh token. It is replaced on every use.
type RefreshToken struct {
	Token     string
	ClientID  string
	UserID    string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// User is a local user account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"` // bcrypt hash
	Groups       []string  `json:"groups"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// APIKey is a long-lived credential owned by a user.
type APIKey struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	UserID     string    `json:"user_id"`
	KeyHash    string    `json:"-"` // hex SHA-256 of the plaintext key
	Prefix     string    `json:"prefix"`
	Scopes     []string  `json:"scopes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
	"github.com/giantswarm/mcp-gateway-auth/internal/util"
	"github.com/giantswarm/mcp-gateway-auth/security"
	"github.com/giantswarm/mcp-gateway-auth/storage"
)

const (
	// DefaultCleanupInterval is the sweep period used by New.
	DefaultCleanupInterval = time.Minute

	// secretLogLength is the number of characters of codes and tokens that
	// may appear in logs.
	secretLogLength = 8
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	requests      map[string]*storage.AuthorizationRequest
	codes         map[string]*storage.AuthorizationCode
	refreshTokens map[string]*storage.RefreshToken
	users         map[string]*storage.User
	usernames     map[string]string // lower-cased username -> user ID
	apiKeys       map[string]*storage.APIKey
	apiKeyHashes  map[string]string // key hash -> key ID

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCount       atomic.Int64
	codesCount         atomic.Int64 // pending requests and codes
	refreshTokensCount atomic.Int64
	apiKeysCount       atomic.Int64

	tracer  trace.Tracer
	metrics *instrumentation.Metrics
	logger  *slog.Logger
	now     func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

var _ storage.Store = (*Store)(nil)

// New creates a store that sweeps expired entries every DefaultCleanupInterval.
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a store that sweeps expired pending requests,
// codes, refresh tokens and API keys every cleanupInterval.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		requests:        make(map[string]*storage.AuthorizationRequest),
		codes:           make(map[string]*storage.AuthorizationCode),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		users:           make(map[string]*storage.User),
		usernames:       make(map[string]string),
		apiKeys:         make(map[string]*storage.APIKey),
		apiKeyHashes:    make(map[string]string),
		tracer:          (*instrumentation.Instrumentation)(nil).Tracer("storage"),
		logger:          slog.Default(),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the clock used by the expiry sweep.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation enables tracing and metrics for the store. It must be
// called before the store is shared.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.tracer = inst.Tracer("storage")
	s.metrics = inst.Metrics()
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		s.clientsCount.Load,
		s.codesCount.Load,
		s.refreshTokensCount.Load,
		s.apiKeysCount.Load,
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient stores or replaces a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	done := s.startOperation(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; !exists {
		s.clientsCount.Add(1)
	}
	s.clients[client.ClientID] = client

	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient returns a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	done := s.startOperation(ctx, "get_client")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return client, nil
}

// ListClients returns every client sorted by ID.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	done := s.startOperation(ctx, "list_clients")
	defer done(nil)

	s.mu.RLock()
	out := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		out = append(out, client)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *storage.Client) int { return strings.Compare(a.ClientID, b.ClientID) })
	return out, nil
}

// ============================================================
// AuthorizationStore Implementation
// ============================================================

// SaveAuthorizationRequest stores a pending authorization request.
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) (err error) {
	done := s.startOperation(ctx, "save_authorization_request")
	defer func() { done(err) }()

	if req == nil {
		return fmt.Errorf("authorization request cannot be nil")
	}
	if req.ID == "" {
		return fmt.Errorf("authorization request ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; !exists {
		s.codesCount.Add(1)
	}
	s.requests[req.ID] = req
	return nil
}

// GetAuthorizationRequest returns a pending request without removing it.
func (s *Store) GetAuthorizationRequest(ctx context.Context, id string) (_ *storage.AuthorizationRequest, err error) {
	done := s.startOperation(ctx, "get_authorization_request")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationRequestNotFound, util.SafeTruncate(id, secretLogLength))
	}
	return req, nil
}

// TakeAuthorizationRequest returns and removes a pending request.
func (s *Store) TakeAuthorizationRequest(ctx context.Context, id string) (_ *storage.AuthorizationRequest, err error) {
	done := s.startOperation(ctx, "take_authorization_request")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationRequestNotFound, util.SafeTruncate(id, secretLogLength))
	}
	delete(s.requests, id)
	s.codesCount.Add(-1)
	return req, nil
}

// SaveAuthorizationCode stores an issued code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	done := s.startOperation(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil {
		return fmt.Errorf("authorization code cannot be nil")
	}
	if code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; !exists {
		s.codesCount.Add(1)
	}
	s.codes[code.Code] = code

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, secretLogLength),
		"client_id", code.ClientID)
	return nil
}

// TakeAuthorizationCode atomically returns and removes a code.
func (s *Store) TakeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	done := s.startOperation(ctx, "take_authorization_code")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationCodeNotFound, util.SafeTruncate(code, secretLogLength))
	}
	delete(s.codes, code)
	s.codesCount.Add(-1)
	return authCode, nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken stores a refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	done := s.startOperation(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil {
		return fmt.Errorf("refresh token cannot be nil")
	}
	if token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}
	if token.UserID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refreshTokens[token.Token]; !exists {
		s.refreshTokensCount.Add(1)
	}
	s.refreshTokens[token.Token] = token
	return nil
}

// TakeRefreshToken atomically returns and removes a refresh token.
func (s *Store) TakeRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	done := s.startOperation(ctx, "take_refresh_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrRefreshTokenNotFound, util.SafeTruncate(token, secretLogLength))
	}
	delete(s.refreshTokens, token)
	s.refreshTokensCount.Add(-1)
	return rt, nil
}

// DeleteRefreshToken removes a refresh token if present.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	done := s.startOperation(ctx, "delete_refresh_token")
	defer done(nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[token]; ok {
		delete(s.refreshTokens, token)
		s.refreshTokensCount.Add(-1)
	}
	return nil
}

// DeleteRefreshTokensForUser removes every refresh token issued to userID.
func (s *Store) DeleteRefreshTokensForUser(ctx context.Context, userID string) (int, error) {
	done := s.startOperation(ctx, "delete_user_refresh_tokens")
	defer done(nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, rt := range s.refreshTokens {
		if rt.UserID == userID {
			delete(s.refreshTokens, token)
			removed++
		}
	}
	s.refreshTokensCount.Add(int64(-removed))
	return removed, nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// CreateUser stores a new user. Usernames are compared case-insensitively.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) (err error) {
	done := s.startOperation(ctx, "create_user")
	defer func() { done(err) }()

	if user == nil {
		return fmt.Errorf("user cannot be nil")
	}
	if user.ID == "" || user.Username == "" {
		return fmt.Errorf("user ID and username cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("%w: id %s", storage.ErrUserExists, user.ID)
	}
	name := strings.ToLower(user.Username)
	if _, exists := s.usernames[name]; exists {
		return fmt.Errorf("%w: username %s", storage.ErrUserExists, user.Username)
	}

	s.users[user.ID] = cloneUser(user)
	s.usernames[name] = user.ID
	return nil
}

// UpdateUser replaces an existing user. The username cannot change.
func (s *Store) UpdateUser(ctx context.Context, user *storage.User) (err error) {
	done := s.startOperation(ctx, "update_user")
	defer func() { done(err) }()

	if user == nil {
		return fmt.Errorf("user cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrUserNotFound, user.ID)
	}
	if !strings.EqualFold(existing.Username, user.Username) {
		return fmt.Errorf("username cannot be changed")
	}
	s.users[user.ID] = cloneUser(user)
	return nil
}

// GetUser returns a copy of the user with id.
func (s *Store) GetUser(ctx context.Context, id string) (_ *storage.User, err error) {
	done := s.startOperation(ctx, "get_user")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, id)
	}
	return cloneUser(user), nil
}

// GetUserByUsername returns a copy of the user with username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (_ *storage.User, err error) {
	done := s.startOperation(ctx, "get_user_by_username")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usernames[strings.ToLower(username)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, username)
	}
	return cloneUser(s.users[id]), nil
}

// ListUsers returns copies of every user sorted by username.
func (s *Store) ListUsers(ctx context.Context) ([]*storage.User, error) {
	done := s.startOperation(ctx, "list_users")
	defer done(nil)

	s.mu.RLock()
	out := make([]*storage.User, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, cloneUser(user))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *storage.User) int { return strings.Compare(a.Username, b.Username) })
	return out, nil
}

// DeleteUser removes a user. Its API keys and refresh tokens are left to the
// caller.
func (s *Store) DeleteUser(ctx context.Context, id string) (err error) {
	done := s.startOperation(ctx, "delete_user")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrUserNotFound, id)
	}
	delete(s.users, id)
	delete(s.usernames, strings.ToLower(user.Username))
	return nil
}

// ============================================================
// APIKeyStore Implementation
// ============================================================

// SaveAPIKey stores a new API key.
func (s *Store) SaveAPIKey(ctx context.Context, key *storage.APIKey) (err error) {
	done := s.startOperation(ctx, "save_api_key")
	defer func() { done(err) }()

	if key == nil {
		return fmt.Errorf("api key cannot be nil")
	}
	if key.ID == "" || key.KeyHash == "" {
		return fmt.Errorf("api key ID and hash cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.apiKeys[key.ID]; ok {
		delete(s.apiKeyHashes, existing.KeyHash)
	} else {
		s.apiKeysCount.Add(1)
	}
	stored := *key
	s.apiKeys[key.ID] = &stored
	s.apiKeyHashes[key.KeyHash] = key.ID
	return nil
}

// GetAPIKey returns a copy of the key with id.
func (s *Store) GetAPIKey(ctx context.Context, id string) (_ *storage.APIKey, err error) {
	done := s.startOperation(ctx, "get_api_key")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.apiKeys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrAPIKeyNotFound, id)
	}
	out := *key
	return &out, nil
}

// GetAPIKeyByHash returns a copy of the key whose hash is keyHash. Expiry is
// checked by the caller.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (_ *storage.APIKey, err error) {
	done := s.startOperation(ctx, "get_api_key_by_hash")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.apiKeyHashes[keyHash]
	if !ok {
		return nil, storage.ErrAPIKeyNotFound
	}
	out := *s.apiKeys[id]
	return &out, nil
}

// ListAPIKeys returns copies of the keys owned by userID, oldest first.
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]*storage.APIKey, error) {
	done := s.startOperation(ctx, "list_api_keys")
	defer done(nil)

	s.mu.RLock()
	var out []*storage.APIKey
	for _, key := range s.apiKeys {
		if key.UserID == userID {
			k := *key
			out = append(out, &k)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *storage.APIKey) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// DeleteAPIKey removes a key.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) (err error) {
	done := s.startOperation(ctx, "delete_api_key")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeys[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrAPIKeyNotFound, id)
	}
	s.deleteAPIKeyLocked(key)
	return nil
}

// DeleteAPIKeysForUser removes every key owned by userID.
func (s *Store) DeleteAPIKeysForUser(ctx context.Context, userID string) (int, error) {
	done := s.startOperation(ctx, "delete_user_api_keys")
	defer done(nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.apiKeys {
		if key.UserID == userID {
			s.deleteAPIKeyLocked(key)
			removed++
		}
	}
	return removed, nil
}

// TouchAPIKey sets LastUsedAt.
func (s *Store) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) (err error) {
	done := s.startOperation(ctx, "touch_api_key")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeys[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrAPIKeyNotFound, id)
	}
	key.LastUsedAt = usedAt
	return nil
}

func (s *Store) deleteAPIKeyLocked(key *storage.APIKey) {
	delete(s.apiKeys, key.ID)
	delete(s.apiKeyHashes, key.KeyHash)
	s.apiKeysCount.Add(-1)
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup removes expired pending requests, codes, refresh tokens and API
// keys and returns how many entries were removed. It runs on every tick of
// the cleanup loop.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for id, req := range s.requests {
		if security.IsExpired(req.ExpiresAt, now) {
			delete(s.requests, id)
			s.codesCount.Add(-1)
			cleaned++
		}
	}

	for code, authCode := range s.codes {
		if security.IsExpired(authCode.ExpiresAt, now) {
			delete(s.codes, code)
			s.codesCount.Add(-1)
			cleaned++
		}
	}

	for token, rt := range s.refreshTokens {
		if security.IsExpired(rt.ExpiresAt, now) {
			delete(s.refreshTokens, token)
			s.refreshTokensCount.Add(-1)
			cleaned++
		}
	}

	for _, key := range s.apiKeys {
		if security.IsExpired(key.ExpiresAt, now) {
			s.deleteAPIKeyLocked(key)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
	return cleaned
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startOperation starts a span for a storage operation. The returned func
// ends the span and records the operation metrics.
func (s *Store) startOperation(ctx context.Context, operation string) func(error) {
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	start := time.Now()

	return func(err error) {
		defer span.End()
		result := instrumentation.ResultSuccess
		if err != nil {
			result = instrumentation.ResultFailure
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		s.metrics.RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Milliseconds()))
	}
}

func cloneUser(u *storage.User) *storage.User {
	out := *u
	out.Groups = slices.Clone(u.Groups)
	return &out
}

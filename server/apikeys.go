package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-gateway-auth/identity"
	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
	"github.com/giantswarm/mcp-gateway-auth/internal/util"
	"github.com/giantswarm/mcp-gateway-auth/security"
	"github.com/giantswarm/mcp-gateway-auth/storage"
)

// APIKeyPrefix starts every API key, which lets the HTTP layer tell API keys
// from JWTs in an Authorization header.
const APIKeyPrefix = "mgw_"

// apiKeyDisplayLength is the number of leading characters kept as the
// displayable key prefix.
const apiKeyDisplayLength = len(APIKeyPrefix) + 8

// ErrInvalidAPIKey is returned for unknown, expired or orphaned API keys.
var ErrInvalidAPIKey = errors.New("invalid api key")

// IsAPIKey reports whether s looks like an API key.
func IsAPIKey(s string) bool {
	return strings.HasPrefix(s, APIKeyPrefix)
}

// HashAPIKey returns the hex SHA-256 of key, the form keys are stored in.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey issues an API key for userID. The plaintext key is returned
// once and only its hash is stored. A zero ttl never expires.
func (s *Server) CreateAPIKey(ctx context.Context, userID, name string, scopes []string, ttl time.Duration) (*storage.APIKey, string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, "", invalidRequest("name is required")
	}
	if ttl < 0 {
		return nil, "", invalidRequest("ttl must not be negative")
	}
	if err := s.validateScopes(strings.Join(scopes, " ")); err != nil {
		return nil, "", invalidScope(err.Error())
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	plaintext := APIKeyPrefix + generateRandomToken()
	now := s.now()
	key := &storage.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		UserID:    user.ID,
		KeyHash:   HashAPIKey(plaintext),
		Prefix:    plaintext[:apiKeyDisplayLength],
		Scopes:    slices.Clone(scopes),
		CreatedAt: now,
	}
	if ttl > 0 {
		key.ExpiresAt = now.Add(ttl)
	}

	if err := s.store.SaveAPIKey(ctx, key); err != nil {
		return nil, "", serverError(err)
	}

	s.Auditor.LogAPIKeyEvent(security.EventAPIKeyCreated, user.ID, key.ID, key.Prefix, "")
	s.Logger.Info("API key created", "user_id", user.ID, "key_id", key.ID, "key_prefix", key.Prefix)
	return key, plaintext, nil
}

// AuthenticateAPIKey resolves a plaintext API key to its owner. Expired keys
// and keys of missing or disabled users are rejected. A successful use
// updates LastUsedAt.
func (s *Server) AuthenticateAPIKey(ctx context.Context, plaintext string) (*identity.UserContext, error) {
	ctx, span := s.tracer.Start(ctx, "server.authenticate_api_key")
	defer span.End()

	uc, err := s.authenticateAPIKey(ctx, plaintext)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.metrics.RecordAPIKeyAuth(ctx, instrumentation.ResultFailure)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordAPIKeyAuth(ctx, instrumentation.ResultSuccess)
	return uc, nil
}

func (s *Server) authenticateAPIKey(ctx context.Context, plaintext string) (*identity.UserContext, error) {
	displayPrefix := util.SafeTruncate(plaintext, apiKeyDisplayLength)
	if !IsAPIKey(plaintext) {
		return nil, ErrInvalidAPIKey
	}

	key, err := s.store.GetAPIKeyByHash(ctx, HashAPIKey(plaintext))
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			s.Auditor.LogAPIKeyEvent(security.EventAPIKeyRejected, "", "", displayPrefix, "unknown_key")
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}

	now := s.now()
	if key.Expired(now) {
		s.Auditor.LogAPIKeyEvent(security.EventAPIKeyRejected, key.UserID, key.ID, key.Prefix, "expired")
		return nil, ErrInvalidAPIKey
	}

	user, err := s.store.GetUser(ctx, key.UserID)
	if err != nil || user.Disabled {
		s.Auditor.LogAPIKeyEvent(security.EventAPIKeyRejected, key.UserID, key.ID, key.Prefix, "user_unavailable")
		return nil, ErrInvalidAPIKey
	}

	if err := s.store.TouchAPIKey(ctx, key.ID, now); err != nil {
		s.Logger.Warn("Failed to record API key use", "key_id", key.ID, "error", err)
	}
	s.Auditor.LogAPIKeyEvent(security.EventAPIKeyUsed, user.ID, key.ID, key.Prefix, "")

	return &identity.UserContext{
		UserID:     user.ID,
		Email:      user.Email,
		Groups:     slices.Clone(user.Groups),
		Scopes:     slices.Clone(key.Scopes),
		AuthMethod: identity.AuthMethodAPIKey,
	}, nil
}

// ListAPIKeys returns the keys of userID, oldest first.
func (s *Server) ListAPIKeys(ctx context.Context, userID string) ([]*storage.APIKey, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListAPIKeys(ctx, userID)
}

// RevokeAPIKey deletes an API key. When userID is non-empty the key must
// belong to that user.
func (s *Server) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return err
	}
	if userID != "" && key.UserID != userID {
		return storage.ErrAPIKeyNotFound
	}
	if err := s.store.DeleteAPIKey(ctx, keyID); err != nil {
		return err
	}
	s.Auditor.LogAPIKeyEvent(security.EventAPIKeyRevoked, key.UserID, key.ID, key.Prefix, "")
	s.Logger.Info("API key revoked", "user_id", key.UserID, "key_id", key.ID)
	return nil
}

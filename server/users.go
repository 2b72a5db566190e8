package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-gateway-auth/security"
	"github.com/giantswarm/mcp-gateway-auth/storage"
)

// Sign-in errors returned by AuthenticateUser.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserDisabled       = errors.New("user is disabled")
)

// MinPasswordLength is the minimum length of local user passwords.
const MinPasswordLength = 8

// dummyHash is compared against when the username is unknown so sign-in
// takes the same time whether or not the user exists.
var dummyHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte(generateRandomToken()), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("failed to generate dummy bcrypt hash: %v", err))
	}
	return hash
})

// NewUser describes a user to create.
type NewUser struct {
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
	Email    string   `json:"email,omitempty" yaml:"email"`
	Groups   []string `json:"groups,omitempty" yaml:"groups"`
}

// CreateUser creates a local user with a bcrypt password hash.
func (s *Server) CreateUser(ctx context.Context, req NewUser) (*storage.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, invalidRequest("username is required")
	}
	if len(req.Password) < MinPasswordLength {
		return nil, invalidRequest(fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	// bcrypt ignores everything past 72 bytes.
	if len(req.Password) > 72 {
		return nil, invalidRequest("password must be at most 72 bytes")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, serverError(fmt.Errorf("failed to hash password: %w", err))
	}

	user := &storage.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        req.Email,
		PasswordHash: string(hash),
		Groups:       slices.Clone(req.Groups),
		CreatedAt:    s.now(),
	}
	if user.Groups == nil {
		user.Groups = []string{}
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return nil, &GrantError{Code: ErrorCodeInvalidRequest, Description: "username already exists", Err: err}
		}
		return nil, serverError(err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:    security.EventUserCreated,
		UserID:  user.ID,
		Details: map[string]any{"groups": user.Groups},
	})
	s.Logger.Info("User created", "user_id", user.ID, "groups", user.Groups)
	return user, nil
}

// GetUser returns a user by ID.
func (s *Server) GetUser(ctx context.Context, id string) (*storage.User, error) {
	return s.store.GetUser(ctx, id)
}

// ListUsers returns every user sorted by username.
func (s *Server) ListUsers(ctx context.Context) ([]*storage.User, error) {
	return s.store.ListUsers(ctx)
}

// DeleteUser deletes a user together with its API keys and refresh tokens.
// Access tokens already issued stay valid until they expire.
func (s *Server) DeleteUser(ctx context.Context, id string) error {
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}

	keys, err := s.store.DeleteAPIKeysForUser(ctx, id)
	if err != nil {
		s.Logger.Warn("Failed to delete API keys of deleted user", "user_id", id, "error", err)
	}
	tokens, err := s.store.DeleteRefreshTokensForUser(ctx, id)
	if err != nil {
		s.Logger.Warn("Failed to delete refresh tokens of deleted user", "user_id", id, "error", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:   security.EventUserDeleted,
		UserID: id,
		Details: map[string]any{
			"api_keys_removed":       keys,
			"refresh_tokens_removed": tokens,
		},
	})
	s.Logger.Info("User deleted", "user_id", id, "api_keys_removed", keys, "refresh_tokens_removed", tokens)
	return nil
}

// SetUserDisabled enables or disables a user. Disabled users cannot sign in,
// use API keys or redeem grants. Disabling also drops their refresh tokens.
func (s *Server) SetUserDisabled(ctx context.Context, id string, disabled bool) (*storage.User, error) {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	user.Disabled = disabled
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	if disabled {
		if _, err := s.store.DeleteRefreshTokensForUser(ctx, id); err != nil {
			s.Logger.Warn("Failed to delete refresh tokens of disabled user", "user_id", id, "error", err)
		}
	}
	s.Logger.Info("User updated", "user_id", id, "disabled", disabled)
	return user, nil
}

// AuthenticateUser checks a username and password. Unknown users and wrong
// passwords both yield ErrInvalidCredentials after a bcrypt comparison.
func (s *Server) AuthenticateUser(ctx context.Context, username, password string) (*storage.User, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			return nil, serverError(err)
		}
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.Disabled {
		return nil, ErrUserDisabled
	}
	return user, nil
}

func loginFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrUserDisabled):
		return "user_disabled"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	default:
		return "internal_error"
	}
}

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/giantswarm/mcp-gateway-auth/internal/testutil"
	"github.com/giantswarm/mcp-gateway-auth/storage"
	"github.com/giantswarm/mcp-gateway-auth/storage/memory"
	"github.com/giantswarm/mcp-gateway-auth/token"
)

const (
	testIssuer      = "https://gw.example.com"
	testRedirectURI = "https://app.example.com/callback"
	testState       = "state-1234567890"
	testPassword    = "correct-horse-battery"
)

type testEnv struct {
	srv   *Server
	store *memory.Store
	clock *testutil.MockTime
}

func newTestEnv(t *testing.T, config *Config) *testEnv {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	keys, err := token.NewKeyManagerFromKey(testutil.RSAKey(t), "test-key")
	if err != nil {
		t.Fatalf("NewKeyManagerFromKey() error = %v", err)
	}
	clock := testutil.NewMockTime(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	signer := token.NewSigner(keys, testIssuer, "mcp-gateway", time.Hour)
	signer.SetClock(clock.Now)

	if config == nil {
		config = &Config{}
	}
	config.Issuer = testIssuer

	srv, err := New(store, signer, config, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.SetClock(clock.Now)
	store.SetClock(clock.Now)

	return &testEnv{srv: srv, store: store, clock: clock}
}

func (e *testEnv) createUser(t *testing.T, username string, groups ...string) *storage.User {
	t.Helper()
	user, err := e.srv.CreateUser(context.Background(), NewUser{
		Username: username,
		Password: testPassword,
		Email:    username + "@example.com",
		Groups:   groups,
	})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	return user
}

func (e *testEnv) registerPublicClient(t *testing.T, scope string) *storage.Client {
	t.Helper()
	client, _, err := e.srv.RegisterClient(context.Background(), ClientRegistration{
		ClientName:              "test client",
		RedirectURIs:            []string{testRedirectURI},
		TokenEndpointAuthMethod: storage.AuthMethodNone,
		Scope:                   scope,
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client
}

// authorize runs the authorization request and sign-in and returns the code
// and the PKCE verifier.
func (e *testEnv) authorize(t *testing.T, client *storage.Client, username, scope string) (string, string) {
	t.Helper()
	ctx := context.Background()

	challenge, verifier := testutil.GeneratePKCEPair()
	req, err := e.srv.StartAuthorization(ctx, AuthorizationParams{
		ClientID:            client.ClientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		Scope:               scope,
		State:               testState,
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}

	redirect, err := e.srv.CompleteAuthorization(ctx, req.ID, username, testPassword, "192.0.2.1")
	if err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("redirect URL %q does not parse: %v", redirect, err)
	}
	if got := u.Query().Get("state"); got != testState {
		t.Fatalf("redirect state = %q, want %q", got, testState)
	}
	code := u.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect %q carries no code", redirect)
	}
	return code, verifier
}

func requireGrantError(t *testing.T, err error, code string) {
	t.Helper()
	var ge *GrantError
	if !errors.As(err, &ge) {
		t.Fatalf("error = %v, want *GrantError with code %q", err, code)
	}
	if ge.Code != code {
		t.Fatalf("error code = %q, want %q (%v)", ge.Code, code, err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	keys, err := token.NewKeyManagerFromKey(testutil.RSAKey(t), "k")
	if err != nil {
		t.Fatal(err)
	}
	signer := token.NewSigner(keys, testIssuer, "aud", time.Hour)

	if _, err := New(nil, signer, nil, nil); err == nil {
		t.Error("New() without store should fail")
	}
	store := memory.New()
	t.Cleanup(store.Stop)
	if _, err := New(store, nil, nil, nil); err == nil {
		t.Error("New() without signer should fail")
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	env := newTestEnv(t, nil)
	cfg := env.srv.Config

	if cfg.AuthorizationCodeTTL != DefaultAuthorizationCodeTTL {
		t.Errorf("AuthorizationCodeTTL = %v, want %v", cfg.AuthorizationCodeTTL, DefaultAuthorizationCodeTTL)
	}
	if cfg.RefreshTokenTTL != DefaultRefreshTokenTTL {
		t.Errorf("RefreshTokenTTL = %v, want %v", cfg.RefreshTokenTTL, DefaultRefreshTokenTTL)
	}
	if cfg.MinStateLength != DefaultMinStateLength {
		t.Errorf("MinStateLength = %d, want %d", cfg.MinStateLength, DefaultMinStateLength)
	}
	if !cfg.pkceRequired() {
		t.Error("PKCE should be required by default")
	}
}

func TestGrantError(t *testing.T) {
	cause := errors.New("disk full")
	err := serverError(cause)

	if !errors.Is(err, cause) {
		t.Error("serverError should unwrap to its cause")
	}
	if err.Error() != "server_error: internal server error" {
		t.Errorf("Error() = %q", err.Error())
	}
	if got := grantError("access_denied", "").Error(); got != "access_denied" {
		t.Errorf("Error() without description = %q", got)
	}
}

package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/mcp-gateway-auth/internal/testutil"
)

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	user := env.createUser(t, "alice", "devs")
	client := env.registerPublicClient(t, "")

	code, verifier := env.authorize(t, client, "alice", "tools:read")

	tok, scope, err := env.srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, testRedirectURI, verifier)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	if scope != "tools:read" {
		t.Errorf("scope = %q, want tools:read", scope)
	}
	if tok.TokenType != "Bearer" || tok.AccessToken == "" || tok.RefreshToken == "" {
		t.Fatalf("unexpected token %+v", tok)
	}
	if got, _ := tok.Extra("scope").(string); got != "tools:read" {
		t.Errorf("token extra scope = %q", got)
	}
	if want := env.clock.Now().Add(time.Hour); !tok.Expiry.Equal(want) {
		t.Errorf("Expiry = %v, want %v", tok.Expiry, want)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err != nil {
		t.Fatalf("access token does not parse: %v", err)
	}
	if claims["sub"] != user.ID {
		t.Errorf("sub = %v, want %s", claims["sub"], user.ID)
	}
	if claims["iss"] != testIssuer {
		t.Errorf("iss = %v, want %s", claims["iss"], testIssuer)
	}
}

func TestExchangeAuthorizationCode_SingleUse(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createUser(t, "alice")
	client := env.registerPublicClient(t, "")
	code, verifier := env.authorize(t, client, "alice", "")

	if _, _, err := env.srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, testRedirectURI, verifier); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	_, _, err := env.srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, testRedirectURI, verifier)
	requireGrantError(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeAuthorizationCode_ConcurrentRedemption(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createUser(t, "alice")
	client := env.registerPublicClient(t, "")
	code, verifier := env.authorize(t, client, "alice", "")

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := env.srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, testRedirectURI, verifier); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful redemptions = %d, want 1", successes)
	}
}

func TestExchangeAuthorizationCode_PKCE(t *testing.T) {
	_, otherVerifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name     string
		verifier func(correct string) string
		wantCode string
	}{
		{name: "missing verifier", verifier: func(string) string { return "" }, wantCode: ErrorCodeInvalidRequest},
		{name: "wrong verifier", verifier: func(string) string { return otherVerifier }, wantCode: ErrorCodeInvalidGrant},
		{name: "short verifier", verifier: func(string) string { return "abc" }, wantCode: ErrorCodeInvalidGrant},
		{name: "correct verifier", verifier: func(v string) string { return v }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.createUser(t, "alice")
			client := env.registerPublicClient(t, "")
			code, verifier := env.authorize(t, client, "alice", "")

			_, _, err := env.srv.ExchangeAuthorizationCode(context.Background(), code, client.ClientID, testRedirectURI, tt.verifier(verifier))
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			requireGrantError(t, err, tt.wantCode)
		})
	}
}

func TestExchangeAuthorizationCode_Mismatches(t *testing.T) {
	tests := []struct {
		name        string
		clientID    func(real string) string
		redirectURI string
		advance     time.Duration
	}{
		{name: "other client", clientID: func(string) string { return "someone-else" }, redirectURI: testRedirectURI},
		{name: "other redirect uri", clientID: func(c string) string { return c }, redirectURI: "https://app.example.com/other"},
		{name: "expired code", clientID: func(c string) string { return c }, redirectURI: testRedirectURI, advance: DefaultAuthorizationCodeTTL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.createUser(t, "alice")
			client := env.registerPublicClient(t, "")
			code, verifier := env.authorize(t, client, "alice", "")
			env.clock.Advance(tt.advance)

			_, _, err := env.srv.ExchangeAuthorizationCode(context.Background(), code, tt.clientID(client.ClientID), tt.redirectURI, verifier)
			requireGrantError(t, err, ErrorCodeInvalidGrant)
		})
	}
}

func TestExchangeAuthorizationCode_DisabledUser(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	user := env.createUser(t, "alice")
	client := env.registerPublicClient(t, "")
	code, verifier := env.authorize(t, client, "alice", "")

	if _, err := env.srv.SetUserDisabled(ctx, user.ID, true); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, testRedirectURI, verifier)
	requireGrantError(t, err, ErrorCodeInvalidGrant)
}

func TestStartAuthorization_Validation(t *testing.T) {
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name     string
		mutate   func(p *AuthorizationParams)
		wantCode string
	}{
		{name: "unknown client", mutate: func(p *AuthorizationParams) { p.ClientID = "nope" }, wantCode: ErrorCodeInvalidClient},
		{name: "token response type", mutate: func(p *AuthorizationParams) { p.ResponseType = "token" }, wantCode: "unsupported_response_type"},
		{name: "unregistered redirect", mutate: func(p *AuthorizationParams) { p.RedirectURI = testRedirectURI + "/x" }, wantCode: ErrorCodeInvalidRequest},
		{name: "unsupported scope", mutate: func(p *AuthorizationParams) { p.Scope = "admin" }, wantCode: ErrorCodeInvalidScope},
		{name: "short state", mutate: func(p *AuthorizationParams) { p.State = "abc" }, wantCode: ErrorCodeInvalidRequest},
		{name: "missing challenge", mutate: func(p *AuthorizationParams) { p.CodeChallenge = "" }, wantCode: ErrorCodeInvalidRequest},
		{name: "plain method", mutate: func(p *AuthorizationParams) { p.CodeChallengeMethod = PKCEMethodPlain }, wantCode: ErrorCodeInvalidRequest},
		{name: "valid", mutate: func(*AuthorizationParams) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &Config{SupportedScopes: []string{"tools:read", "tools:write"}})
			client := env.registerPublicClient(t, "")
			params := AuthorizationParams{
				ClientID:            client.ClientID,
				RedirectURI:         testRedirectURI,
				ResponseType:        "code",
				Scope:               "tools:read",
				State:               testState,
				CodeChallenge:       challenge,
				CodeChallengeMethod: PKCEMethodS256,
			}
			tt.mutate(&params)

			req, err := env.srv.StartAuthorization(context.Background(), params)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if req.ExpiresAt.Sub(req.CreatedAt) != DefaultAuthorizationRequestTTL {
					t.Errorf("request lifetime = %v", req.ExpiresAt.Sub(req.CreatedAt))
				}
				return
			}
			requireGrantError(t, err, tt.wantCode)
		})
	}
}

func TestStartAuthorization_ClientScopes(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.registerPublicClient(t, "tools:read")
	challenge, _ := testutil.GeneratePKCEPair()

	_, err := env.srv.StartAuthorization(context.Background(), AuthorizationParams{
		ClientID:            client.ClientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		Scope:               "tools:read tools:write",
		State:               testState,
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})
	requireGrantError(t, err, ErrorCodeInvalidScope)
}

func TestCompleteAuthorization_BadPasswordKeepsRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createUser(t, "alice")
	client := env.registerPublicClient(t, "")
	challenge, _ := testutil.GeneratePKCEPair()

	req, err := env.srv.StartAuthorization(ctx, AuthorizationParams{
		ClientID:            client.ClientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		State:               testState,
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = env.srv.CompleteAuthorization(ctx, req.ID, "alice", "wrong-password", "192.0.2.1")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("error = %v, want ErrInvalidCredentials", err)
	}

	if _, err := env.srv.CompleteAuthorization(ctx, req.ID, "alice", testPassword, "192.0.2.1"); err != nil {
		t.Fatalf("retry after bad password error = %v", err)
	}

	// Consumed by the successful sign-in.
	_, err = env.srv.CompleteAuthorization(ctx, req.ID, "alice", testPassword, "192.0.2.1")
	requireGrantError(t, err, ErrorCodeInvalidRequest)
}

func TestCompleteAuthorization_ExpiredRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createUser(t, "alice")
	client := env.registerPublicClient(t, "")
	challenge, _ := testutil.GeneratePKCEPair()

	req, err := env.srv.StartAuthorization(ctx, AuthorizationParams{
		ClientID:            client.ClientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		State:               testState,
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})
	if err != nil {
		t.Fatal(err)
	}

	env.clock.Advance(DefaultAuthorizationRequestTTL)
	_, err = env.srv.CompleteAuthorization(ctx, req.ID, "alice", testPassword, "192.0.2.1")
	requireGrantError(t, err, ErrorCodeInvalidRequest)
}

func TestRefreshAccessToken_Rotation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createUser(t, "alice")
	client := env.registerPublicClient(t, "")
	code, verifier := env.authorize(t, client, "alice", "tools:read tools:write")

	first, _, err := env.srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, testRedirectURI, verifier)
	if err != nil {
		t.Fatal(err)
	}

	second, scope, err := env.srv.RefreshAccessToken(ctx, first.RefreshToken, client.ClientID, "")
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if scope != "tools:read tools:write" {
		t.Errorf("scope = %q", scope)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// The rotated-out token is gone.
	_, _, err = env.srv.RefreshAccessToken(ctx, first.RefreshToken, client.ClientID, "")
	requireGrantError(t, err, ErrorCodeInvalidGrant)

	// Narrowing is allowed.
	third, scope, err := env.srv.RefreshAccessToken(ctx, second.RefreshToken, client.ClientID, "tools:read")
	if err != nil {
		t.Fatalf("narrowing refresh error = %v", err)
	}
	if scope != "tools:read" {
		t.Errorf("narrowed scope = %q", scope)
	}
	if third.AccessToken == "" {
		t.Error("no access token after narrowing refresh")
	}
}

func TestRefreshAccessToken_ScopeEscalation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createUser(t, "alice")
	client := env.registerPublicClient(t, "")
	code, verifier := env.authorize(t, client, "alice", "tools:read")

	tok, _, err := env.srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, testRedirectURI, verifier)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = env.srv.RefreshAccessToken(ctx, tok.RefreshToken, client.ClientID, "tools:read tools:write")
	requireGrantError(t, err, ErrorCodeInvalidScope)

	// The token survives the rejected request.
	if _, _, err := env.srv.RefreshAccessToken(ctx, tok.RefreshToken, client.ClientID, ""); err != nil {
		t.Fatalf("refresh after rejected escalation error = %v", err)
	}
}

func TestRefreshAccessToken_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createUser(t, "alice")
	client := env.registerPublicClient(t, "")
	code, verifier := env.authorize(t, client, "alice", "")

	tok, _, err := env.srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, testRedirectURI, verifier)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = env.srv.RefreshAccessToken(ctx, "unknown", client.ClientID, "")
	requireGrantError(t, err, ErrorCodeInvalidGrant)

	_, _, err = env.srv.RefreshAccessToken(ctx, tok.RefreshToken, "other-client", "")
	requireGrantError(t, err, ErrorCodeInvalidGrant)

	env2 := newTestEnv(t, nil)
	env2.createUser(t, "bob")
	client2 := env2.registerPublicClient(t, "")
	code2, verifier2 := env2.authorize(t, client2, "bob", "")
	tok2, _, err := env2.srv.ExchangeAuthorizationCode(ctx, code2, client2.ClientID, testRedirectURI, verifier2)
	if err != nil {
		t.Fatal(err)
	}
	env2.clock.Advance(DefaultRefreshTokenTTL)
	_, _, err = env2.srv.RefreshAccessToken(ctx, tok2.RefreshToken, client2.ClientID, "")
	requireGrantError(t, err, ErrorCodeInvalidGrant)
}

func TestRevokeToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createUser(t, "alice")
	client := env.registerPublicClient(t, "")
	code, verifier := env.authorize(t, client, "alice", "")

	tok, _, err := env.srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, testRedirectURI, verifier)
	if err != nil {
		t.Fatal(err)
	}

	// Another client cannot revoke it.
	if err := env.srv.RevokeToken(ctx, tok.RefreshToken, "other-client", "192.0.2.1"); err != nil {
		t.Fatalf("RevokeToken() by other client error = %v", err)
	}
	tok, _, err = env.srv.RefreshAccessToken(ctx, tok.RefreshToken, client.ClientID, "")
	if err != nil {
		t.Fatalf("token was revoked by another client: %v", err)
	}

	if err := env.srv.RevokeToken(ctx, tok.RefreshToken, client.ClientID, "192.0.2.1"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	_, _, err = env.srv.RefreshAccessToken(ctx, tok.RefreshToken, client.ClientID, "")
	requireGrantError(t, err, ErrorCodeInvalidGrant)

	// Unknown tokens and access tokens are accepted silently.
	if err := env.srv.RevokeToken(ctx, "unknown", client.ClientID, ""); err != nil {
		t.Errorf("RevokeToken(unknown) error = %v", err)
	}
	if err := env.srv.RevokeToken(ctx, tok.AccessToken, client.ClientID, ""); err != nil {
		t.Errorf("RevokeToken(access token) error = %v", err)
	}
}

func TestBuildRedirectURL_KeepsExistingQuery(t *testing.T) {
	got, err := buildRedirectURL("https://app.example.com/cb?tenant=a", map[string]string{"code": "c1", "state": ""})
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://app.example.com/cb?code=c1&tenant=a" {
		t.Errorf("buildRedirectURL() = %q", got)
	}
}

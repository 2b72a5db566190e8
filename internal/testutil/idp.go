package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

// RSAKey returns a 2048-bit RSA key shared by all tests of the process.
func RSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

// NewRSAKey generates a fresh 2048-bit RSA key.
func NewRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return k
}

// RSAJWK renders pub as a JWKS entry.
func RSAJWK(pub *rsa.PublicKey, kid, use string) map[string]any {
	jwk := map[string]any{
		"kty": "RSA",
		"kid": kid,
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
	if use != "" {
		jwk["use"] = use
	}
	return jwk
}

// IdPServer is an httptest identity provider serving
// /.well-known/openid-configuration and /jwks.
type IdPServer struct {
	*httptest.Server

	Key   *rsa.PrivateKey
	KeyID string

	DiscoveryHits atomic.Int32
	JWKSHits      atomic.Int32

	mu        sync.Mutex
	jwksBody  []byte
	failing   bool
	jwksDelay time.Duration
}

// NewIdPServer starts an identity provider signing with the shared test key.
// The server is closed when the test ends.
func NewIdPServer(t testing.TB) *IdPServer {
	t.Helper()
	s := &IdPServer{
		Key:   RSAKey(t),
		KeyID: "test-key-1",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.serveDiscovery)
	mux.HandleFunc("/jwks", s.serveJWKS)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	s.SetKeys(RSAJWK(&s.Key.PublicKey, s.KeyID, "sig"))
	return s
}

// Issuer returns the issuer URL of the server.
func (s *IdPServer) Issuer() string { return s.URL }

// JWKSURI returns the URL of the key set.
func (s *IdPServer) JWKSURI() string { return s.URL + "/jwks" }

// SetKeys replaces the published key set.
func (s *IdPServer) SetKeys(keys ...map[string]any) {
	body, _ := json.Marshal(map[string]any{"keys": keys})
	s.mu.Lock()
	s.jwksBody = body
	s.mu.Unlock()
}

// SetFailing makes every endpoint answer 503 while failing is true.
func (s *IdPServer) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

// SetJWKSDelay makes the JWKS endpoint wait d before answering, or until the
// request is cancelled.
func (s *IdPServer) SetJWKSDelay(d time.Duration) {
	s.mu.Lock()
	s.jwksDelay = d
	s.mu.Unlock()
}

func (s *IdPServer) isFailing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failing
}

func (s *IdPServer) serveDiscovery(w http.ResponseWriter, _ *http.Request) {
	s.DiscoveryHits.Add(1)
	if s.isFailing() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                 s.URL,
		"authorization_endpoint": s.URL + "/authorize",
		"token_endpoint":         s.URL + "/token",
		"jwks_uri":               s.JWKSURI(),
	})
}

func (s *IdPServer) serveJWKS(w http.ResponseWriter, r *http.Request) {
	s.JWKSHits.Add(1)
	s.mu.Lock()
	delay := s.jwksDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if s.isFailing() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Lock()
	body := s.jwksBody
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// SignToken signs claims with the server key. iss, iat and exp default to
// the server issuer, now and one hour from now.
func (s *IdPServer) SignToken(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = s.URL
	}
	now := time.Now()
	if _, ok := claims["iat"]; !ok {
		claims["iat"] = now.Unix()
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = now.Add(time.Hour).Unix()
	}
	return SignRS256(t, s.Key, s.KeyID, claims)
}

// SignRS256 signs claims with key and sets the kid header.
func SignRS256(t testing.TB, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

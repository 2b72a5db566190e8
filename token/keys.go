package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// signingKeyBits is the size of generated signing keys.
const signingKeyBits = 2048

// KeyManager owns the signing key of the built-in issuer.
type KeyManager struct {
	key   *rsa.PrivateKey
	keyID string
}

// NewKeyManager generates a fresh RSA signing key with a random key id.
// Tokens signed with it do not survive a restart.
func NewKeyManager() (*KeyManager, error) {
	key, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return NewKeyManagerFromKey(key, "")
}

// NewKeyManagerFromKey wraps an existing key. An empty keyID gets a random one.
func NewKeyManagerFromKey(key *rsa.PrivateKey, keyID string) (*KeyManager, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if key.N.BitLen() < signingKeyBits {
		return nil, fmt.Errorf("signing key must be at least %d bits, got %d", signingKeyBits, key.N.BitLen())
	}
	if keyID == "" {
		keyID = uuid.NewString()
	}
	return &KeyManager{key: key, keyID: keyID}, nil
}

// LoadKeyManager reads a PEM encoded PKCS#1 or PKCS#8 RSA private key from path.
func LoadKeyManager(path, keyID string) (*KeyManager, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	key, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, err
	}
	return NewKeyManagerFromKey(key, keyID)
}

// ParsePrivateKeyPEM decodes a PEM encoded RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing key is not PEM encoded")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signing key must be RSA, got %T", parsed)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// KeyID returns the kid placed in token headers.
func (m *KeyManager) KeyID() string { return m.keyID }

// PublicKey returns the verification key.
func (m *KeyManager) PublicKey() *rsa.PublicKey { return &m.key.PublicKey }

// JWKS returns the public key set served at /jwks.
func (m *KeyManager) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &m.key.PublicKey,
			KeyID:     m.keyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}},
	}
}

package oidc

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrKeyNotFound is returned when no key in a JWKS matches the requested key id.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrEmptyKeySet is returned together with ErrKeyNotFound when the JWKS
	// publishes no keys at all.
	ErrEmptyKeySet = errors.New("key set is empty")
)

// KeyError reports a JWK that cannot be turned into an RSA public key.
// Exactly one of Type or Field is set.
type KeyError struct {
	KeyID string
	// Type is the unsupported kty value.
	Type string
	// Field is the missing or malformed JWK member.
	Field  string
	Reason string
}

func (e *KeyError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("unsupported key type %q for key %q", e.Type, e.KeyID)
	}
	if e.Reason != "" {
		return fmt.Sprintf("invalid RSA key %q: field %q %s", e.KeyID, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid RSA key %q: missing required field %q", e.KeyID, e.Field)
}

// ResolvedKey is a verification key ready for signature checks.
type ResolvedKey struct {
	KeyID     string
	Algorithm string
	PublicKey *rsa.PublicKey
	// PEM is the SubjectPublicKeyInfo encoding of PublicKey.
	PEM string
}

// SelectKey picks a key from set. With a key id the match must be exact.
// Without one, a signing key is preferred, then a key without a use, then an
// encryption key.
func SelectKey(set *JWKS, kid string) (*JWK, error) {
	if set == nil || len(set.Keys) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrKeyNotFound, ErrEmptyKeySet)
	}

	if kid != "" {
		for i := range set.Keys {
			if set.Keys[i].Kid == kid {
				return &set.Keys[i], nil
			}
		}
		return nil, fmt.Errorf("%w: no key with kid %q", ErrKeyNotFound, kid)
	}

	for _, use := range []string{"sig", "", "enc"} {
		for i := range set.Keys {
			if set.Keys[i].Use == use {
				return &set.Keys[i], nil
			}
		}
	}
	return &set.Keys[0], nil
}

// ResolveJWK converts an RSA JWK into a ResolvedKey.
func ResolveJWK(jwk *JWK) (*ResolvedKey, error) {
	pub, err := RSAPublicKey(jwk)
	if err != nil {
		return nil, err
	}
	pemText, err := PublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}
	alg := jwk.Alg
	if alg == "" {
		alg = "RS256"
	}
	return &ResolvedKey{
		KeyID:     jwk.Kid,
		Algorithm: alg,
		PublicKey: pub,
		PEM:       pemText,
	}, nil
}

// RSAPublicKey decodes the modulus and exponent of an RSA JWK.
func RSAPublicKey(jwk *JWK) (*rsa.PublicKey, error) {
	if jwk.Kty != "RSA" {
		kty := jwk.Kty
		if kty == "" {
			kty = "<empty>"
		}
		return nil, &KeyError{KeyID: jwk.Kid, Type: kty}
	}
	if jwk.N == "" {
		return nil, &KeyError{KeyID: jwk.Kid, Field: "n"}
	}
	if jwk.E == "" {
		return nil, &KeyError{KeyID: jwk.Kid, Field: "e"}
	}

	nBytes, err := decodeBase64URL(jwk.N)
	if err != nil || len(nBytes) == 0 {
		return nil, &KeyError{KeyID: jwk.Kid, Field: "n", Reason: "is not valid base64url"}
	}
	eBytes, err := decodeBase64URL(jwk.E)
	if err != nil || len(eBytes) == 0 || len(eBytes) > 4 {
		return nil, &KeyError{KeyID: jwk.Kid, Field: "e", Reason: "is not a valid exponent"}
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e < 3 {
		return nil, &KeyError{KeyID: jwk.Kid, Field: "e", Reason: "is not a valid exponent"}
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

// PublicKeyPEM encodes pub as a "PUBLIC KEY" PEM block.
func PublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// decodeBase64URL accepts unpadded and padded base64url.
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

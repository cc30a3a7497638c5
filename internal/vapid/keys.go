// Package vapid implements Voluntary Application Server Identification
// (RFC 8292) for Web Push: loading the application server key pair and
// signing per-origin authorization tokens.
package vapid

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

const (
	publicKeyLen  = 65 // uncompressed P-256 point: 0x04 || X (32) || Y (32)
	privateKeyLen = 32 // raw P-256 scalar
)

// ErrNoKeys indicates that no VAPID key pair is configured. Push delivery
// is an optional channel, so callers treat this as "feature disabled"
// rather than a startup failure.
var ErrNoKeys = errors.New("vapid: key pair not configured")

// KeyMaterial is the application server identity: a P-256 key pair plus a
// contact URI. Loaded once at startup and shared read-only by all
// concurrent signing operations.
type KeyMaterial struct {
	publicKey  []byte // uncompressed point, kept for the k= header parameter
	privateKey *ecdsa.PrivateKey
	subject    string
}

// LoadKeys decodes and validates a VAPID key pair from its URL-safe base64
// configuration form. Returns ErrNoKeys when either key is absent.
func LoadKeys(publicKey, privateKey, subject string) (*KeyMaterial, error) {
	if publicKey == "" || privateKey == "" {
		return nil, ErrNoKeys
	}

	pubBytes, err := base64.RawURLEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(pubBytes) != publicKeyLen || pubBytes[0] != 0x04 {
		return nil, fmt.Errorf("public key must be a %d-byte uncompressed P-256 point", publicKeyLen)
	}

	privBytes, err := base64.RawURLEncoding.DecodeString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(privBytes) != privateKeyLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", privateKeyLen, len(privBytes))
	}

	// Round-trip the scalar through crypto/ecdh to validate it is in range
	// and to recover the point it generates.
	ecdhPriv, err := ecdh.P256().NewPrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key scalar: %w", err)
	}

	if !bytes.Equal(ecdhPriv.PublicKey().Bytes(), pubBytes) {
		return nil, errors.New("public key does not match private key")
	}

	signingKey := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pubBytes[1:33]),
			Y:     new(big.Int).SetBytes(pubBytes[33:65]),
		},
		D: new(big.Int).SetBytes(privBytes),
	}

	return &KeyMaterial{
		publicKey:  pubBytes,
		privateKey: signingKey,
		subject:    subject,
	}, nil
}

// PublicKey returns the uncompressed public point, URL-safe base64 encoded,
// as carried in the k= parameter of the Authorization header.
func (k *KeyMaterial) PublicKey() string {
	return base64.RawURLEncoding.EncodeToString(k.publicKey)
}

// Subject returns the operator contact URI carried in token claims.
func (k *KeyMaterial) Subject() string {
	return k.subject
}

// GenerateKeys creates a fresh VAPID key pair in the URL-safe base64 form
// the configuration consumes. Used by the vapidgen CLI.
func GenerateKeys() (publicKey, privateKey string, err error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key pair: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(priv.Bytes()),
		nil
}

// Package webpush encrypts push payloads with the aesgcm content encoding
// (draft-ietf-webpush-encryption-03): ECDH over P-256, two-step HKDF-SHA256,
// AES-128-GCM. The byte layout here is load-bearing; the receiving browser
// derives the same keys from the other side and any deviation makes the
// record undecryptable.
package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	saltLen       = 16
	authSecretLen = 16
	keyLen        = 16 // AES-128
	nonceLen      = 12
	pointLen      = 65 // uncompressed P-256 point
)

// EncryptedMessage holds one encrypted record plus the public values the
// receiver needs: the per-message salt and the sender's ephemeral public
// key, both single-use.
type EncryptedMessage struct {
	Ciphertext      []byte // AES-128-GCM output, auth tag included
	Salt            string // URL-safe base64, for the Encryption header
	ServerPublicKey string // URL-safe base64, for the Crypto-Key dh= parameter
}

// Encrypt seals plaintext for the holder of the subscription keys.
// p256dh is the receiver's public key and auth its 16-byte secret, both
// URL-safe base64 as delivered by the browser's PushManager.
//
// A fresh ephemeral key pair and salt are generated on every call; the
// same plaintext never encrypts to the same bytes twice.
func Encrypt(plaintext []byte, p256dh, auth string) (*EncryptedMessage, error) {
	receiverPub, err := base64.RawURLEncoding.DecodeString(trimPadding(p256dh))
	if err != nil {
		return nil, fmt.Errorf("decode p256dh key: %w", err)
	}
	if len(receiverPub) != pointLen {
		return nil, fmt.Errorf("p256dh key must be a %d-byte uncompressed point, got %d bytes", pointLen, len(receiverPub))
	}

	authSecret, err := base64.RawURLEncoding.DecodeString(trimPadding(auth))
	if err != nil {
		return nil, fmt.Errorf("decode auth secret: %w", err)
	}
	if len(authSecret) != authSecretLen {
		return nil, fmt.Errorf("auth secret must be %d bytes, got %d", authSecretLen, len(authSecret))
	}

	receiverKey, err := ecdh.P256().NewPublicKey(receiverPub)
	if err != nil {
		return nil, fmt.Errorf("import p256dh key: %w", err)
	}

	serverKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	serverPub := serverKey.PublicKey().Bytes()

	sharedSecret, err := serverKey.ECDH(receiverKey)
	if err != nil {
		return nil, fmt.Errorf("ecdh agreement: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	cek, nonce, err := deriveKeys(sharedSecret, authSecret, salt, receiverPub, serverPub)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	// Two-byte pad length prefix, zero padding bytes.
	record := make([]byte, 2+len(plaintext))
	copy(record[2:], plaintext)

	return &EncryptedMessage{
		Ciphertext:      gcm.Seal(nil, nonce, record, nil),
		Salt:            base64.RawURLEncoding.EncodeToString(salt),
		ServerPublicKey: base64.RawURLEncoding.EncodeToString(serverPub),
	}, nil
}

// deriveKeys runs the draft-03 two-step derivation: auth secret and shared
// secret into a 32-byte PRK, then PRK and salt into the content encryption
// key and nonce, each bound to both public keys through the context block.
func deriveKeys(sharedSecret, authSecret, salt, receiverPub, serverPub []byte) (cek, nonce []byte, err error) {
	prk := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, authSecret, []byte("Content-Encoding: auth\x00")), prk); err != nil {
		return nil, nil, fmt.Errorf("derive prk: %w", err)
	}

	ctx := keyContext(receiverPub, serverPub)

	cek = make([]byte, keyLen)
	cekInfo := append([]byte("Content-Encoding: aesgcm\x00"), ctx...)
	if _, err := io.ReadFull(hkdf.New(sha256.New, prk, salt, cekInfo), cek); err != nil {
		return nil, nil, fmt.Errorf("derive cek: %w", err)
	}

	nonce = make([]byte, nonceLen)
	nonceInfo := append([]byte("Content-Encoding: nonce\x00"), ctx...)
	if _, err := io.ReadFull(hkdf.New(sha256.New, prk, salt, nonceInfo), nonce); err != nil {
		return nil, nil, fmt.Errorf("derive nonce: %w", err)
	}

	return cek, nonce, nil
}

// keyContext builds the context block both sides feed into HKDF info:
// the curve label, then each public key prefixed with its big-endian
// uint16 length (0x00 0x41 for an uncompressed P-256 point).
func keyContext(receiverPub, serverPub []byte) []byte {
	ctx := make([]byte, 0, 6+2+len(receiverPub)+2+len(serverPub))
	ctx = append(ctx, "P-256\x00"...)
	ctx = append(ctx, byte(len(receiverPub)>>8), byte(len(receiverPub)))
	ctx = append(ctx, receiverPub...)
	ctx = append(ctx, byte(len(serverPub)>>8), byte(len(serverPub)))
	ctx = append(ctx, serverPub...)
	return ctx
}

// trimPadding makes standard-padded base64 from older clients decodable
// with RawURLEncoding.
func trimPadding(s string) string {
	return strings.TrimRight(s, "=")
}

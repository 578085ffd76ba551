// Package secrets encrypts connection credentials at rest with
// AES-256-GCM keyed by APP_SECRET_KEY.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/ignite/appforge/internal/apperr"
)

// Box seals and opens secret strings.
type Box struct {
	aead cipher.AEAD
}

// New builds a Box from APP_SECRET_KEY. The key is accepted as 32 raw bytes
// or as their urlsafe-base64 encoding.
func New(key string) (*Box, error) {
	raw := []byte(key)
	if len(raw) != 32 {
		decoded, err := base64.URLEncoding.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return nil, apperr.New(apperr.CodeSecretStore, "APP_SECRET_KEY must be 32 bytes, raw or urlsafe-base64")
		}
		raw = decoded
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, apperr.New(apperr.CodeSecretStore, "secret key rejected: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.New(apperr.CodeSecretStore, "cipher init failed: %v", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts a plaintext secret to urlsafe-base64.
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperr.New(apperr.CodeSecretStore, "nonce generation failed: %v", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Failures are fatal by policy:
// callers must not retry or degrade.
func (b *Box) Open(sealed string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		return "", apperr.New(apperr.CodeSecretStore, "sealed secret is not base64")
	}
	if len(raw) < b.aead.NonceSize() {
		return "", apperr.New(apperr.CodeSecretStore, "sealed secret is truncated")
	}
	nonce, ciphertext := raw[:b.aead.NonceSize()], raw[b.aead.NonceSize():]
	plain, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", apperr.New(apperr.CodeSecretStore, "secret authentication failed")
	}
	return string(plain), nil
}

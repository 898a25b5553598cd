package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks a token sealed by a TokenSealer. Values without it
// are stored in the clear.
const sealedPrefix = "sealed:v1:"

// TokenSealer encrypts managed server auth tokens before they are written
// to the registry
type TokenSealer struct {
	aead cipher.AEAD
}

// NewTokenSealer creates a sealer with the given encryption key
// The key should be 32 bytes for AES-256-GCM
func NewTokenSealer(key []byte) (*TokenSealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &TokenSealer{aead: gcm}, nil
}

// NewTokenSealerFromPassphrase derives the key with SHA-256. An empty
// passphrase yields a nil sealer, which stores tokens in the clear.
func NewTokenSealerFromPassphrase(passphrase string) (*TokenSealer, error) {
	if passphrase == "" {
		return nil, nil
	}
	hash := sha256.Sum256([]byte(passphrase))
	return NewTokenSealer(hash[:])
}

// Seal encrypts token. Empty tokens and a nil sealer pass through.
func (s *TokenSealer) Seal(token string) (string, error) {
	if s == nil || token == "" || strings.HasPrefix(token, sealedPrefix) {
		return token, nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nonce, nonce, []byte(token), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal. Unsealed values are returned unchanged.
func (s *TokenSealer) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if s == nil {
		return "", fmt.Errorf("token is sealed but no token key is configured")
	}

	data, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed token: %w", err)
	}
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// ABOUTME: Credential sealing for channel configurations at rest
// ABOUTME: Wraps chacha20poly1305 AEAD with a base64 wire form

package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts and decrypts channel credentials with a process-wide key.
// The sealed form is base64(nonce || ciphertext).
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from the configured credential key. The key is
// either 32 raw bytes or the base64 encoding of 32 bytes.
func NewSealer(key string) (*Sealer, error) {
	raw := []byte(key)
	if len(raw) != chacha20poly1305.KeySize {
		decoded, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("credential key must be %d bytes raw or base64: %w", chacha20poly1305.KeySize, err)
		}
		raw = decoded
	}
	if len(raw) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d", chacha20poly1305.KeySize, len(raw))
	}

	aead, err := chacha20poly1305.NewX(raw)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns the base64 wire form.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed value: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return nil, fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed value: %w", err)
	}
	return plaintext, nil
}

// sealCredentials serializes and seals credentials for persistence. A nil
// sealer stores the JSON as-is, which dev mode relies on.
func sealCredentials(s *Sealer, creds ChannelCredentials) (string, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("encoding credentials: %w", err)
	}
	if s == nil {
		return string(raw), nil
	}
	return s.Seal(raw)
}

// openCredentials reverses sealCredentials.
func openCredentials(s *Sealer, stored string) (ChannelCredentials, error) {
	raw := []byte(stored)
	if s != nil {
		opened, err := s.Open(stored)
		if err != nil {
			return ChannelCredentials{}, err
		}
		raw = opened
	}
	var creds ChannelCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return ChannelCredentials{}, fmt.Errorf("decoding credentials: %w", err)
	}
	return creds, nil
}

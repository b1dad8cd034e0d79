// Package seal encrypts and authenticates values written to durable storage.
package seal

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prefix marks a sealed value so unsealed legacy values can still be read
const Prefix = "sealed:v1:"

var (
	ErrNotSealed        = errors.New("value is not sealed")
	ErrInvalidEncoding  = errors.New("invalid sealed value encoding")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Sealer encrypts with AES-256-GCM and signs the ciphertext with HMAC-SHA256
type Sealer struct {
	aead       cipher.AEAD
	signingKey []byte
}

// NewSealer creates a sealer. signingKey needs at least 32 bytes and
// encryptionKey exactly 32 (AES-256).
func NewSealer(signingKey, encryptionKey []byte) (*Sealer, error) {
	if len(signingKey) < 32 {
		return nil, errors.New("signing key must be at least 32 bytes")
	}
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be exactly 32 bytes for AES-256")
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Sealer{aead: aead, signingKey: bytes.Clone(signingKey)}, nil
}

// IsSealed reports whether a stored value carries the sealed prefix
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Seal encrypts and signs plaintext, returning a printable value
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}

	// nonce || ciphertext, with the version prefix as associated data
	box := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(Prefix))
	mac := s.mac(box)

	return Prefix + base64.RawURLEncoding.EncodeToString(append(mac, box...)), nil
}

// Open verifies and decrypts a value produced by Seal
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return "", ErrNotSealed
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", ErrInvalidEncoding
	}
	if len(raw) < sha256.Size+s.aead.NonceSize() {
		return "", ErrInvalidSignature
	}

	mac, box := raw[:sha256.Size], raw[sha256.Size:]
	if !hmac.Equal(mac, s.mac(box)) {
		return "", ErrInvalidSignature
	}

	n := s.aead.NonceSize()
	plaintext, err := s.aead.Open(nil, box[:n], box[n:], []byte(Prefix))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value: %w", err)
	}
	return string(plaintext), nil
}

func (s *Sealer) mac(data []byte) []byte {
	h := hmac.New(sha256.New, s.signingKey)
	h.Write(data)
	return h.Sum(nil)
}

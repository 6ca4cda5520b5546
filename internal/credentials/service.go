// Package credentials encrypts sensitive fields (IPMI passwords,
// identity service passwords) at rest before they reach the resource
// store. Authenticated encryption via nacl/secretbox: 32-byte key from
// an environment variable, random nonce per call, base64 output.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the required secretbox key size.
	KeySize = 32
	// nonceSize is secretbox's fixed nonce size.
	nonceSize = 24
)

var (
	ErrKeyNotSet         = errors.New("LABCTL_CREDENTIALS_KEY environment variable is not set")
	ErrInvalidKeySize    = errors.New("encryption key must be exactly 32 bytes")
	ErrDecryptDamaged    = errors.New("decryption failed: data may be corrupted or wrong key")
	ErrEmptyPlaintext    = errors.New("cannot encrypt empty plaintext")
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short or malformed")
)

// Service encrypts and decrypts credential strings for storage.
type Service struct {
	key [KeySize]byte
}

// NewService constructs a Service from a raw 32-byte key.
func NewService(key []byte) (*Service, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	s := &Service{}
	copy(s.key[:], key)
	return s, nil
}

// NewServiceFromEnv builds a Service from the base64-encoded
// LABCTL_CREDENTIALS_KEY environment variable.
func NewServiceFromEnv() (*Service, error) {
	keyStr := os.Getenv("LABCTL_CREDENTIALS_KEY")
	if keyStr == "" {
		return nil, ErrKeyNotSet
	}
	key, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		key = []byte(keyStr)
	}
	return NewService(key)
}

// Encrypt returns base64(nonce || box) for plaintext.
func (s *Service) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (s *Service) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrDecryptDamaged
	}
	return string(plaintext), nil
}

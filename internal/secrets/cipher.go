// ABOUTME: AES-256-GCM sealing of secret values as base64(nonce || ciphertext)
// ABOUTME: The Cipher is safe for concurrent use and never logs key material

package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the required master key length in bytes.
const KeySize = 32

const nonceSize = 12

var (
	// ErrInvalidKey is returned when the master key is not 32 bytes of valid base64.
	ErrInvalidKey = errors.New("master key must be 32 bytes, base64 encoded")

	// ErrMalformed is returned when stored data cannot be decoded or is too short.
	ErrMalformed = errors.New("malformed encrypted value")

	// ErrDecrypt is returned when authentication of the ciphertext fails.
	ErrDecrypt = errors.New("decryption failed")
)

// Cipher encrypts and decrypts secret values under one master key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from raw key bytes.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating aes block: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewCipherFromBase64 decodes a standard-base64 key and builds a Cipher.
func NewCipherFromBase64(encoded string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return NewCipher(key)
}

// Encrypt seals plaintext with a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	combined, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(combined) < nonceSize {
		return "", fmt.Errorf("%w: too short", ErrMalformed)
	}

	nonce, ciphertext := combined[:nonceSize], combined[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// GenerateKey returns a new random master key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// String redacts the key so a Cipher can be logged safely.
func (c *Cipher) String() string {
	return "secrets.Cipher{key:[REDACTED]}"
}

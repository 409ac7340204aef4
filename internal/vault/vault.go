// Package vault provides opaque sealing and opening of provider credential
// blobs. The rest of the core depends only on the Vault interface, so the
// cryptographic backend can be swapped (or faked in tests) without touching
// lease or token logic.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Vault seals and opens credential blobs. Sealed blobs are authenticated:
// tampering is detected at open time.
type Vault interface {
	// Seal encrypts plaintext and returns an opaque base64 token
	Seal(plaintext []byte) (string, error)

	// Open decrypts a sealed token, verifying its integrity
	Open(sealed string) ([]byte, error)
}

// AESVault implements Vault using AES-GCM with a process-wide master key.
// The key should be 16, 24, or 32 bytes for AES-128, AES-192, or AES-256.
type AESVault struct {
	key []byte
}

// NewAESVault creates a vault with the given master key
func NewAESVault(key []byte) (*AESVault, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("invalid key size: must be 16, 24, or 32 bytes, got %d", len(key))
	}

	return &AESVault{key: key}, nil
}

// NewAESVaultFromBase64 creates a vault from a base64-encoded master key,
// the form the key takes in environment variables.
func NewAESVaultFromBase64(encodedKey string) (*AESVault, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("master key cannot be empty")
	}

	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}

	return NewAESVault(key)
}

// GenerateKey generates a new random master key of the specified size,
// base64-encoded for storage in environment variables.
func GenerateKey(keySize int) (string, error) {
	if keySize != 16 && keySize != 24 && keySize != 32 {
		return "", fmt.Errorf("invalid key size: must be 16, 24, or 32 bytes")
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext using AES-GCM and returns the ciphertext as base64
// with the random nonce prepended.
func (v *AESVault) Seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a base64 token produced by Seal
func (v *AESVault) Open(sealed string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

// keyEnvVars are consulted before the system keychain, in order
var keyEnvVars = []string{"PRICING_ENCRYPTION_KEY", "ENCRYPTION_KEY"}

// Cipher seals local secrets (the document-extraction service key) with AES-256-GCM
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a 32-byte key
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: gcm}, nil
}

// LoadCipher resolves the key from the environment (development and tests)
// or the system keychain, generating one on first use.
func LoadCipher() (*Cipher, error) {
	for _, name := range keyEnvVars {
		if value := os.Getenv(name); value != "" {
			return NewCipher(KeyFromString(value))
		}
	}

	key, err := GenerateOrLoadKey()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption from keystore: %w", err)
	}
	return NewCipher(key)
}

// KeyFromString turns a configured key into 32 bytes: a base64 32-byte key is
// used as is, anything else is hashed.
func KeyFromString(value string) []byte {
	if raw, err := base64.StdEncoding.DecodeString(value); err == nil {
		if len(raw) == 32 {
			return raw
		}
		hash := sha256.Sum256(raw)
		return hash[:]
	}
	hash := sha256.Sum256([]byte(value))
	return hash[:]
}

// Encrypt returns base64(nonce || ciphertext)
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt
func (c *Cipher) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

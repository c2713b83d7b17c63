// Package envelope implements the symmetric cipher protecting transport
// payloads. Clients may submit sensitive request bodies as a single
// encryptedData string; the cipher resolves them back into structured JSON
// before the service layer runs.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const nonceSize = 12

var (
	// ErrMissingCipherKey indicates the shared key was not configured.
	ErrMissingCipherKey = errors.New("envelope: cipher key required")
	// ErrDecryptFailed covers malformed, truncated, or garbled ciphertext as
	// well as key mismatches. The cause is never surfaced to callers.
	ErrDecryptFailed = errors.New("envelope: decryption failed")
)

// Cipher encrypts and decrypts payloads with a process-wide shared secret
// using AES-256-GCM. The configured passphrase is stretched to a 32-byte key
// with SHA-256 so operators are not restricted to exact AES key lengths.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher constructs a Cipher from the configured passphrase. The key is
// mandatory: there is deliberately no built-in fallback.
func NewCipher(key string) (*Cipher, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrMissingCipherKey
	}

	derived := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher init: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals the plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("envelope: nonce generation: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a payload produced by Encrypt. Any failure, from broken
// encoding to an authentication mismatch, yields ErrDecryptFailed.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", ErrDecryptFailed
	}
	if len(sealed) <= nonceSize {
		return "", ErrDecryptFailed
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// EncryptObject serializes the value to JSON and encrypts it.
func (c *Cipher) EncryptObject(value any) (string, error) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal: %w", err)
	}
	return c.Encrypt(string(serialized))
}

// DecryptObject decrypts a payload and unmarshals the JSON into out.
func (c *Cipher) DecryptObject(encoded string, out any) error {
	plaintext, err := c.Decrypt(encoded)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plaintext), out); err != nil {
		return ErrDecryptFailed
	}
	return nil
}

// Package crypto encrypts platform connection credentials at rest with
// AES-256-GCM. Ciphertext and nonce are stored base64-encoded in separate
// columns.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
)

var (
	ErrInvalidKey = errors.New("encryption key must be 32 bytes (64 hex chars)")
	ErrDecrypt    = errors.New("credential could not be decrypted")
)

// Cipher seals and opens credentials with a single 256-bit key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 64-character hex key.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt returns base64 ciphertext and nonce for plaintext. Each call uses
// a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (ciphertext, nonce string, err error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", "", err
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(iv),
		nil
}

// Decrypt reverses Encrypt. Any malformed or tampered input yields ErrDecrypt.
func (c *Cipher) Decrypt(ciphertext, nonce string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}
	iv, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil || len(iv) != c.aead.NonceSize() {
		return "", ErrDecrypt
	}
	plain, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

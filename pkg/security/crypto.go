// Package security protects anonymous reporter identities and issues the
// tokens the services accept.
package security

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
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	defaultSecret = "SUPER_SECRET_KEY_CHANGE_ME"
	keyInfo       = "anonymous-reporter-id/v1"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// KeyFromEnv returns the 32-byte AES key for reporter ids.
// ANON_ENC_KEY (base64, 32 bytes) wins; otherwise the key is derived from
// JWT_SECRET.
func KeyFromEnv() ([]byte, error) {
	if v := strings.TrimSpace(os.Getenv("ANON_ENC_KEY")); v != "" {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decode ANON_ENC_KEY: %w", err)
		}
		if len(b) != 32 {
			return nil, errors.New("ANON_ENC_KEY must decode to 32 bytes")
		}
		return b, nil
	}
	return DeriveKey(JWTSecretFromEnv())
}

// DeriveKey stretches a shared secret into an AES-256 key with HKDF-SHA256.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("empty secret")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func JWTSecretFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("JWT_SECRET")); v != "" {
		return v
	}
	return defaultSecret
}

// Cipher seals short strings with AES-GCM. The output is base64 of
// nonce||ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: gcm}, nil
}

// NewCipherFromEnv builds a Cipher from KeyFromEnv.
func NewCipherFromEnv() (*Cipher, error) {
	key, err := KeyFromEnv()
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(encoded string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	ns := c.aead.NonceSize()
	if len(payload) < ns {
		return "", ErrCiphertextTooShort
	}
	pt, err := c.aead.Open(nil, payload[:ns], payload[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

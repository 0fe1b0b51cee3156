package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const encryptedTokenPrefix = "enc:v1:"

var ErrTokenCipherMissing = errors.New("node token encryption key is not configured")

// TokenCipher seals daemon tokens with AES-256-GCM before they reach the
// database. Values without the prefix are treated as legacy plaintext.
type TokenCipher struct {
	key []byte
}

// NewTokenCipher returns nil when no key is configured; a nil cipher stores
// tokens in plaintext and refuses to open sealed ones.
func NewTokenCipher(raw string) (*TokenCipher, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	key, err := parseTokenKey(trimmed)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{key: key}, nil
}

func parseTokenKey(raw string) ([]byte, error) {
	if len(raw) == 64 {
		if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == 32 {
			return decoded, nil
		}
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("NODE_TOKEN_ENCRYPTION_KEY must be 32-byte raw, 64-char hex, or base64")
}

func (c *TokenCipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts a token. Without a key the token is returned unchanged.
func (c *TokenCipher) Seal(token string) (string, error) {
	if c == nil || token == "" {
		return token, nil
	}
	aead, err := c.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	payload := aead.Seal(nonce, nonce, []byte(token), nil)
	return encryptedTokenPrefix + base64.RawStdEncoding.EncodeToString(payload), nil
}

func (c *TokenCipher) Open(value string) (string, error) {
	if !strings.HasPrefix(value, encryptedTokenPrefix) {
		return value, nil
	}
	if c == nil {
		return "", ErrTokenCipherMissing
	}
	payload, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, encryptedTokenPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed token: %w", err)
	}
	aead, err := c.gcm()
	if err != nil {
		return "", err
	}
	if len(payload) < aead.NonceSize() {
		return "", errors.New("invalid sealed token payload")
	}
	plain, err := aead.Open(nil, payload[:aead.NonceSize()], payload[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("open sealed token: %w", err)
	}
	return string(plain), nil
}

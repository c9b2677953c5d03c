package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// SSNCipher encrypts social security numbers with AES-GCM before they are
// stored or used as a lookup key. Encryption is deterministic: the nonce is
// derived from the plaintext with HMAC-SHA256, so the same SSN always
// produces the same ciphertext and the encrypted form can serve as a unique
// database key.
type SSNCipher struct {
	aead cipher.AEAD
	key  []byte
}

// NewSSNCipher creates a cipher from a 16, 24 or 32 byte AES key.
func NewSSNCipher(key []byte) (*SSNCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SSNCipher{aead: aead, key: key}, nil
}

func (c *SSNCipher) nonce(plaintext []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte("ssn-nonce"))
	mac.Write(plaintext)
	return mac.Sum(nil)[:c.aead.NonceSize()]
}

// Encrypt returns the base64 form of nonce||ciphertext.
func (c *SSNCipher) Encrypt(ssn string) string {
	plaintext := []byte(ssn)
	nonce := c.nonce(plaintext)
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(append(nonce, sealed...))
}

// Decrypt reverses Encrypt.
func (c *SSNCipher) Decrypt(encrypted string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decode encrypted ssn: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("encrypted ssn too short")
	}
	plaintext, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt ssn: %w", err)
	}
	return string(plaintext), nil
}

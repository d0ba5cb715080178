package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

// ErrEmptySecret is returned when a Sealer is built without key material.
var ErrEmptySecret = errors.New("crypto: empty secret")

// Sealer encrypts small blobs (kubeconfigs, git credentials) with AES-GCM.
// Ciphertext layout is nonce || sealed payload.
type Sealer struct {
	key []byte
}

// NewSealer derives a 32 byte key from secret using SHA-256.
func NewSealer(secret string) (Sealer, error) {
	if secret == "" {
		return Sealer{}, ErrEmptySecret
	}
	sum := sha256.Sum256([]byte(secret))
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return Sealer{key: key}, nil
}

// Seal encrypts plaintext. Empty input yields empty output.
func (s Sealer) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal.
func (s Sealer) Open(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize {
		return nil, io.ErrUnexpectedEOF
	}
	return gcm.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
}

// SealString is a convenience wrapper for string secrets.
func (s Sealer) SealString(plaintext string) ([]byte, error) {
	return s.Seal([]byte(plaintext))
}

// OpenString is a convenience wrapper for string secrets.
func (s Sealer) OpenString(payload []byte) (string, error) {
	plain, err := s.Open(payload)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (s Sealer) aead() (cipher.AEAD, error) {
	if len(s.key) == 0 {
		return nil, ErrEmptySecret
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

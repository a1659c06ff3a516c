// Package vault seals run history exports with a passphrase.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Magic prefixes every sealed document.
var Magic = []byte("TWVAULT1")

const saltLen = 16

var ErrNotSealed = errors.New("not a sealed document")

// Vault provides AES-256-GCM encryption with an Argon2id-derived key.
type Vault struct {
	gcm  cipher.AEAD
	salt []byte
}

// New derives a key from passphrase and salt.
func New(passphrase string, salt []byte) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	if len(salt) != saltLen {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", saltLen, len(salt))
	}
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{gcm: gcm, salt: append([]byte(nil), salt...)}, nil
}

// NewRandom derives a key from passphrase and a fresh random salt.
func NewRandom(passphrase string) (*Vault, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return New(passphrase, salt)
}

// Seal returns Magic, the salt, a random nonce and the ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(Magic)+saltLen+len(nonce)+len(plaintext)+v.gcm.Overhead())
	out = append(out, Magic...)
	out = append(out, v.salt...)
	out = append(out, nonce...)
	return v.gcm.Seal(out, nonce, plaintext, nil), nil
}

// IsSealed reports whether data starts with Magic.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, Magic)
}

// Open decrypts a document produced by Seal with the same passphrase.
func Open(passphrase string, sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrNotSealed
	}
	rest := sealed[len(Magic):]
	if len(rest) < saltLen {
		return nil, errors.New("sealed document truncated")
	}

	v, err := New(passphrase, rest[:saltLen])
	if err != nil {
		return nil, err
	}
	rest = rest[saltLen:]

	n := v.gcm.NonceSize()
	if len(rest) < n {
		return nil, errors.New("sealed document truncated")
	}
	plaintext, err := v.gcm.Open(nil, rest[:n], rest[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

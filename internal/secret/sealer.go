// Package secret seals tenant credentials at rest and derives per-tenant
// database passwords from the process encryption key.
package secret

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var ErrMalformed = errors.New("secret: sealed value is malformed")

// Credentials are the admin login generated by the in-cluster installer.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Sealer encrypts small values with XChaCha20-Poly1305.
type Sealer struct {
	aead        cipher.AEAD
	passwordKey []byte
}

// NewSealer derives independent sealing and password keys from key.
func NewSealer(key string) (*Sealer, error) {
	if len(key) < 32 {
		return nil, errors.New("secret: key must be at least 32 bytes")
	}

	sealKey, err := derive(key, "tenant-credentials-v1", chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	pwKey, err := derive(key, "tenant-db-password-v1", 32)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, fmt.Errorf("secret: init aead: %w", err)
	}
	return &Sealer{aead: aead, passwordKey: pwKey}, nil
}

// Seal encrypts plaintext. Output is nonce || ciphertext.
func (s *Sealer) Seal(plaintext, associated []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secret: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, associated), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, associated []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrMalformed
	}
	nonce, ct := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ct, associated)
	if err != nil {
		return nil, fmt.Errorf("secret: open: %w", err)
	}
	return plaintext, nil
}

// SealCredentials binds the sealed value to tenantID.
func (s *Sealer) SealCredentials(tenantID string, creds Credentials) ([]byte, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("secret: encode credentials: %w", err)
	}
	return s.Seal(data, []byte(tenantID))
}

// OpenCredentials decrypts credentials sealed for tenantID.
func (s *Sealer) OpenCredentials(tenantID string, sealed []byte) (Credentials, error) {
	data, err := s.Open(sealed, []byte(tenantID))
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("secret: decode credentials: %w", err)
	}
	return creds, nil
}

// DatabasePassword is stable for a tenant so database creation converges on retry.
func (s *Sealer) DatabasePassword(tenantID string) string {
	mac := hmac.New(sha256.New, s.passwordKey)
	mac.Write([]byte(tenantID))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

func derive(key, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(key), nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("secret: derive key: %w", err)
	}
	return out, nil
}

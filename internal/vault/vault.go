// Package vault encrypts broker API credentials at rest.
//
// Ciphertexts use AES-256-GCM with a key derived from the operator's
// ENCRYPTION_SECRET via scrypt. The IV and authentication tag are stored
// alongside the ciphertext so each column round-trips independently.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"github.com/quantpilot/trader/internal/domain"
)

const (
	// scrypt cost parameters. Interactive-grade: derivation happens once
	// at startup, decryption is per-user per-execution.
	scryptN = 16384
	scryptR = 8
	scryptP = 1

	keyLen   = 32 // AES-256
	nonceLen = 12 // standard GCM nonce
)

// saltLabel is fixed: the secret is operator-supplied key material, not a
// user password, so a per-record salt buys nothing here.
var saltLabel = []byte("broker-credential-vault")

// EncryptedPayload carries one ciphertext with its GCM parameters, all
// hex-encoded for storage in TEXT columns.
type EncryptedPayload struct {
	Ciphertext string
	IV         string
	AuthTag    string
}

// Vault holds the derived AES key
type Vault struct {
	key []byte
}

// New derives the AES key from the configured secret
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption secret is empty")
	}

	key, err := scrypt.Key([]byte(secret), saltLabel, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	return &Vault{key: key}, nil
}

// Encrypt seals plaintext under a fresh random nonce
func (v *Vault) Encrypt(plaintext string) (*EncryptedPayload, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the 16-byte tag; split it off so the tag column
	// round-trips on its own.
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(sealed) - gcm.Overhead()

	return &EncryptedPayload{
		Ciphertext: hex.EncodeToString(sealed[:tagStart]),
		IV:         hex.EncodeToString(nonce),
		AuthTag:    hex.EncodeToString(sealed[tagStart:]),
	}, nil
}

// Decrypt opens a stored payload. Any tampering, key mismatch, or
// malformed field maps to domain.ErrDecryptFailure so callers can skip
// the affected user without inspecting crypto internals.
func (v *Vault) Decrypt(payload *EncryptedPayload) (string, error) {
	ciphertext, err := hex.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext: %v", domain.ErrDecryptFailure, err)
	}
	nonce, err := hex.DecodeString(payload.IV)
	if err != nil {
		return "", fmt.Errorf("%w: malformed iv: %v", domain.ErrDecryptFailure, err)
	}
	tag, err := hex.DecodeString(payload.AuthTag)
	if err != nil {
		return "", fmt.Errorf("%w: malformed auth tag: %v", domain.ErrDecryptFailure, err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("%w: iv length %d", domain.ErrDecryptFailure, len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryptFailure, err)
	}

	return string(plaintext), nil
}

// Package vault seals and opens long-lived credentials with authenticated
// encryption under a single master key supplied at process start. Plaintext
// exists only inside the call stack of a request; it is never logged, cached,
// or persisted.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const keySize = 32 // AES-256

// pbkdf2Iterations matches the OWASP recommendation for PBKDF2-SHA256.
const pbkdf2Iterations = 480_000

// ErrDecrypt is returned when a ciphertext was sealed under a different key
// or has been tampered with. Callers must surface this as a needs-reauth
// condition rather than masking it.
var ErrDecrypt = errors.New("vault: decryption failed")

// Vault performs AES-256-GCM seal/open under one master key.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a base64-encoded 32-byte master key.
func New(masterKey string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil {
		return nil, fmt.Errorf("decoding master key: %w", err)
	}
	return fromRawKey(key)
}

// NewFromPassphrase derives a key from a passphrase with PBKDF2-SHA256 and an
// explicit caller-supplied salt. The salt must be stored alongside the config
// so the same key can be re-derived.
func NewFromPassphrase(passphrase string, salt []byte) (*Vault, error) {
	if len(salt) < 16 {
		return nil, fmt.Errorf("salt must be at least 16 bytes, got %d", len(salt))
	}
	key, err := pbkdf2.Key(sha256.New, passphrase, salt, pbkdf2Iterations, keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return fromRawKey(key)
}

func fromRawKey(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// GenerateKey returns a fresh random master key, base64-encoded.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext and returns a base64 blob (nonce || ciphertext).
func (v *Vault) Seal(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal. Returns ErrDecrypt when the blob was
// sealed under a different key or has been modified.
func (v *Vault) Open(sealed string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(data) < v.aead.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, ciphertext := data[:v.aead.NonceSize()], data[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// SealMap encrypts a string map as a single JSON blob. Used for credential
// sets (API key + token pairs).
func (v *Vault) SealMap(m map[string]string) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding credentials: %w", err)
	}
	return v.Seal(string(b))
}

// OpenMap decrypts a blob produced by SealMap.
func (v *Vault) OpenMap(sealed string) (map[string]string, error) {
	plaintext, err := v.Open(sealed)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(plaintext), &m); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	return m, nil
}

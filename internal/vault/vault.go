// Package vault seals and unseals upstream API-key ciphertexts with a
// process-wide master key.
//
// Ciphertexts are AES-256-GCM, base64-encoded as nonce||ciphertext. The
// master key is held in memory for the process lifetime; unsealed secrets
// are handed to exactly one upstream call and never logged — Mask and
// Sanitize exist so everything user-visible carries the masked form only.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const keySize = 32

// Vault encrypts and decrypts credential material with a single symmetric key.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from the master key material. The key may be given as
// 64 hex characters, standard base64 of 32 bytes, or 32 raw bytes.
func New(master string) (*Vault, error) {
	key, err := parseMasterKey(master)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	return &Vault{aead: aead}, nil
}

func parseMasterKey(master string) ([]byte, error) {
	if master == "" {
		return nil, fmt.Errorf("vault: master key is empty")
	}
	if len(master) == keySize*2 {
		if key, err := hex.DecodeString(master); err == nil {
			return key, nil
		}
	}
	if key, err := base64.StdEncoding.DecodeString(master); err == nil && len(key) == keySize {
		return key, nil
	}
	if len(master) == keySize {
		return []byte(master), nil
	}
	return nil, fmt.Errorf("vault: master key must be 32 bytes (raw, hex, or base64)")
}

// Seal encrypts a cleartext secret for storage.
func (v *Vault) Seal(cleartext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	out := v.aead.Seal(nonce, nonce, []byte(cleartext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Unseal decrypts a stored ciphertext. The caller must not retain the
// returned cleartext beyond the single upstream call it serves.
func (v *Vault) Unseal(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("vault: decode: %w", err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("vault: ciphertext too short")
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt: %w", err)
	}
	return string(plain), nil
}

// Mask returns the log-safe form of a secret: "…" plus the last 4 characters.
func Mask(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "..." + secret[len(secret)-4:]
}

// Sanitize replaces every occurrence of the given secrets in msg with their
// masked form. Applied to upstream error messages before they are returned
// to clients or logged.
func Sanitize(msg string, secrets ...string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		msg = strings.ReplaceAll(msg, s, Mask(s))
	}
	return msg
}

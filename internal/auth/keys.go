// Package auth provides the authorisation and key material helpers used by the audit CLI:
// permission scopes for rollback and maintenance operations, and random secret generation
// for signing keys and key-derivation salts.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	// SigningKeyLength is the size in bytes of a generated HMAC signing key
	SigningKeyLength = 64

	// SaltLength is the size in bytes of a generated key-derivation salt
	SaltLength = 16
)

// GenerateSecret returns n random bytes encoded as URL-safe base64 without padding.
func GenerateSecret(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("secret length must be positive, got %d", n)
	}
	randomBytes := make([]byte, n)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// GenerateSigningKey returns a fresh signing key for audit.signature.key.
func GenerateSigningKey() (string, error) {
	return GenerateSecret(SigningKeyLength)
}

// GenerateSalt returns a salt for audit.signature.salt. The encoded form is longer than
// SaltLength characters, which satisfies the 16-byte minimum on the raw string.
func GenerateSalt() (string, error) {
	return GenerateSecret(SaltLength)
}

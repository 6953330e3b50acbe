package security

import (
	"crypto/rand"
	"encoding/base64"
)

const (
	// DefaultTokenBytes is the entropy for generated token material.
	// 32 bytes gives 256 bits, comfortably above the 128-bit floor
	// recommended for OAuth tokens.
	DefaultTokenBytes = 32
)

// GenerateToken returns a base64url-encoded random token with
// DefaultTokenBytes of entropy. Panics if the system entropy source fails,
// which is non-recoverable for a security token issuer.
func GenerateToken() string {
	return GenerateTokenN(DefaultTokenBytes)
}

// GenerateTokenN returns a base64url-encoded random token with n bytes of
// entropy.
func GenerateTokenN(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("security: system entropy source unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

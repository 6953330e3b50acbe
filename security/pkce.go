package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE challenge methods per RFC 7636.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"

	// MinCodeVerifierLength and MaxCodeVerifierLength bound the verifier
	// per RFC 7636 section 4.1.
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// ComputeChallenge derives the code challenge for a verifier under the
// given method. S256 is base64url(SHA-256(verifier)) without padding;
// plain is the verifier itself.
func ComputeChallenge(verifier, method string) (string, error) {
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(hash[:]), nil
	case PKCEMethodPlain:
		return verifier, nil
	default:
		return "", fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
}

// VerifyChallenge validates a code verifier against a stored challenge per
// RFC 7636. An empty challenge means PKCE was not required for the flow.
// The comparison is constant-time to prevent timing side channels.
func VerifyChallenge(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: verifier alphabet is [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
	// Rejecting anything else also blocks null bytes and control characters.
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	computed, err := ComputeChallenge(verifier, method)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// ConstantTimeEquals compares two secret values in constant time.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

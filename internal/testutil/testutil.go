// Package testutil provides small helpers shared by package tests.
package testutil

import (
	"testing"

	"github.com/sgrastar/authrim/security"
)

// PKCEPair returns a fresh RFC 7636 verifier and its S256 challenge.
func PKCEPair(tb testing.TB) (verifier, challenge string) {
	tb.Helper()

	verifier = security.GenerateTokenN(48)
	challenge, err := security.ComputeChallenge(verifier, security.PKCEMethodS256)
	if err != nil {
		tb.Fatalf("computing PKCE challenge: %v", err)
	}
	return verifier, challenge
}

package security

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

// testVerifier is 43 characters, the RFC 7636 minimum.
const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func TestComputeChallenge_S256(t *testing.T) {
	got, err := ComputeChallenge(testVerifier, PKCEMethodS256)
	if err != nil {
		t.Fatalf("ComputeChallenge() error = %v", err)
	}

	hash := sha256.Sum256([]byte(testVerifier))
	want := base64.RawURLEncoding.EncodeToString(hash[:])
	if got != want {
		t.Errorf("ComputeChallenge() = %q, want %q", got, want)
	}
}

func TestComputeChallenge_Plain(t *testing.T) {
	got, err := ComputeChallenge(testVerifier, PKCEMethodPlain)
	if err != nil {
		t.Fatalf("ComputeChallenge() error = %v", err)
	}
	if got != testVerifier {
		t.Errorf("ComputeChallenge(plain) = %q, want verifier itself", got)
	}
}

func TestComputeChallenge_UnknownMethod(t *testing.T) {
	if _, err := ComputeChallenge(testVerifier, "S512"); err == nil {
		t.Error("ComputeChallenge() with unknown method should return error")
	}
}

func TestVerifyChallenge(t *testing.T) {
	challenge, _ := ComputeChallenge(testVerifier, PKCEMethodS256)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{"valid S256", challenge, PKCEMethodS256, testVerifier, false},
		{"no challenge stored", "", PKCEMethodS256, "", false},
		{"wrong verifier", challenge, PKCEMethodS256, strings.Repeat("x", 43), true},
		{"empty verifier", challenge, PKCEMethodS256, "", true},
		{"verifier too short", challenge, PKCEMethodS256, "short", true},
		{"verifier too long", challenge, PKCEMethodS256, strings.Repeat("a", 129), true},
		{"invalid characters", challenge, PKCEMethodS256, strings.Repeat("a", 42) + "!", true},
		{"plain match", testVerifier, PKCEMethodPlain, testVerifier, false},
		{"plain mismatch", "other-challenge-value-that-is-long-enough-x", PKCEMethodPlain, testVerifier, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyChallenge(tt.challenge, tt.method, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("VerifyChallenge() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConstantTimeEquals(t *testing.T) {
	if !ConstantTimeEquals("secret", "secret") {
		t.Error("ConstantTimeEquals() = false for equal values")
	}
	if ConstantTimeEquals("secret", "Secret") {
		t.Error("ConstantTimeEquals() = true for different values")
	}
}

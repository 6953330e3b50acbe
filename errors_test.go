package authrim

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/sgrastar/authrim/store"
)

func TestOAuthError_Error(t *testing.T) {
	err := NewOAuthError(ErrorCodeInvalidGrant, "code expired", http.StatusBadRequest)
	want := "invalid_grant: code expired"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestFromStoreError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"nil", nil, "", 0},
		{"not found", store.ErrNotFound, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"expired", store.ErrExpired, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"replay", store.ErrReplayDetected, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"theft", store.ErrTheftDetected, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"bad verifier", store.ErrInvalidVerifier, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"client mismatch", store.ErrMismatch, ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"clone", store.ErrPossibleClone, ErrorCodeAccessDenied, http.StatusForbidden},
		{"quota", store.ErrQuotaExceeded, ErrorCodeSlowDown, http.StatusTooManyRequests},
		{"persistence", store.ErrPersistence, ErrorCodeServerError, http.StatusInternalServerError},
		{"unknown", fmt.Errorf("boom"), ErrorCodeServerError, http.StatusInternalServerError},
		{"wrapped replay", fmt.Errorf("consume: %w", store.ErrReplayDetected), ErrorCodeInvalidGrant, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromStoreError(tt.err)
			if tt.err == nil {
				if got != nil {
					t.Fatalf("FromStoreError(nil) = %v, want nil", got)
				}
				return
			}
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
		})
	}
}

// Replay and theft must be indistinguishable from a plain invalid grant
// in the response; only the audit trail records what really happened.
func TestFromStoreError_NoSecurityLeak(t *testing.T) {
	plain := FromStoreError(store.ErrNotFound)
	replay := FromStoreError(store.ErrReplayDetected)
	theft := FromStoreError(store.ErrTheftDetected)

	if plain.Description != replay.Description || replay.Description != theft.Description {
		t.Error("security-sensitive errors must share one description")
	}
	if plain.Code != replay.Code || replay.Code != theft.Code {
		t.Error("security-sensitive errors must share one code")
	}
}

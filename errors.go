package authrim

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sgrastar/authrim/store"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest    = "invalid_request"
	ErrorCodeInvalidGrant      = "invalid_grant"
	ErrorCodeInvalidClient     = "invalid_client"
	ErrorCodeInvalidScope      = "invalid_scope"
	ErrorCodeInvalidToken      = "invalid_token"
	ErrorCodeServerError       = "server_error"
	ErrorCodeAccessDenied      = "access_denied"
	ErrorCodeSlowDown          = "slow_down"
	ErrorCodeInvalidRequestURI = "invalid_request_uri"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrSlowDown indicates the caller exceeded a rate or quota limit
	ErrSlowDown = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeSlowDown, desc, http.StatusTooManyRequests)
	}
)

// FromStoreError translates a storage-layer error into the OAuth error
// the endpoint should return. Security detail stays in the audit trail;
// the response never distinguishes replay from a plain invalid grant, so
// an attacker learns nothing from probing.
func FromStoreError(err error) *OAuthError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrExpired),
		errors.Is(err, store.ErrReplayDetected),
		errors.Is(err, store.ErrTheftDetected),
		errors.Is(err, store.ErrInvalidVerifier):
		return ErrInvalidGrant("grant is invalid, expired, or already used")
	case errors.Is(err, store.ErrMismatch):
		return ErrInvalidClient("client authentication failed")
	case errors.Is(err, store.ErrPossibleClone):
		return ErrAccessDenied("credential rejected")
	case errors.Is(err, store.ErrQuotaExceeded):
		return ErrSlowDown("too many outstanding requests")
	case errors.Is(err, store.ErrPersistence):
		return ErrServerError("temporary storage failure")
	default:
		return ErrServerError("internal error")
	}
}

package store

import "errors"

// Sentinel errors shared by all coordinator-backed stores. Callers are
// expected to match with errors.Is; the root package translates these into
// OAuth 2.0 protocol error codes for the endpoint layer.
var (
	// ErrNotFound indicates the requested entity does not exist. Benign:
	// the caller retries the flow from scratch.
	ErrNotFound = errors.New("entity not found")

	// ErrExpired indicates the entity exists but its TTL has elapsed.
	// Expired entities are evicted on the access that observes them.
	ErrExpired = errors.New("entity expired")

	// ErrReplayDetected indicates a consume-once entity was presented a
	// second time. This is a security event, not a protocol hiccup.
	ErrReplayDetected = errors.New("replay detected")

	// ErrTheftDetected indicates a superseded refresh token was replayed.
	// The whole token family is revoked when this is returned.
	ErrTheftDetected = errors.New("token theft detected")

	// ErrMismatch indicates a binding constraint failed (client ID,
	// redirect URI, or challenge kind did not match the stored entity).
	ErrMismatch = errors.New("constraint mismatch")

	// ErrInvalidVerifier indicates PKCE verification failed.
	ErrInvalidVerifier = errors.New("invalid code verifier")

	// ErrQuotaExceeded indicates a per-owner cap was hit (DoS guard).
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrPossibleClone indicates a hardware authenticator counter went
	// backwards or stalled, which suggests a cloned credential.
	ErrPossibleClone = errors.New("possible cloned authenticator")

	// ErrPersistence indicates the durable write backing a mutation
	// failed. The mutation did not take effect.
	ErrPersistence = errors.New("durable persistence failed")

	// ErrNoSnapshot is returned by DurableStore.Load when no snapshot has
	// been written for the key yet. Coordinators treat this as an empty
	// key-space, not a failure.
	ErrNoSnapshot = errors.New("no snapshot stored")
)

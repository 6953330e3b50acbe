package security

// Event type constants for security audit logging. Using constants keeps
// event names consistent across coordinators and prevents typos in the
// audit trail.
const (
	// Consume-once lifecycle events

	// EventCodeIssued is logged when an authorization code is stored.
	EventCodeIssued = "authorization_code_issued"

	// EventCodeConsumed is logged when an authorization code is exchanged.
	EventCodeConsumed = "authorization_code_consumed"

	// EventCodeReplayDetected is logged when a used authorization code is
	// presented again. Callers should revoke tokens already issued from
	// the code.
	EventCodeReplayDetected = "authorization_code_replay_detected"

	// Refresh token family events

	// EventFamilyCreated is logged when a new refresh-token family is minted.
	EventFamilyCreated = "token_family_created"

	// EventTokenRotated is logged on each successful refresh-token rotation.
	EventTokenRotated = "refresh_token_rotated"

	// EventTheftDetected is logged when a superseded refresh token is
	// replayed and the whole family is revoked.
	EventTheftDetected = "refresh_token_theft_detected"

	// EventFamilyRevoked is logged when a family is revoked explicitly
	// (logout-all) or through theft detection.
	EventFamilyRevoked = "token_family_revoked"

	// Session events

	// EventSessionCreated is logged when an authenticated session is created.
	EventSessionCreated = "session_created"

	// EventSessionInvalidated is logged on logout or bulk invalidation.
	EventSessionInvalidated = "session_invalidated"

	// Challenge and proof events

	// EventChallengeConsumed is logged when a one-time challenge is consumed.
	EventChallengeConsumed = "challenge_consumed"

	// EventChallengeReplayDetected is logged when a used challenge is replayed.
	EventChallengeReplayDetected = "challenge_replay_detected"

	// EventProofReplayDetected is logged when a proof-of-possession JTI is
	// seen twice inside its replay window.
	EventProofReplayDetected = "proof_jti_replay_detected"

	// EventPushedRequestReplayDetected is logged when a pushed
	// authorization request URI is consumed twice.
	EventPushedRequestReplayDetected = "pushed_request_replay_detected"

	// Credential events

	// EventPossibleClone is logged when an authenticator counter goes
	// backwards, which suggests a cloned hardware credential.
	EventPossibleClone = "authenticator_possible_clone"

	// Infrastructure events

	// EventRateLimitExceeded is logged when a windowed rate limit is exceeded.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventQuotaExceeded is logged when a per-owner entity cap is hit.
	EventQuotaExceeded = "quota_exceeded"

	// EventMirrorWriteDropped is logged when a reconciliation task
	// exhausts its retry budget and is dropped.
	EventMirrorWriteDropped = "mirror_write_dropped"

	// EventKeyRotated is logged when the signing key is rotated.
	EventKeyRotated = "signing_key_rotated"
)

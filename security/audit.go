package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. User IDs are
// hashed before they reach the log stream; raw token material never does.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	sink    func(Event)
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// SetSink registers a mirror for audit events, invoked after each event is
// logged. Assembly wires it to the relational audit trail through the
// reconciliation queue. Set once before the auditor is shared; the sink
// must not block.
func (a *Auditor) SetSink(sink func(Event)) {
	a.sink = sink
}

// Event represents a security audit event.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", HashForLogging(event.UserID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.sink != nil {
		a.sink(event)
	}
}

// LogReplayDetected logs a consume-once replay for any entity kind.
func (a *Auditor) LogReplayDetected(eventType, userID, clientID, entityKind string) {
	a.LogEvent(Event{
		Type:     eventType,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"entity_kind": entityKind,
		},
	})
}

// LogTheftDetected logs a refresh-token theft signal and the resulting
// family revocation.
func (a *Auditor) LogTheftDetected(userID, clientID, familyID string, rotationCount int) {
	a.LogEvent(Event{
		Type:     EventTheftDetected,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"family_id":      familyID,
			"rotation_count": rotationCount,
		},
	})
}

// LogFamilyRevoked logs an explicit family revocation (logout-all).
func (a *Auditor) LogFamilyRevoked(userID, clientID, familyID, reason string) {
	a.LogEvent(Event{
		Type:     EventFamilyRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"family_id": familyID,
			"reason":    reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(key string, count int64) {
	a.LogEvent(Event{
		Type: EventRateLimitExceeded,
		Details: map[string]any{
			"key":   HashForLogging(key),
			"count": count,
		},
	})
}

// LogPossibleClone logs a suspected cloned hardware authenticator.
func (a *Auditor) LogPossibleClone(userID, credentialID string, stored, presented uint32) {
	a.LogEvent(Event{
		Type:   EventPossibleClone,
		UserID: userID,
		Details: map[string]any{
			"credential_id":     credentialID,
			"stored_counter":    stored,
			"presented_counter": presented,
		},
	})
}

// IsEnabled returns true if audit logging is enabled.
func (a *Auditor) IsEnabled() bool {
	return a.enabled
}

// HashForLogging returns a short SHA-256 prefix of an identifier so events
// about the same principal can be correlated without exposing the raw value.
func HashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}

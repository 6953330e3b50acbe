package store

import (
	"context"
	"time"
)

// DurableStore persists coordinator snapshots as opaque blobs. Every
// acknowledged mutation has been written here before the coordinator
// returns, so a process restart never loses acknowledged state.
//
// Implementations do not need compare-and-swap: each blob key is only ever
// written by the single coordinator actor that owns it.
// All methods accept context.Context for tracing and cancellation.
type DurableStore interface {
	// Load returns the snapshot blob for a key, or ErrNoSnapshot if the
	// key-space has never been persisted.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save writes the full snapshot blob for a key, replacing any
	// previous blob.
	Save(ctx context.Context, key string, blob []byte) error

	// Delete removes the snapshot blob for a key.
	Delete(ctx context.Context, key string) error
}

// Cache is an eventually-consistent secondary read view. It offers no
// compare-and-swap and must never be treated as authoritative. Writers
// follow delete-then-write ordering: invalidate the cache entry first, then
// write the relational store, so a failed cache delete cannot let a stale
// read outlive the write.
// All methods accept context.Context for tracing and cancellation.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SessionRecord is the relational mirror row for a session. The mirror is
// audit/cold-lookup only; the owning coordinator holds authoritative state.
type SessionRecord struct {
	ID        string
	UserID    string
	Data      []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionMirror mirrors session lifecycle into the relational store.
type SessionMirror interface {
	UpsertSession(ctx context.Context, rec SessionRecord) error
	DeleteSession(ctx context.Context, id string) error
	SelectSessionsByUser(ctx context.Context, userID string) ([]SessionRecord, error)
}

// FamilyRecord is the relational index row for a refresh-token family.
// It records which generation and shard own the family so that user-wide
// revocation can enumerate every coordinator instance holding tokens for
// the user.
type FamilyRecord struct {
	FamilyID      string
	UserID        string
	ClientID      string
	Generation    int
	Shard         int
	RotationCount int
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Revoked       bool
	RevokedAt     time.Time
}

// ShardRef identifies one coordinator instance holding tokens for a user.
type ShardRef struct {
	Generation int
	Shard      int
}

// FamilyIndex is the secondary relational index over token families.
type FamilyIndex interface {
	UpsertFamily(ctx context.Context, rec FamilyRecord) error
	MarkFamilyRevoked(ctx context.Context, familyID string, at time.Time) error
	SelectFamilyShardsByUser(ctx context.Context, userID string) ([]ShardRef, error)
}

// AuditRecord is an append-only security event row.
type AuditRecord struct {
	ID        string
	EventType string
	UserID    string
	ClientID  string
	Details   []byte
	CreatedAt time.Time
}

// AuditMirror appends security events to the relational audit trail.
// Writes go through the reconciliation queue and are best-effort.
type AuditMirror interface {
	InsertAuditEvent(ctx context.Context, rec AuditRecord) error
}

// CredentialCounters performs conditional updates on monotonic hardware
// authenticator counters. The conditional update (WHERE counter = old) is
// the only place the relational store participates in a correctness
// decision, and it is retried by the caller when another writer wins.
type CredentialCounters interface {
	// SelectCounter returns the stored counter for a credential, or
	// ErrNotFound if the credential is unknown.
	SelectCounter(ctx context.Context, credentialID string) (uint32, error)

	// CompareAndSwapCounter sets the counter to next only if it still
	// equals old. Returns false with nil error when another writer won.
	CompareAndSwapCounter(ctx context.Context, credentialID string, old, next uint32) (bool, error)
}

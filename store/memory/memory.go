// Package memory provides in-memory implementations of the collaborator
// interfaces. Suitable for development, testing, and single-instance
// deployments. Blobs survive coordinator reconstruction (the restart tests
// rely on that) but not process exit.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sgrastar/authrim/store"
)

// DurableStore is an in-memory snapshot blob store.
type DurableStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	// failSaves makes every Save fail; tests use it to exercise the
	// persist-before-ack contract.
	failSaves bool
}

var _ store.DurableStore = (*DurableStore)(nil)

// NewDurableStore creates an empty in-memory durable store.
func NewDurableStore() *DurableStore {
	return &DurableStore{blobs: make(map[string][]byte)}
}

// FailSaves toggles forced Save failures for tests.
func (d *DurableStore) FailSaves(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSaves = fail
}

// Load returns the blob for a key, or store.ErrNoSnapshot.
func (d *DurableStore) Load(_ context.Context, key string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	blob, ok := d.blobs[key]
	if !ok {
		return nil, store.ErrNoSnapshot
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, nil
}

// Save stores a copy of the blob.
func (d *DurableStore) Save(_ context.Context, key string, blob []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failSaves {
		return fmt.Errorf("durable store unavailable")
	}

	cp := make([]byte, len(blob))
	copy(cp, blob)
	d.blobs[key] = cp
	return nil
}

// Delete removes a blob.
func (d *DurableStore) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.blobs, key)
	return nil
}

// cacheEntry is a cached value with its expiry.
type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is an in-memory eventually-consistent cache stand-in.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

var _ store.Cache = (*Cache)(nil)

// NewCache creates an empty in-memory cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Get returns a cached value, or store.ErrNotFound when absent or expired.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || (!entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)) {
		return nil, store.ErrNotFound
	}
	return entry.value, nil
}

// Put stores a value with a TTL. Zero TTL means no expiry.
func (c *Cache) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := cacheEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}

// Delete removes a cached value.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Relational is an in-memory stand-in for the relational mirror: session
// rows, the family-by-user index, audit events, and credential counters.
type Relational struct {
	mu          sync.RWMutex
	sessions    map[string]store.SessionRecord
	families    map[string]store.FamilyRecord
	audits      []store.AuditRecord
	credentials map[string]uint32
}

// Compile-time interface checks.
var (
	_ store.SessionMirror      = (*Relational)(nil)
	_ store.FamilyIndex        = (*Relational)(nil)
	_ store.AuditMirror        = (*Relational)(nil)
	_ store.CredentialCounters = (*Relational)(nil)
)

// NewRelational creates an empty in-memory relational store.
func NewRelational() *Relational {
	return &Relational{
		sessions:    make(map[string]store.SessionRecord),
		families:    make(map[string]store.FamilyRecord),
		credentials: make(map[string]uint32),
	}
}

// UpsertSession inserts or replaces a session mirror row.
func (r *Relational) UpsertSession(_ context.Context, rec store.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[rec.ID] = rec
	return nil
}

// DeleteSession removes a session mirror row.
func (r *Relational) DeleteSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// SelectSessionsByUser returns the mirrored sessions for a user.
func (r *Relational) SelectSessionsByUser(_ context.Context, userID string) ([]store.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []store.SessionRecord
	for _, rec := range r.sessions {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UpsertFamily inserts or replaces a family index row.
func (r *Relational) UpsertFamily(_ context.Context, rec store.FamilyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[rec.FamilyID] = rec
	return nil
}

// MarkFamilyRevoked marks a family revoked in the index.
func (r *Relational) MarkFamilyRevoked(_ context.Context, familyID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.families[familyID]
	if !ok {
		return store.ErrNotFound
	}
	rec.Revoked = true
	rec.RevokedAt = at
	r.families[familyID] = rec
	return nil
}

// SelectFamilyShardsByUser returns the distinct generation/shard pairs
// holding live families for a user.
func (r *Relational) SelectFamilyShardsByUser(_ context.Context, userID string) ([]store.ShardRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[store.ShardRef]bool)
	var out []store.ShardRef
	for _, rec := range r.families {
		if rec.UserID != userID || rec.Revoked {
			continue
		}
		ref := store.ShardRef{Generation: rec.Generation, Shard: rec.Shard}
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out, nil
}

// InsertAuditEvent appends an audit row.
func (r *Relational) InsertAuditEvent(_ context.Context, rec store.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, rec)
	return nil
}

// AuditEvents returns a copy of the audit trail (for tests).
func (r *Relational) AuditEvents() []store.AuditRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.AuditRecord, len(r.audits))
	copy(out, r.audits)
	return out
}

// SeedCredential sets a credential counter directly (for tests).
func (r *Relational) SeedCredential(id string, counter uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credentials[id] = counter
}

// SelectCounter returns the stored counter for a credential.
func (r *Relational) SelectCounter(_ context.Context, credentialID string) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counter, ok := r.credentials[credentialID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return counter, nil
}

// CompareAndSwapCounter conditionally updates a credential counter.
func (r *Relational) CompareAndSwapCounter(_ context.Context, credentialID string, old, next uint32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter, ok := r.credentials[credentialID]
	if !ok {
		return false, store.ErrNotFound
	}
	if counter != old {
		return false, nil
	}
	r.credentials[credentialID] = next
	return true, nil
}

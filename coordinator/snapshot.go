package coordinator

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entity is implemented by everything a coordinator stores. Expiry is the
// only cancellation mechanism in the module: expired entities are evicted
// lazily on access or by the periodic sweep.
type Entity interface {
	// ExpireAt returns the entity's expiry deadline. A zero time means
	// the entity never expires.
	ExpireAt() time.Time
}

// Snapshot is the full persisted state of one coordinator key. Mutating
// operations serialize the whole snapshot back to durable storage before
// acknowledging, so the blob is always internally consistent.
type Snapshot[E Entity] struct {
	Version     int          `json:"version"`
	Entities    map[string]E `json:"entities"`
	LastCleanup time.Time    `json:"last_cleanup"`
}

// MigrateFunc upgrades a stored snapshot whose version predates the current
// code. It receives the stored version and the raw blob and returns a
// snapshot at the current version. Called at most once per key per process
// lifetime, during the cold load.
type MigrateFunc[E Entity] func(storedVersion int, raw json.RawMessage) (*Snapshot[E], error)

// newSnapshot returns an empty snapshot at the given version.
func newSnapshot[E Entity](version int) *Snapshot[E] {
	return &Snapshot[E]{
		Version:  version,
		Entities: make(map[string]E),
	}
}

// versionProbe reads just the version field from a stored blob.
type versionProbe struct {
	Version int `json:"version"`
}

// decodeSnapshot decodes a stored blob, running the migration hook when the
// stored version predates current.
func decodeSnapshot[E Entity](blob []byte, current int, migrate MigrateFunc[E]) (*Snapshot[E], bool, error) {
	var probe versionProbe
	if err := json.Unmarshal(blob, &probe); err != nil {
		return nil, false, fmt.Errorf("corrupt snapshot header: %w", err)
	}

	if probe.Version != current {
		if migrate == nil {
			return nil, false, fmt.Errorf("snapshot version %d needs migration to %d but no migration is registered", probe.Version, current)
		}
		snap, err := migrate(probe.Version, blob)
		if err != nil {
			return nil, false, fmt.Errorf("snapshot migration from version %d failed: %w", probe.Version, err)
		}
		snap.Version = current
		if snap.Entities == nil {
			snap.Entities = make(map[string]E)
		}
		return snap, true, nil
	}

	var snap Snapshot[E]
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, false, fmt.Errorf("corrupt snapshot: %w", err)
	}
	if snap.Entities == nil {
		snap.Entities = make(map[string]E)
	}
	return &snap, false, nil
}

// encodeSnapshot serializes a snapshot for durable storage.
func encodeSnapshot[E Entity](snap *Snapshot[E]) ([]byte, error) {
	blob, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return blob, nil
}

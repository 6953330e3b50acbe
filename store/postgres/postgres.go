// Package postgres implements the relational side stores on pgx: session
// and family mirrors, the audit trail, and credential counter CAS. The
// mirrors are read views fed through the reconciliation queue; only the
// credential counter update participates in a correctness decision.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sgrastar/authrim/store"
)

// Store is a Postgres-backed implementation of the relational interfaces.
type Store struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ store.SessionMirror      = (*Store)(nil)
	_ store.FamilyIndex        = (*Store)(nil)
	_ store.AuditMirror        = (*Store)(nil)
	_ store.CredentialCounters = (*Store)(nil)
)

// New creates a Postgres-backed relational store over an existing pool.
func New(db *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Connect opens a pool, verifies the connection, and returns a store.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return New(db, logger), nil
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.db.Close()
}

// ============================================================
// SessionMirror Implementation
// ============================================================

// UpsertSession inserts or refreshes a session mirror row.
func (s *Store) UpsertSession(ctx context.Context, rec store.SessionRecord) error {
	query := `
		INSERT INTO sessions (id, user_id, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data,
			expires_at = EXCLUDED.expires_at`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.UserID, rec.Data, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// DeleteSession removes a session mirror row. Deleting an absent row is
// not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// SelectSessionsByUser lists a user's mirrored sessions.
func (s *Store) SelectSessionsByUser(ctx context.Context, userID string) ([]store.SessionRecord, error) {
	query := `
		SELECT id, user_id, data, created_at, expires_at
		FROM sessions
		WHERE user_id = $1
		ORDER BY created_at DESC`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select sessions by user: %w", err)
	}
	defer rows.Close()

	var recs []store.SessionRecord
	for rows.Next() {
		var rec store.SessionRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Data, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return recs, nil
}

// ============================================================
// FamilyIndex Implementation
// ============================================================

// UpsertFamily inserts or refreshes a token family index row.
func (s *Store) UpsertFamily(ctx context.Context, rec store.FamilyRecord) error {
	query := `
		INSERT INTO token_families (
			family_id, user_id, client_id, generation, shard,
			rotation_count, created_at, expires_at, revoked, revoked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (family_id) DO UPDATE SET
			rotation_count = EXCLUDED.rotation_count,
			expires_at = EXCLUDED.expires_at,
			revoked = EXCLUDED.revoked,
			revoked_at = EXCLUDED.revoked_at`
	var revokedAt *time.Time
	if rec.Revoked {
		revokedAt = &rec.RevokedAt
	}
	_, err := s.db.Exec(ctx, query,
		rec.FamilyID, rec.UserID, rec.ClientID, rec.Generation, rec.Shard,
		rec.RotationCount, rec.CreatedAt, rec.ExpiresAt, rec.Revoked, revokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert token family: %w", err)
	}
	return nil
}

// MarkFamilyRevoked flags a family index row as revoked.
func (s *Store) MarkFamilyRevoked(ctx context.Context, familyID string, at time.Time) error {
	query := `
		UPDATE token_families
		SET revoked = TRUE, revoked_at = $2
		WHERE family_id = $1 AND NOT revoked`
	_, err := s.db.Exec(ctx, query, familyID, at)
	if err != nil {
		return fmt.Errorf("failed to mark family revoked: %w", err)
	}
	return nil
}

// SelectFamilyShardsByUser returns the distinct coordinator instances
// holding live families for a user, for revocation fan-out.
func (s *Store) SelectFamilyShardsByUser(ctx context.Context, userID string) ([]store.ShardRef, error) {
	query := `
		SELECT DISTINCT generation, shard
		FROM token_families
		WHERE user_id = $1 AND NOT revoked AND expires_at > now()`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select family shards by user: %w", err)
	}
	defer rows.Close()

	var refs []store.ShardRef
	for rows.Next() {
		var ref store.ShardRef
		if err := rows.Scan(&ref.Generation, &ref.Shard); err != nil {
			return nil, fmt.Errorf("failed to scan shard row: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate shard rows: %w", err)
	}
	return refs, nil
}

// ============================================================
// AuditMirror Implementation
// ============================================================

// InsertAuditEvent appends a security event row.
func (s *Store) InsertAuditEvent(ctx context.Context, rec store.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO audit_events (id, event_type, user_id, client_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.EventType, rec.UserID, rec.ClientID, rec.Details, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ============================================================
// CredentialCounters Implementation
// ============================================================

// SelectCounter returns the stored signature counter for a credential.
func (s *Store) SelectCounter(ctx context.Context, credentialID string) (uint32, error) {
	var counter int64
	err := s.db.QueryRow(ctx,
		`SELECT sign_count FROM credentials WHERE id = $1`, credentialID,
	).Scan(&counter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: credential", store.ErrNotFound)
		}
		return 0, fmt.Errorf("failed to select credential counter: %w", err)
	}
	return uint32(counter), nil
}

// CompareAndSwapCounter sets the counter only if the stored value is
// still the one the caller read. Zero rows affected means another writer
// won the race; the caller re-reads and decides.
func (s *Store) CompareAndSwapCounter(ctx context.Context, credentialID string, old, next uint32) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE credentials SET sign_count = $3, last_used_at = now()
		 WHERE id = $1 AND sign_count = $2`,
		credentialID, int64(old), int64(next),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update credential counter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost race from a vanished credential.
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM credentials WHERE id = $1)`, credentialID,
		).Scan(&exists); err != nil {
			return false, fmt.Errorf("failed to check credential existence: %w", err)
		}
		if !exists {
			return false, fmt.Errorf("%w: credential", store.ErrNotFound)
		}
		return false, nil
	}
	return true, nil
}

// Package session implements authenticated session storage on the
// single-writer coordinator. Sessions are sharded by session-ID hash; a
// relational mirror is kept asynchronously for audit and cold lookups.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sgrastar/authrim/coordinator"
	"github.com/sgrastar/authrim/instrumentation"
	"github.com/sgrastar/authrim/internal/util"
	"github.com/sgrastar/authrim/reconcile"
	"github.com/sgrastar/authrim/security"
	"github.com/sgrastar/authrim/store"
)

const (
	// DefaultTTL is the session lifetime when the caller passes none.
	DefaultTTL = 24 * time.Hour

	// DefaultShards spreads session key-spaces so one busy tenant does
	// not serialize everyone's session writes.
	DefaultShards = 16

	mirrorTaskKind = "session_mirror"
)

// Session is the stored session entity.
type Session struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// ExpireAt implements coordinator.Entity.
func (s *Session) ExpireAt() time.Time { return s.ExpiresAt }

// Config configures the session store.
type Config struct {
	Durable store.DurableStore

	// Shards overrides DefaultShards when positive.
	Shards int

	// Mirror is the optional relational mirror, written best-effort
	// through the reconciliation queue.
	Mirror store.SessionMirror

	// Cache is the optional read-through cache. Lookups hit it before
	// the coordinator; invalidation deletes the cache entry before the
	// authoritative write.
	Cache store.Cache

	Queue           *reconcile.Queue
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

// Store manages authenticated sessions.
type Store struct {
	coord  *coordinator.Coordinator[*Session]
	shards int
	mirror store.SessionMirror
	cache  store.Cache
	queue  *reconcile.Queue

	auditor *security.Auditor
	logger  *slog.Logger
}

// New creates a session store.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}

	coord, err := coordinator.New(coordinator.Config[*Session]{
		Name:            "session",
		Durable:         cfg.Durable,
		Queue:           cfg.Queue,
		Logger:          cfg.Logger,
		Instrumentation: cfg.Instrumentation,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session coordinator: %w", err)
	}

	return &Store{
		coord:   coord,
		shards:  cfg.Shards,
		mirror:  cfg.Mirror,
		cache:   cfg.Cache,
		queue:   cfg.Queue,
		auditor: cfg.Auditor,
		logger:  cfg.Logger,
	}, nil
}

// Stop stops the underlying coordinator's sweep.
func (s *Store) Stop() {
	s.coord.Stop()
}

// Create stores a new session and returns its ID.
func (s *Store) Create(ctx context.Context, userID string, ttl time.Duration, data map[string]string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("session requires a user ID")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Data:      data,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	err := s.coord.Update(ctx, s.shardKey(sess.ID), func(snap *coordinator.Snapshot[*Session]) (bool, error) {
		snap.Entities[sess.ID] = sess
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.cachePut(ctx, sess)
	s.mirrorUpsert(sess)
	if s.auditor != nil {
		s.auditor.LogEvent(security.Event{
			Type:   security.EventSessionCreated,
			UserID: userID,
		})
	}

	c := *sess
	return &c, nil
}

// Get returns a session by ID. The cache is consulted first; misses fall
// through to the owning coordinator and back-fill the cache. Expired
// sessions are gone.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	if cached := s.cacheGet(ctx, id); cached != nil {
		return cached, nil
	}

	var found *Session
	err := s.coord.View(ctx, s.shardKey(id), func(snap *coordinator.Snapshot[*Session]) error {
		sess, ok := snap.Entities[id]
		if !ok || security.IsExpired(sess.ExpiresAt) {
			return fmt.Errorf("%w: session", store.ErrNotFound)
		}
		c := *sess
		found = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cachePut(ctx, found)
	return found, nil
}

// Extend pushes a session's expiry out by d from now. Extension is an
// eventual-durability write: losing it costs one early logout, not a
// security property.
func (s *Store) Extend(ctx context.Context, id string, d time.Duration) (time.Time, error) {
	if d <= 0 {
		return time.Time{}, fmt.Errorf("extension must be positive")
	}

	var extended *Session
	err := s.coord.UpdateEventual(ctx, s.shardKey(id), func(snap *coordinator.Snapshot[*Session]) (bool, error) {
		sess, ok := snap.Entities[id]
		if !ok {
			return false, fmt.Errorf("%w: session", store.ErrNotFound)
		}
		sess.ExpiresAt = time.Now().Add(d)
		c := *sess
		extended = &c
		return true, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	s.cachePut(ctx, extended)
	return extended.ExpiresAt, nil
}

// Invalidate deletes a session. Deleting an unknown session is not an
// error; logout must be idempotent.
func (s *Store) Invalidate(ctx context.Context, id string) error {
	// Cache entry first: a crash between the two steps leaves a miss,
	// never a stale hit.
	s.cacheDelete(ctx, id)

	var userID string
	err := s.coord.Update(ctx, s.shardKey(id), func(snap *coordinator.Snapshot[*Session]) (bool, error) {
		sess, ok := snap.Entities[id]
		if !ok {
			return false, nil
		}
		userID = sess.UserID
		delete(snap.Entities, id)
		return true, nil
	})
	if err != nil {
		return err
	}

	if userID != "" {
		s.mirrorDelete(id)
		if s.auditor != nil {
			s.auditor.LogEvent(security.Event{
				Type:   security.EventSessionInvalidated,
				UserID: userID,
			})
		}
	}
	return nil
}

// InvalidateBatch deletes many sessions with one coordinator update per
// shard instead of one per session. Returns the number actually deleted.
func (s *Store) InvalidateBatch(ctx context.Context, ids []string) (int, error) {
	byShard := make(map[string][]string)
	for _, id := range ids {
		s.cacheDelete(ctx, id)
		key := s.shardKey(id)
		byShard[key] = append(byShard[key], id)
	}

	deleted := 0
	for key, shardIDs := range byShard {
		var removed []string
		err := s.coord.Update(ctx, key, func(snap *coordinator.Snapshot[*Session]) (bool, error) {
			for _, id := range shardIDs {
				if _, ok := snap.Entities[id]; ok {
					delete(snap.Entities, id)
					removed = append(removed, id)
				}
			}
			return len(removed) > 0, nil
		})
		if err != nil {
			return deleted, err
		}
		deleted += len(removed)
		for _, id := range removed {
			s.mirrorDelete(id)
		}
	}

	if deleted > 0 && s.auditor != nil {
		s.auditor.LogEvent(security.Event{
			Type:    security.EventSessionInvalidated,
			Details: map[string]any{"count": deleted},
		})
	}
	return deleted, nil
}

// InvalidateUser deletes every session of a user using the relational
// mirror for enumeration, then falls back to scanning all shards when no
// mirror is configured. Returns the number of sessions deleted.
func (s *Store) InvalidateUser(ctx context.Context, userID string) (int, error) {
	if s.mirror != nil {
		recs, err := s.mirror.SelectSessionsByUser(ctx, userID)
		if err == nil {
			ids := make([]string, 0, len(recs))
			for _, rec := range recs {
				ids = append(ids, rec.ID)
			}
			return s.InvalidateBatch(ctx, ids)
		}
		s.logger.Warn("Session mirror lookup failed, falling back to shard scan", "error", err)
	}

	deleted := 0
	for shard := 0; shard < s.shards; shard++ {
		var removed []string
		err := s.coord.Update(ctx, "s"+strconv.Itoa(shard), func(snap *coordinator.Snapshot[*Session]) (bool, error) {
			for id, sess := range snap.Entities {
				if sess.UserID == userID {
					delete(snap.Entities, id)
					removed = append(removed, id)
				}
			}
			return len(removed) > 0, nil
		})
		if err != nil {
			return deleted, err
		}
		deleted += len(removed)
		for _, id := range removed {
			s.cacheDelete(ctx, id)
			s.mirrorDelete(id)
		}
	}
	return deleted, nil
}

// ListByUser lists a user's live sessions from the relational mirror.
// The mirror is eventually consistent; entries may lag the authoritative
// coordinator state by a reconciliation cycle.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]store.SessionRecord, error) {
	if s.mirror == nil {
		return nil, fmt.Errorf("session listing requires a relational mirror")
	}
	recs, err := s.mirror.SelectSessionsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	live := recs[:0]
	for _, rec := range recs {
		if !security.IsExpired(rec.ExpiresAt) {
			live = append(live, rec)
		}
	}
	return live, nil
}

func (s *Store) shardKey(id string) string {
	return "s" + strconv.Itoa(util.StableShard(id, s.shards))
}

func (s *Store) cacheKey(id string) string {
	return "session:" + id
}

// cacheGet returns a decoded cache hit, or nil on miss, decode failure, or
// an expired entry. The cache is never authoritative; any doubt is a miss.
func (s *Store) cacheGet(ctx context.Context, id string) *Session {
	if s.cache == nil {
		return nil
	}
	blob, err := s.cache.Get(ctx, s.cacheKey(id))
	if err != nil {
		return nil
	}
	var sess Session
	if err := json.Unmarshal(blob, &sess); err != nil || security.IsExpired(sess.ExpiresAt) {
		return nil
	}
	return &sess
}

func (s *Store) cachePut(ctx context.Context, sess *Session) {
	if s.cache == nil {
		return
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return
	}
	blob, err := json.Marshal(sess)
	if err != nil {
		return
	}
	if err := s.cache.Put(ctx, s.cacheKey(sess.ID), blob, ttl); err != nil {
		s.logger.Debug("Session cache write failed", "session_id", sess.ID, "error", err)
	}
}

func (s *Store) cacheDelete(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, s.cacheKey(id)); err != nil {
		s.logger.Warn("Session cache invalidation failed", "session_id", id, "error", err)
	}
}

func (s *Store) mirrorUpsert(sess *Session) {
	if s.queue == nil || s.mirror == nil {
		return
	}
	rec := store.SessionRecord{
		ID:        sess.ID,
		UserID:    sess.UserID,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	}
	if err := s.queue.Enqueue(mirrorTaskKind, func(ctx context.Context) error {
		return s.mirror.UpsertSession(ctx, rec)
	}); err != nil {
		s.logger.Warn("Session mirror enqueue failed", "session_id", sess.ID, "error", err)
	}
}

func (s *Store) mirrorDelete(id string) {
	if s.queue == nil || s.mirror == nil {
		return
	}
	if err := s.queue.Enqueue(mirrorTaskKind, func(ctx context.Context) error {
		return s.mirror.DeleteSession(ctx, id)
	}); err != nil {
		s.logger.Warn("Session mirror enqueue failed", "session_id", id, "error", err)
	}
}

// Package challenge implements one-time authentication challenges. A
// single consume algorithm covers passkey registration, passkey
// authentication, magic links, and cross-device session transfers; the
// kinds differ only in how their value is stored and compared.
package challenge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/sgrastar/authrim/coordinator"
	"github.com/sgrastar/authrim/instrumentation"
	"github.com/sgrastar/authrim/internal/util"
	"github.com/sgrastar/authrim/reconcile"
	"github.com/sgrastar/authrim/security"
	"github.com/sgrastar/authrim/store"
)

// Kind identifies what a challenge proves.
type Kind string

const (
	// KindPasskeyRegistration is a WebAuthn credential creation challenge.
	KindPasskeyRegistration Kind = "passkey_registration"

	// KindPasskeyAuth is a WebAuthn assertion challenge.
	KindPasskeyAuth Kind = "passkey_auth"

	// KindMagicLink is an emailed login link. Its value is a secret that
	// leaves the system, so only a bcrypt hash is stored.
	KindMagicLink Kind = "magic_link"

	// KindITPSession is a cross-device session transfer code.
	KindITPSession Kind = "itp_session"
)

const (
	// DefaultTTL applies when the caller passes no TTL.
	DefaultTTL = 5 * time.Minute

	// MaxTTL caps challenge lifetime.
	MaxTTL = 15 * time.Minute

	// DefaultShards for the challenge key-space.
	DefaultShards = 8

	entityKind = "challenge"
)

func (k Kind) valid() bool {
	switch k {
	case KindPasskeyRegistration, KindPasskeyAuth, KindMagicLink, KindITPSession:
		return true
	}
	return false
}

// hashed reports whether the kind's value is stored as a bcrypt hash.
func (k Kind) hashed() bool {
	return k == KindMagicLink
}

// Challenge is the stored challenge entity.
type Challenge struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	OwnerID   string            `json:"owner_id"`
	Value     string            `json:"value"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Used      bool              `json:"used"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// ExpireAt implements coordinator.Entity.
func (c *Challenge) ExpireAt() time.Time { return c.ExpiresAt }

// Config configures the challenge store.
type Config struct {
	Durable store.DurableStore

	// Shards overrides DefaultShards when positive.
	Shards int

	Queue           *reconcile.Queue
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

// Store issues and consumes one-time challenges.
type Store struct {
	coord  *coordinator.Coordinator[*Challenge]
	shards int

	auditor *security.Auditor
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// New creates a challenge store.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}

	coord, err := coordinator.New(coordinator.Config[*Challenge]{
		Name:            "challenge",
		Durable:         cfg.Durable,
		Queue:           cfg.Queue,
		Logger:          cfg.Logger,
		Instrumentation: cfg.Instrumentation,
	})
	if err != nil {
		return nil, fmt.Errorf("creating challenge coordinator: %w", err)
	}

	s := &Store{
		coord:   coord,
		shards:  cfg.Shards,
		auditor: cfg.Auditor,
		logger:  cfg.Logger,
	}
	if cfg.Instrumentation != nil {
		s.metrics = cfg.Instrumentation.Metrics()
	}
	return s, nil
}

// Stop stops the underlying coordinator's sweep.
func (s *Store) Stop() {
	s.coord.Stop()
}

// Create stores a new challenge and returns its ID. Magic-link values are
// bcrypt-hashed before storage; everything else is stored verbatim since
// those values never leave the system.
func (s *Store) Create(ctx context.Context, kind Kind, ownerID, value string, ttl time.Duration, metadata map[string]string) (string, error) {
	if !kind.valid() {
		return "", fmt.Errorf("unknown challenge kind %q", kind)
	}
	if value == "" {
		return "", fmt.Errorf("challenge requires a value")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	stored := value
	if kind.hashed() {
		hash, err := bcrypt.GenerateFromPassword([]byte(value), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("hashing challenge value: %w", err)
		}
		stored = string(hash)
	}

	id := uuid.NewString()
	now := time.Now()
	ch := &Challenge{
		ID:        id,
		Kind:      kind,
		OwnerID:   ownerID,
		Value:     stored,
		Metadata:  metadata,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	err := s.coord.Update(ctx, s.shardKey(id), func(snap *coordinator.Snapshot[*Challenge]) (bool, error) {
		snap.Entities[id] = ch
		return true, nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("Created challenge", "challenge_id", id, "kind", kind)
	return id, nil
}

// Consume verifies and burns a challenge in one serialized operation.
// Kind mismatch fails store.ErrMismatch, a used challenge fails
// store.ErrReplayDetected, a wrong value fails store.ErrInvalidVerifier.
// A failed value check does not burn the challenge.
func (s *Store) Consume(ctx context.Context, id string, kind Kind, value string) (map[string]string, error) {
	var (
		metadata map[string]string
		ownerID  string
		replay   bool
	)

	err := s.coord.Update(ctx, s.shardKey(id), func(snap *coordinator.Snapshot[*Challenge]) (bool, error) {
		ch, ok := snap.Entities[id]
		if !ok {
			return false, fmt.Errorf("%w: challenge", store.ErrNotFound)
		}

		if ch.Used {
			replay = true
			ownerID = ch.OwnerID
			return false, fmt.Errorf("%w: challenge", store.ErrReplayDetected)
		}

		if ch.Kind != kind {
			return false, fmt.Errorf("%w: challenge kind", store.ErrMismatch)
		}

		if !verifyValue(ch, value) {
			return false, fmt.Errorf("%w: challenge value", store.ErrInvalidVerifier)
		}

		ch.Used = true
		ownerID = ch.OwnerID
		metadata = ch.Metadata
		return true, nil
	})

	if replay {
		if s.metrics != nil {
			s.metrics.RecordReplayDetected(ctx, entityKind)
		}
		if s.auditor != nil {
			s.auditor.LogReplayDetected(security.EventChallengeReplayDetected, ownerID, "", string(kind))
		}
		s.logger.Warn("Challenge replay detected", "challenge_id", id, "kind", kind)
	}
	if err != nil {
		return nil, err
	}

	if s.auditor != nil {
		s.auditor.LogEvent(security.Event{
			Type:    security.EventChallengeConsumed,
			UserID:  ownerID,
			Details: map[string]any{"kind": string(kind)},
		})
	}
	return metadata, nil
}

func verifyValue(ch *Challenge, presented string) bool {
	if ch.Kind.hashed() {
		return bcrypt.CompareHashAndPassword([]byte(ch.Value), []byte(presented)) == nil
	}
	return security.ConstantTimeEquals(ch.Value, presented)
}

func (s *Store) shardKey(id string) string {
	return "s" + strconv.Itoa(util.StableShard(id, s.shards))
}

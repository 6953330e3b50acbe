// Package proofjti implements a replay cache for proof-of-possession
// token identifiers (DPoP, RFC 9449, and private_key_jwt assertions).
// Registration is the replay check: a jti can be registered once per
// replay window, and a second registration proves reuse.
package proofjti

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sgrastar/authrim/coordinator"
	"github.com/sgrastar/authrim/instrumentation"
	"github.com/sgrastar/authrim/internal/util"
	"github.com/sgrastar/authrim/reconcile"
	"github.com/sgrastar/authrim/security"
	"github.com/sgrastar/authrim/store"
)

const (
	// DefaultTTL is the replay window. It must comfortably exceed the
	// proof's own validity window plus allowed clock skew.
	DefaultTTL = time.Hour

	// DefaultShards for the jti key-space.
	DefaultShards = 8

	entityKind = "proof_jti"
)

// Entry marks one seen jti.
type Entry struct {
	ClientID  string    `json:"client_id"`
	SeenAt    time.Time `json:"seen_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpireAt implements coordinator.Entity.
func (e *Entry) ExpireAt() time.Time { return e.ExpiresAt }

// Config configures the jti replay cache.
type Config struct {
	Durable store.DurableStore

	// Shards overrides DefaultShards when positive.
	Shards int

	// TTL overrides DefaultTTL when positive.
	TTL time.Duration

	Queue           *reconcile.Queue
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

// Store is the jti replay cache.
type Store struct {
	coord  *coordinator.Coordinator[*Entry]
	shards int
	ttl    time.Duration

	auditor *security.Auditor
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// New creates a jti replay cache.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	coord, err := coordinator.New(coordinator.Config[*Entry]{
		Name:            "proofjti",
		Durable:         cfg.Durable,
		Queue:           cfg.Queue,
		Logger:          cfg.Logger,
		Instrumentation: cfg.Instrumentation,
	})
	if err != nil {
		return nil, fmt.Errorf("creating proofjti coordinator: %w", err)
	}

	s := &Store{
		coord:   coord,
		shards:  cfg.Shards,
		ttl:     cfg.TTL,
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

// Register records a jti as seen. A jti already present within its
// replay window fails store.ErrReplayDetected; existence is the check,
// there is no separate lookup to race against.
func (s *Store) Register(ctx context.Context, jti, clientID string) error {
	if jti == "" {
		return fmt.Errorf("jti must not be empty")
	}

	var replay bool
	now := time.Now()
	err := s.coord.Update(ctx, s.shardKey(jti), func(snap *coordinator.Snapshot[*Entry]) (bool, error) {
		if _, ok := snap.Entities[jti]; ok {
			replay = true
			return false, fmt.Errorf("%w: jti already seen", store.ErrReplayDetected)
		}
		snap.Entities[jti] = &Entry{
			ClientID:  clientID,
			SeenAt:    now,
			ExpiresAt: now.Add(s.ttl),
		}
		return true, nil
	})

	if replay {
		if s.metrics != nil {
			s.metrics.RecordReplayDetected(ctx, entityKind)
		}
		if s.auditor != nil {
			s.auditor.LogReplayDetected(security.EventProofReplayDetected, "", clientID, entityKind)
		}
		s.logger.Warn("Proof jti replay detected", "client_id", clientID)
	}
	return err
}

func (s *Store) shardKey(jti string) string {
	return "s" + strconv.Itoa(util.StableShard(jti, s.shards))
}

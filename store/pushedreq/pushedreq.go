// Package pushedreq implements single-use pushed authorization request
// storage (RFC 9126). A stored request is addressable by its request_uri
// exactly once, by the client that pushed it.
package pushedreq

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
	// MaxTTL caps pushed request lifetime per RFC 9126 guidance.
	MaxTTL = 600 * time.Second

	// DefaultTTL applies when the caller passes none.
	DefaultTTL = 90 * time.Second

	// DefaultShards for the request key-space.
	DefaultShards = 8

	// URIPrefix is the request_uri namespace for minted URIs.
	URIPrefix = "urn:ietf:params:oauth:request_uri:"

	entityKind = "pushed_request"
)

// Request is the stored pushed authorization request.
type Request struct {
	ClientID  string            `json:"client_id"`
	Payload   map[string]string `json:"payload"`
	Used      bool              `json:"used"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// ExpireAt implements coordinator.Entity.
func (r *Request) ExpireAt() time.Time { return r.ExpiresAt }

// Config configures the pushed request store.
type Config struct {
	Durable store.DurableStore

	// Shards overrides DefaultShards when positive.
	Shards int

	Queue           *reconcile.Queue
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

// Store holds pushed authorization requests.
type Store struct {
	coord  *coordinator.Coordinator[*Request]
	shards int

	auditor *security.Auditor
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// New creates a pushed request store.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}

	coord, err := coordinator.New(coordinator.Config[*Request]{
		Name:            "pushedreq",
		Durable:         cfg.Durable,
		Queue:           cfg.Queue,
		Logger:          cfg.Logger,
		Instrumentation: cfg.Instrumentation,
	})
	if err != nil {
		return nil, fmt.Errorf("creating pushedreq coordinator: %w", err)
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

// Push stores the authorization request parameters and mints a
// request_uri for them. TTL is clamped to MaxTTL.
func (s *Store) Push(ctx context.Context, clientID string, payload map[string]string, ttl time.Duration) (string, time.Time, error) {
	if clientID == "" {
		return "", time.Time{}, fmt.Errorf("pushed request requires a client ID")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	requestURI := URIPrefix + security.GenerateToken()
	now := time.Now()
	expiresAt := now.Add(ttl)

	err := s.coord.Update(ctx, s.shardKey(requestURI), func(snap *coordinator.Snapshot[*Request]) (bool, error) {
		snap.Entities[requestURI] = &Request{
			ClientID:  clientID,
			Payload:   payload,
			CreatedAt: now,
			ExpiresAt: expiresAt,
		}
		return true, nil
	})
	if err != nil {
		return "", time.Time{}, err
	}

	s.logger.Debug("Stored pushed authorization request",
		"client_id", clientID,
		"expires_at", expiresAt)
	return requestURI, expiresAt, nil
}

// Consume resolves a request_uri exactly once for the pushing client.
// Reuse fails store.ErrReplayDetected; a different client fails
// store.ErrMismatch without burning the request.
func (s *Store) Consume(ctx context.Context, requestURI, clientID string) (map[string]string, error) {
	var (
		payload map[string]string
		replay  bool
	)

	err := s.coord.Update(ctx, s.shardKey(requestURI), func(snap *coordinator.Snapshot[*Request]) (bool, error) {
		req, ok := snap.Entities[requestURI]
		if !ok {
			return false, fmt.Errorf("%w: request_uri", store.ErrNotFound)
		}

		if req.Used {
			replay = true
			return false, fmt.Errorf("%w: request_uri", store.ErrReplayDetected)
		}

		if req.ClientID != clientID {
			return false, fmt.Errorf("%w: client_id does not match pushed request", store.ErrMismatch)
		}

		req.Used = true
		payload = req.Payload
		return true, nil
	})

	if replay {
		if s.metrics != nil {
			s.metrics.RecordReplayDetected(ctx, entityKind)
		}
		if s.auditor != nil {
			s.auditor.LogReplayDetected(security.EventPushedRequestReplayDetected, "", clientID, entityKind)
		}
		s.logger.Warn("Pushed request replay detected", "client_id", clientID)
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Store) shardKey(requestURI string) string {
	return "s" + strconv.Itoa(util.StableShard(requestURI, s.shards))
}

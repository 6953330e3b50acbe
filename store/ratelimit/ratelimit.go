// Package ratelimit implements fixed-window rate counters on the
// single-writer coordinator. Unlike the in-process token-bucket limiter
// in the security package, these counters are authoritative: concurrent
// increments for the same key serialize through one actor, so no update
// is ever lost.
package ratelimit

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
	// DefaultShards for the counter key-space.
	DefaultShards = 8

	// windowSlack keeps a finished window around briefly so late
	// stragglers still see the exhausted count instead of a fresh one.
	windowSlack = time.Minute
)

// Counter is one key's window state.
type Counter struct {
	Key       string    `json:"key"`
	Count     int64     `json:"count"`
	ResetAt   time.Time `json:"reset_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpireAt implements coordinator.Entity.
func (c *Counter) ExpireAt() time.Time { return c.ExpiresAt }

// Result is the outcome of one Increment.
type Result struct {
	Allowed bool
	Count   int64
	ResetAt time.Time
}

// Config configures the counter store.
type Config struct {
	Durable store.DurableStore

	// Shards overrides DefaultShards when positive.
	Shards int

	Queue           *reconcile.Queue
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

// Store keeps authoritative windowed rate counters.
type Store struct {
	coord  *coordinator.Coordinator[*Counter]
	shards int

	auditor *security.Auditor
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// New creates a counter store.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}

	coord, err := coordinator.New(coordinator.Config[*Counter]{
		Name:            "ratelimit",
		Durable:         cfg.Durable,
		Queue:           cfg.Queue,
		Logger:          cfg.Logger,
		Instrumentation: cfg.Instrumentation,
	})
	if err != nil {
		return nil, fmt.Errorf("creating ratelimit coordinator: %w", err)
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

// Increment counts one attempt against key's current window. When the
// window has elapsed the count restarts at one; otherwise it increments.
// Counter durability rides the reconciliation queue: losing the latest
// increments under-counts briefly, which is an acceptable trade for not
// paying a durable write per request.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration, max int64) (Result, error) {
	if key == "" {
		return Result{}, fmt.Errorf("rate limit key must not be empty")
	}
	if window <= 0 || max <= 0 {
		return Result{}, fmt.Errorf("rate limit window and max must be positive")
	}

	var res Result
	err := s.coord.UpdateEventual(ctx, s.shardKey(key), func(snap *coordinator.Snapshot[*Counter]) (bool, error) {
		now := time.Now()
		c, ok := snap.Entities[key]
		if !ok || !now.Before(c.ResetAt) {
			c = &Counter{
				Key:       key,
				ResetAt:   now.Add(window),
				ExpiresAt: now.Add(window + windowSlack),
			}
			snap.Entities[key] = c
		}

		c.Count++
		res = Result{
			Allowed: c.Count <= max,
			Count:   c.Count,
			ResetAt: c.ResetAt,
		}
		return true, nil
	})
	if err != nil {
		return Result{}, err
	}

	if !res.Allowed {
		if s.metrics != nil {
			s.metrics.RecordRateLimitRejection(ctx)
		}
		// Audit only the first rejection of a window to keep the trail
		// readable under sustained abuse.
		if s.auditor != nil && res.Count == max+1 {
			s.auditor.LogRateLimitExceeded(key, res.Count)
		}
	}
	return res, nil
}

// Peek returns the current window state without counting an attempt.
func (s *Store) Peek(ctx context.Context, key string) (Result, error) {
	var res Result
	err := s.coord.View(ctx, s.shardKey(key), func(snap *coordinator.Snapshot[*Counter]) error {
		c, ok := snap.Entities[key]
		if !ok || !time.Now().Before(c.ResetAt) {
			res = Result{Allowed: true}
			return nil
		}
		res = Result{Allowed: true, Count: c.Count, ResetAt: c.ResetAt}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Reset clears a key's window, for admin unblocking.
func (s *Store) Reset(ctx context.Context, key string) error {
	return s.coord.Update(ctx, s.shardKey(key), func(snap *coordinator.Snapshot[*Counter]) (bool, error) {
		if _, ok := snap.Entities[key]; !ok {
			return false, nil
		}
		delete(snap.Entities, key)
		return true, nil
	})
}

func (s *Store) shardKey(key string) string {
	return "s" + strconv.Itoa(util.StableShard(key, s.shards))
}

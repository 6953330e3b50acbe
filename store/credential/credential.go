// Package credential guards WebAuthn authenticator signature counters.
// Counters must only move forward; a counter that goes backwards or
// repeats suggests a cloned hardware credential. Updates go through a
// relational compare-and-swap so concurrent assertions cannot both win.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sgrastar/authrim/instrumentation"
	"github.com/sgrastar/authrim/security"
	"github.com/sgrastar/authrim/store"
)

const (
	// DefaultMaxAttempts bounds CAS retries under contention.
	DefaultMaxAttempts = 3

	// retryBackoff is the base delay between CAS attempts, doubled each
	// retry.
	retryBackoff = 10 * time.Millisecond
)

// Config configures the counter guard.
type Config struct {
	Counters store.CredentialCounters

	// MaxAttempts overrides DefaultMaxAttempts when positive.
	MaxAttempts int

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

// Guard validates and advances authenticator signature counters.
type Guard struct {
	counters    store.CredentialCounters
	maxAttempts int

	auditor *security.Auditor
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// New creates a counter guard.
func New(cfg Config) (*Guard, error) {
	if cfg.Counters == nil {
		return nil, errors.New("credential guard requires a counter store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	g := &Guard{
		counters:    cfg.Counters,
		maxAttempts: cfg.MaxAttempts,
		auditor:     cfg.Auditor,
		logger:      cfg.Logger,
	}
	if cfg.Instrumentation != nil {
		g.metrics = cfg.Instrumentation.Metrics()
	}
	return g, nil
}

// UpdateCounter advances a credential's signature counter to newCounter.
//
// A presented counter at or below the stored value fails with
// store.ErrPossibleClone. The conditional update only succeeds when the
// stored value is still the one just read; on contention the stored
// value is re-read and re-validated, up to maxAttempts times. Two
// assertions racing with the same counter therefore produce exactly one
// winner and one clone signal.
func (g *Guard) UpdateCounter(ctx context.Context, userID, credentialID string, newCounter uint32) error {
	var lastStored uint32

	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff << (attempt - 1)):
			}
		}

		stored, err := g.counters.SelectCounter(ctx, credentialID)
		if err != nil {
			return fmt.Errorf("reading credential counter: %w", err)
		}
		lastStored = stored

		// Counter 0 means the authenticator does not implement counters;
		// repeated zeros are allowed then.
		if newCounter <= stored && !(newCounter == 0 && stored == 0) {
			g.observeClone(ctx, userID, credentialID, stored, newCounter)
			return fmt.Errorf("%w: counter %d not above stored %d", store.ErrPossibleClone, newCounter, stored)
		}
		if newCounter == 0 && stored == 0 {
			return nil
		}

		swapped, err := g.counters.CompareAndSwapCounter(ctx, credentialID, stored, newCounter)
		if err != nil {
			return fmt.Errorf("updating credential counter: %w", err)
		}
		if swapped {
			return nil
		}

		g.logger.Debug("Credential counter CAS contention",
			"credential_id", credentialID,
			"attempt", attempt+1)
	}

	return fmt.Errorf("%w: counter update lost %d races (stored %d)",
		store.ErrPossibleClone, g.maxAttempts, lastStored)
}

func (g *Guard) observeClone(ctx context.Context, userID, credentialID string, stored, presented uint32) {
	if g.metrics != nil {
		g.metrics.RecordCloneSignal(ctx)
	}
	if g.auditor != nil {
		g.auditor.LogPossibleClone(userID, credentialID, stored, presented)
	}
	g.logger.Warn("Possible cloned authenticator",
		"credential_id", credentialID,
		"stored_counter", stored,
		"presented_counter", presented)
}

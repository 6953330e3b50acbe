// Package authrim implements the state coordination core of an OAuth
// 2.0 / OIDC provider: consume-once authorization artifacts, refresh
// token families with theft detection, sessions, one-time challenges,
// rate counters, and signing key material, all serialized through
// per-key single-writer coordinators with persist-before-ack durability.
package authrim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sgrastar/authrim/config"
	"github.com/sgrastar/authrim/instrumentation"
	"github.com/sgrastar/authrim/keystore"
	"github.com/sgrastar/authrim/reconcile"
	"github.com/sgrastar/authrim/security"
	"github.com/sgrastar/authrim/store"
	"github.com/sgrastar/authrim/store/authcode"
	"github.com/sgrastar/authrim/store/challenge"
	"github.com/sgrastar/authrim/store/credential"
	"github.com/sgrastar/authrim/store/memory"
	"github.com/sgrastar/authrim/store/postgres"
	"github.com/sgrastar/authrim/store/proofjti"
	"github.com/sgrastar/authrim/store/pushedreq"
	"github.com/sgrastar/authrim/store/ratelimit"
	"github.com/sgrastar/authrim/store/refresh"
	"github.com/sgrastar/authrim/store/session"
	"github.com/sgrastar/authrim/store/valkey"
)

// Relational bundles the relational side stores. The Postgres backend
// implements all of them on one pool; tests use the in-memory version.
type Relational interface {
	store.SessionMirror
	store.FamilyIndex
	store.AuditMirror
	store.CredentialCounters
}

// Options configures a Provider.
type Options struct {
	// Config supplies lifetimes, quotas, shard counts, and backend
	// selection. Defaults are loaded from the environment when nil.
	Config *config.Config

	// Durable is the snapshot store backing every coordinator. When nil
	// it is built from Config.Backend (memory or valkey).
	Durable store.DurableStore

	// Relational enables the mirrors, the family-by-user index, the
	// audit trail, and credential counters. When nil and
	// Config.Backend.PostgresDSN is set, a Postgres store is opened.
	// Without either, revocation fan-out falls back to
	// current-generation scans and the credential guard is unavailable.
	Relational Relational

	// Cache is the read-through cache for derived views. When nil it
	// defaults to the cache view of the configured backend.
	Cache store.Cache

	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

// Provider is the assembled state coordination core.
type Provider struct {
	// AuthCodes issues and consumes authorization codes.
	AuthCodes *authcode.Store

	// RefreshTokens rotates refresh token families.
	RefreshTokens *refresh.Rotator

	// Sessions manages authenticated sessions.
	Sessions *session.Store

	// Challenges issues one-time authentication challenges.
	Challenges *challenge.Store

	// RateCounters keeps authoritative windowed rate counters.
	RateCounters *ratelimit.Store

	// PushedRequests stores single-use pushed authorization requests.
	PushedRequests *pushedreq.Store

	// ProofJTIs is the proof-of-possession replay cache.
	ProofJTIs *proofjti.Store

	// Credentials guards authenticator signature counters. Nil without a
	// relational store.
	Credentials *credential.Guard

	// Keys holds the signing key material.
	Keys *keystore.KeyStore

	cfg     *config.Config
	queue   *reconcile.Queue
	limiter *security.RateLimiter
	auditor *security.Auditor
	logger  *slog.Logger
	closers []func()
}

// New assembles a provider. Backends not supplied in Options are opened
// from configuration and closed again by Close.
func New(opts Options) (*Provider, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func()
	if opts.Durable == nil {
		durable, cache, closer, err := openDurable(cfg.Backend, logger)
		if err != nil {
			return nil, err
		}
		opts.Durable = durable
		if opts.Cache == nil {
			opts.Cache = cache
		}
		if closer != nil {
			closers = append(closers, closer)
		}
	}
	if opts.Relational == nil && cfg.Backend.PostgresDSN != "" {
		connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := postgres.Connect(connectCtx, cfg.Backend.PostgresDSN, logger)
		cancel()
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, fmt.Errorf("opening relational store: %w", err)
		}
		opts.Relational = pg
		closers = append(closers, pg.Close)
	}

	auditor := security.NewAuditor(logger, cfg.Audit.Enabled)

	queue := reconcile.New(reconcile.Config{
		Workers:         cfg.Reconcile.Workers,
		QueueSize:       cfg.Reconcile.QueueSize,
		MaxAttempts:     cfg.Reconcile.MaxAttempts,
		BaseBackoff:     cfg.Reconcile.BaseBackoff,
		MaxBackoff:      cfg.Reconcile.MaxBackoff,
		Logger:          logger,
		Instrumentation: opts.Instrumentation,
	})

	limiter := security.NewRateLimiter(
		cfg.Limits.RateLimitRPS,
		cfg.Limits.RateLimitBurst,
		cfg.Limits.RateLimitMaxEntries,
		logger,
	)

	p := &Provider{
		cfg:     cfg,
		queue:   queue,
		limiter: limiter,
		auditor: auditor,
		logger:  logger,
		closers: closers,
	}

	var familyIndex store.FamilyIndex
	var sessionMirror store.SessionMirror
	if opts.Relational != nil {
		familyIndex = opts.Relational
		sessionMirror = opts.Relational
		auditor.SetSink(auditMirrorSink(queue, opts.Relational, logger))
	}

	rotator, err := refresh.New(refresh.Config{
		Durable:           opts.Durable,
		Generation:        cfg.Limits.RefreshGeneration,
		Shards:            cfg.Limits.RefreshShards,
		TokenTTL:          cfg.Tokens.RefreshTTL,
		MaxLifetime:       cfg.Tokens.RefreshMaxLife,
		MaxPreviousTokens: cfg.Limits.MaxPreviousTokens,
		FamilyIndex:       familyIndex,
		Queue:             queue,
		Auditor:           auditor,
		Instrumentation:   opts.Instrumentation,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("assembling refresh rotator: %w", err)
	}
	p.RefreshTokens = rotator

	codes, err := authcode.New(authcode.Config{
		Durable:         opts.Durable,
		MaxCodesPerUser: cfg.Limits.MaxCodesPerUser,
		// A replayed code taints every token minted from it.
		OnReplay:        rotator.RevokeUserClient,
		Queue:           queue,
		Auditor:         auditor,
		Instrumentation: opts.Instrumentation,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("assembling authcode store: %w", err)
	}
	p.AuthCodes = codes

	sessions, err := session.New(session.Config{
		Durable:         opts.Durable,
		Shards:          cfg.Limits.SessionShards,
		Mirror:          sessionMirror,
		Cache:           opts.Cache,
		Queue:           queue,
		Auditor:         auditor,
		Instrumentation: opts.Instrumentation,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("assembling session store: %w", err)
	}
	p.Sessions = sessions

	challenges, err := challenge.New(challenge.Config{
		Durable:         opts.Durable,
		Queue:           queue,
		Auditor:         auditor,
		Instrumentation: opts.Instrumentation,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("assembling challenge store: %w", err)
	}
	p.Challenges = challenges

	counters, err := ratelimit.New(ratelimit.Config{
		Durable:         opts.Durable,
		Queue:           queue,
		Auditor:         auditor,
		Instrumentation: opts.Instrumentation,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("assembling ratelimit store: %w", err)
	}
	p.RateCounters = counters

	pushed, err := pushedreq.New(pushedreq.Config{
		Durable:         opts.Durable,
		Queue:           queue,
		Auditor:         auditor,
		Instrumentation: opts.Instrumentation,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("assembling pushedreq store: %w", err)
	}
	p.PushedRequests = pushed

	jtis, err := proofjti.New(proofjti.Config{
		Durable:         opts.Durable,
		TTL:             cfg.Tokens.ProofReplayWindow,
		Queue:           queue,
		Auditor:         auditor,
		Instrumentation: opts.Instrumentation,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("assembling proofjti store: %w", err)
	}
	p.ProofJTIs = jtis

	if opts.Relational != nil {
		guard, err := credential.New(credential.Config{
			Counters:        opts.Relational,
			Auditor:         auditor,
			Instrumentation: opts.Instrumentation,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("assembling credential guard: %w", err)
		}
		p.Credentials = guard
	}

	keys, err := keystore.New(keystore.Config{
		KeySize:          cfg.Keys.Size,
		RotationInterval: cfg.Keys.RotationInterval,
		Retention:        cfg.Keys.Retention,
		Auditor:          auditor,
		Instrumentation:  opts.Instrumentation,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("assembling keystore: %w", err)
	}
	p.Keys = keys

	logger.Info("Provider assembled",
		"storage", cfg.Backend.Storage,
		"relational", opts.Relational != nil,
		"refresh_generation", cfg.Limits.RefreshGeneration,
		"refresh_shards", cfg.Limits.RefreshShards)
	return p, nil
}

// openDurable builds the durable snapshot backend named by configuration,
// together with its cache view and a closer for any held connection.
func openDurable(cfg config.BackendConfig, logger *slog.Logger) (store.DurableStore, store.Cache, func(), error) {
	switch cfg.Storage {
	case "valkey":
		vs, err := valkey.New(valkey.Config{
			Address:  cfg.ValkeyAddress,
			Password: cfg.ValkeyPassword,
			DB:       cfg.ValkeyDB,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening valkey storage: %w", err)
		}
		if cfg.EncryptionKey != "" {
			enc, err := security.NewEncryptor([]byte(cfg.EncryptionKey))
			if err != nil {
				vs.Close()
				return nil, nil, nil, fmt.Errorf("configuring snapshot encryption: %w", err)
			}
			vs.SetEncryptor(enc)
		}
		return vs, vs.Cache(), vs.Close, nil
	default:
		return memory.NewDurableStore(), memory.NewCache(), nil, nil
	}
}

// auditMirrorSink feeds security events into the relational audit trail
// through the reconciliation queue. Mirror writes are best-effort; the
// structured log remains the primary record.
func auditMirrorSink(queue *reconcile.Queue, mirror store.AuditMirror, logger *slog.Logger) func(security.Event) {
	return func(ev security.Event) {
		rec := store.AuditRecord{
			ID:        uuid.NewString(),
			EventType: ev.Type,
			UserID:    ev.UserID,
			ClientID:  ev.ClientID,
			CreatedAt: ev.Timestamp,
		}
		if len(ev.Details) > 0 {
			if blob, err := json.Marshal(ev.Details); err == nil {
				rec.Details = blob
			}
		}
		if err := queue.Enqueue("audit_mirror", func(ctx context.Context) error {
			return mirror.InsertAuditEvent(ctx, rec)
		}); err != nil {
			logger.Warn("Audit mirror enqueue failed", "event_type", ev.Type, "error", err)
		}
	}
}

// CheckRateLimit runs the two-stage limit: the in-process token bucket
// rejects floods for free, then the authoritative windowed counter makes
// the real decision.
func (p *Provider) CheckRateLimit(ctx context.Context, key string, window time.Duration, max int64) (ratelimit.Result, error) {
	if !p.limiter.Allow(key) {
		return ratelimit.Result{Allowed: false}, nil
	}
	return p.RateCounters.Increment(ctx, key, window, max)
}

// Auditor exposes the shared security auditor for callers that log their
// own events.
func (p *Provider) Auditor() *security.Auditor {
	return p.auditor
}

// Close shuts the provider down: stores stop their sweeps, the keystore
// stops rotating, the reconciliation queue drains within the context
// deadline, and backends opened by New are closed.
func (p *Provider) Close(ctx context.Context) error {
	p.AuthCodes.Stop()
	p.RefreshTokens.Stop()
	p.Sessions.Stop()
	p.Challenges.Stop()
	p.RateCounters.Stop()
	p.PushedRequests.Stop()
	p.ProofJTIs.Stop()
	p.Keys.Stop()
	p.limiter.Stop()

	if err := p.queue.Close(ctx); err != nil {
		return fmt.Errorf("draining reconciliation queue: %w", err)
	}
	for _, closer := range p.closers {
		closer()
	}
	p.logger.Info("Provider shut down")
	return nil
}

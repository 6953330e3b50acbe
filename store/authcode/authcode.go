// Package authcode implements one-time authorization code issuance and
// consumption with PKCE verification, built on the single-writer
// coordinator. A code is consumable exactly once; a second consume is a
// replay and a security event.
package authcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/sgrastar/authrim/coordinator"
	"github.com/sgrastar/authrim/instrumentation"
	"github.com/sgrastar/authrim/internal/util"
	"github.com/sgrastar/authrim/reconcile"
	"github.com/sgrastar/authrim/security"
	"github.com/sgrastar/authrim/store"
)

const (
	// MaxTTL caps authorization code lifetime. Codes are exchanged
	// within one redirect round-trip; anything longer only widens the
	// interception window.
	MaxTTL = 120 * time.Second

	// DefaultMaxCodesPerUser bounds outstanding codes per user as a DoS
	// guard against authorize-endpoint hammering.
	DefaultMaxCodesPerUser = 10

	// codeLogLength is the code prefix length allowed in logs.
	codeLogLength = 8

	entityKind = "authorization_code"
)

// Grant is the data bound to an authorization code at the authorize step
// and released exactly once at the token-exchange step.
type Grant struct {
	UserID      string `json:"user_id"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	Scope       string `json:"scope"`
	Nonce       string `json:"nonce,omitempty"`
	State       string `json:"state,omitempty"`
	// ProviderToken carries the upstream identity provider token for
	// federated flows, released together with the grant.
	ProviderToken *oauth2.Token `json:"provider_token,omitempty"`
}

// Code is the stored authorization code entity.
type Code struct {
	Grant               Grant     `json:"grant"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Used                bool      `json:"used"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// ExpireAt implements coordinator.Entity.
func (c *Code) ExpireAt() time.Time { return c.ExpiresAt }

// OnReplayFunc is invoked when a used code is presented again. Callers
// typically revoke every token already issued from the replayed code.
type OnReplayFunc func(ctx context.Context, userID, clientID string)

// Config configures the authorization code store.
type Config struct {
	Durable store.DurableStore

	// MaxCodesPerUser overrides DefaultMaxCodesPerUser when positive.
	MaxCodesPerUser int

	// OnReplay is the optional replay cascade hook.
	OnReplay OnReplayFunc

	Queue           *reconcile.Queue
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

// Store issues and consumes authorization codes.
type Store struct {
	coord      *coordinator.Coordinator[*Code]
	maxPerUser int
	onReplay   OnReplayFunc

	auditor *security.Auditor
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// New creates an authorization code store.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxCodesPerUser <= 0 {
		cfg.MaxCodesPerUser = DefaultMaxCodesPerUser
	}

	coord, err := coordinator.New(coordinator.Config[*Code]{
		Name:            "authcode",
		Durable:         cfg.Durable,
		Queue:           cfg.Queue,
		Logger:          cfg.Logger,
		Instrumentation: cfg.Instrumentation,
	})
	if err != nil {
		return nil, fmt.Errorf("creating authcode coordinator: %w", err)
	}

	s := &Store{
		coord:      coord,
		maxPerUser: cfg.MaxCodesPerUser,
		onReplay:   cfg.OnReplay,
		auditor:    cfg.Auditor,
		logger:     cfg.Logger,
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

// Issue generates and stores a new authorization code bound to the grant.
// TTL is clamped to MaxTTL. Fails with store.ErrQuotaExceeded when the
// user already holds the maximum number of outstanding codes.
func (s *Store) Issue(ctx context.Context, grant Grant, codeChallenge, codeChallengeMethod string, ttl time.Duration) (string, time.Time, error) {
	if grant.UserID == "" || grant.ClientID == "" {
		return "", time.Time{}, fmt.Errorf("grant requires user and client IDs")
	}
	if ttl <= 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}

	code := security.GenerateToken()
	now := time.Now()
	expiresAt := now.Add(ttl)

	err := s.coord.Update(ctx, s.key(), func(snap *coordinator.Snapshot[*Code]) (bool, error) {
		outstanding := 0
		for _, c := range snap.Entities {
			if c.Grant.UserID == grant.UserID && !c.Used {
				outstanding++
			}
		}
		if outstanding >= s.maxPerUser {
			if s.metrics != nil {
				s.metrics.RecordQuotaRejection(ctx, entityKind)
			}
			return false, fmt.Errorf("%w: user holds %d outstanding codes", store.ErrQuotaExceeded, outstanding)
		}

		snap.Entities[code] = &Code{
			Grant:               grant,
			CodeChallenge:       codeChallenge,
			CodeChallengeMethod: codeChallengeMethod,
			CreatedAt:           now,
			ExpiresAt:           expiresAt,
		}
		return true, nil
	})
	if err != nil {
		return "", time.Time{}, err
	}

	s.logger.Debug("Issued authorization code",
		"code_prefix", util.SafeTruncate(code, codeLogLength),
		"client_id", grant.ClientID,
		"expires_at", expiresAt)

	return code, expiresAt, nil
}

// Consume exchanges an authorization code exactly once. All checks —
// existence, expiry, replay, client binding, PKCE — run inside one
// serialized coordinator operation, so no two consumes for the same code
// can both observe it unused.
func (s *Store) Consume(ctx context.Context, code, clientID, codeVerifier string) (*Grant, error) {
	var grant Grant
	var replayUserID string

	err := s.coord.Update(ctx, s.key(), func(snap *coordinator.Snapshot[*Code]) (bool, error) {
		c, ok := snap.Entities[code]
		if !ok {
			// Absent and expired are indistinguishable to the caller:
			// expired entries were evicted before this op ran.
			return false, fmt.Errorf("%w: authorization code", store.ErrNotFound)
		}

		if c.Used {
			replayUserID = c.Grant.UserID
			return false, fmt.Errorf("%w: authorization code", store.ErrReplayDetected)
		}

		if c.Grant.ClientID != clientID {
			return false, fmt.Errorf("%w: client_id does not match code", store.ErrMismatch)
		}

		if err := security.VerifyChallenge(c.CodeChallenge, c.CodeChallengeMethod, codeVerifier); err != nil {
			return false, fmt.Errorf("%w: %s", store.ErrInvalidVerifier, err)
		}

		c.Used = true
		grant = c.Grant
		return true, nil
	})

	if err != nil {
		s.observeConsumeError(ctx, code, clientID, replayUserID, err)
		return nil, err
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, codeLogLength),
		"client_id", clientID)
	return &grant, nil
}

// observeConsumeError emits the security signals for a failed consume.
func (s *Store) observeConsumeError(ctx context.Context, code, clientID, replayUserID string, err error) {
	if !isReplay(err) {
		return
	}

	if s.metrics != nil {
		s.metrics.RecordReplayDetected(ctx, entityKind)
	}
	if s.auditor != nil {
		s.auditor.LogReplayDetected(security.EventCodeReplayDetected, replayUserID, clientID, entityKind)
	}
	s.logger.Warn("Authorization code replay detected",
		"code_prefix", util.SafeTruncate(code, codeLogLength),
		"client_id", clientID)

	// Cascade: tokens already issued from this code are suspect.
	if s.onReplay != nil && replayUserID != "" {
		s.onReplay(ctx, replayUserID, clientID)
	}
}

// key returns the coordinator key for the code space. Codes live at most
// two minutes, so a single serialized key-space is sufficient.
func (s *Store) key() string {
	return "codes"
}

func isReplay(err error) bool {
	return errors.Is(err, store.ErrReplayDetected)
}

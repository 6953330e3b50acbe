// Package refresh implements refresh token rotation with token families
// and theft detection. Every rotation mints a new token and remembers the
// replaced ones; presenting a replaced token proves that two parties hold
// tokens from the same family, and the whole family is revoked.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
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
	// DefaultTokenTTL is the sliding family lifetime. Each successful
	// rotation extends the family by this much, bounded by MaxLifetime.
	DefaultTokenTTL = 14 * 24 * time.Hour

	// DefaultMaxLifetime is the absolute family lifetime measured from
	// creation. No amount of rotation extends a family past it.
	DefaultMaxLifetime = 90 * 24 * time.Hour

	// DefaultMaxPreviousTokens bounds the replaced-token history kept per
	// family for theft detection. Older entries are trimmed FIFO.
	DefaultMaxPreviousTokens = 10

	// DefaultShards is the shard count for new generations.
	DefaultShards = 8

	tokenLogLength = 8

	mirrorTaskKind = "family_mirror"
)

// Revocation reasons recorded on the family and in the audit log.
const (
	ReasonTheft   = "theft_detected"
	ReasonLogout  = "logout"
	ReasonUser    = "user_revocation"
	ReasonCascade = "code_replay_cascade"
)

// Family is a refresh token family: one login's chain of rotated tokens.
type Family struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`

	// Generation and Shard pin the family to the coordinator key it was
	// created under. Rotated tokens keep the same routing prefix so the
	// family never migrates between key-spaces.
	Generation int `json:"generation"`
	Shard      int `json:"shard"`

	CurrentToken   string   `json:"current_token"`
	PreviousTokens []string `json:"previous_tokens,omitempty"`
	RotationCount  int      `json:"rotation_count"`

	CreatedAt     time.Time `json:"created_at"`
	LastRotatedAt time.Time `json:"last_rotated_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	AbsoluteUntil time.Time `json:"absolute_until"`

	Revoked       bool      `json:"revoked"`
	RevokedAt     time.Time `json:"revoked_at,omitempty"`
	RevokedReason string    `json:"revoked_reason,omitempty"`
}

// ExpireAt implements coordinator.Entity. Revoked families stay as
// tombstones until their natural expiry so late presentations of their
// tokens are still recognized as theft.
func (f *Family) ExpireAt() time.Time { return f.ExpiresAt }

func (f *Family) holdsPrevious(token string) bool {
	for _, p := range f.PreviousTokens {
		if security.ConstantTimeEquals(p, token) {
			return true
		}
	}
	return false
}

// Config configures the rotator.
type Config struct {
	Durable store.DurableStore

	// Generation is the routing generation for newly created families.
	// Bump it together with Shards when resharding; families created
	// under older generations keep their original routing until expiry.
	Generation int

	// Shards is the shard count for the current generation.
	Shards int

	// TokenTTL overrides DefaultTokenTTL when positive.
	TokenTTL time.Duration

	// MaxLifetime overrides DefaultMaxLifetime when positive.
	MaxLifetime time.Duration

	// MaxPreviousTokens overrides DefaultMaxPreviousTokens when positive.
	MaxPreviousTokens int

	// FamilyIndex is the relational family-by-user index, mirrored
	// asynchronously and consulted by RevokeUser. Optional; without it
	// RevokeUser only covers the current generation's shards.
	FamilyIndex store.FamilyIndex

	Queue           *reconcile.Queue
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

// Rotator issues, rotates, and revokes refresh token families.
type Rotator struct {
	coord *coordinator.Coordinator[*Family]

	generation  int
	shards      int
	tokenTTL    time.Duration
	maxLifetime time.Duration
	maxPrevious int
	familyIndex store.FamilyIndex
	queue       *reconcile.Queue

	auditor *security.Auditor
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// New creates a rotator.
func New(cfg Config) (*Rotator, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = DefaultMaxLifetime
	}
	if cfg.MaxPreviousTokens <= 0 {
		cfg.MaxPreviousTokens = DefaultMaxPreviousTokens
	}

	coord, err := coordinator.New(coordinator.Config[*Family]{
		Name:            "refresh",
		Durable:         cfg.Durable,
		Queue:           cfg.Queue,
		Logger:          cfg.Logger,
		Instrumentation: cfg.Instrumentation,
	})
	if err != nil {
		return nil, fmt.Errorf("creating refresh coordinator: %w", err)
	}

	r := &Rotator{
		coord:       coord,
		generation:  cfg.Generation,
		shards:      cfg.Shards,
		tokenTTL:    cfg.TokenTTL,
		maxLifetime: cfg.MaxLifetime,
		maxPrevious: cfg.MaxPreviousTokens,
		familyIndex: cfg.FamilyIndex,
		queue:       cfg.Queue,
		auditor:     cfg.Auditor,
		logger:      cfg.Logger,
	}
	if cfg.Instrumentation != nil {
		r.metrics = cfg.Instrumentation.Metrics()
	}
	return r, nil
}

// Stop stops the underlying coordinator's sweep.
func (r *Rotator) Stop() {
	r.coord.Stop()
}

// CreateFamily starts a new token family for a login and returns its
// first refresh token.
func (r *Rotator) CreateFamily(ctx context.Context, userID, clientID, scope string) (string, *Family, error) {
	if userID == "" || clientID == "" {
		return "", nil, fmt.Errorf("family requires user and client IDs")
	}

	familyID := uuid.NewString()
	shard := util.StableShard(familyID, r.shards)
	token := formatToken(r.generation, shard)
	now := time.Now()

	fam := &Family{
		ID:            familyID,
		UserID:        userID,
		ClientID:      clientID,
		Scope:         scope,
		Generation:    r.generation,
		Shard:         shard,
		CurrentToken:  token,
		CreatedAt:     now,
		LastRotatedAt: now,
		ExpiresAt:     now.Add(r.tokenTTL),
		AbsoluteUntil: now.Add(r.maxLifetime),
	}

	err := r.coord.Update(ctx, shardKey(r.generation, shard), func(snap *coordinator.Snapshot[*Family]) (bool, error) {
		snap.Entities[familyID] = fam
		return true, nil
	})
	if err != nil {
		return "", nil, err
	}

	r.mirrorFamily(fam)
	if r.auditor != nil {
		r.auditor.LogEvent(security.Event{
			Type:     security.EventFamilyCreated,
			UserID:   userID,
			ClientID: clientID,
			Details:  map[string]any{"family_id": familyID},
		})
	}
	r.logger.Debug("Created refresh token family",
		"family_id", familyID,
		"generation", fam.Generation,
		"shard", fam.Shard)

	famCopy := *fam
	return token, &famCopy, nil
}

// Rotate exchanges a refresh token for a new one in the same family.
//
// Presenting a token from the family's replaced-token history means the
// token was used twice: either the legitimate client or a thief holds a
// stale copy, and there is no way to tell which party is presenting now.
// The only safe response is to revoke the entire family, current token
// included, forcing a fresh login.
func (r *Rotator) Rotate(ctx context.Context, token, clientID string) (string, *Family, error) {
	gen, shard, err := parseToken(token)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s", store.ErrNotFound, err)
	}

	var (
		newToken string
		famCopy  Family
		theft    *Family
		theftErr error
	)

	err = r.coord.Update(ctx, shardKey(gen, shard), func(snap *coordinator.Snapshot[*Family]) (bool, error) {
		fam := findByToken(snap, token)
		if fam == nil {
			return false, fmt.Errorf("%w: refresh token", store.ErrNotFound)
		}

		if fam.ClientID != clientID {
			return false, fmt.Errorf("%w: client_id does not match token family", store.ErrMismatch)
		}

		if fam.Revoked {
			// Any token of a revoked family is a theft signal.
			c := *fam
			theft = &c
			return false, fmt.Errorf("%w: family revoked", store.ErrTheftDetected)
		}

		if fam.holdsPrevious(token) {
			now := time.Now()
			fam.Revoked = true
			fam.RevokedAt = now
			fam.RevokedReason = ReasonTheft
			c := *fam
			theft = &c
			// The tombstone must persist or a later presentation of the
			// stolen token would look like first use. Report a successful
			// mutation so the snapshot is written, then surface the theft
			// to the caller outside the op.
			theftErr = fmt.Errorf("%w: replayed refresh token", store.ErrTheftDetected)
			return true, nil
		}

		now := time.Now()
		fresh := formatToken(fam.Generation, fam.Shard)
		fam.PreviousTokens = append(fam.PreviousTokens, fam.CurrentToken)
		if len(fam.PreviousTokens) > r.maxPrevious {
			fam.PreviousTokens = fam.PreviousTokens[len(fam.PreviousTokens)-r.maxPrevious:]
		}
		fam.CurrentToken = fresh
		fam.RotationCount++
		fam.LastRotatedAt = now
		fam.ExpiresAt = slidingExpiry(now, r.tokenTTL, fam.AbsoluteUntil)

		newToken = fresh
		famCopy = *fam
		return true, nil
	})

	if theft != nil {
		r.observeTheft(ctx, theft)
	}
	if err == nil {
		err = theftErr
	}
	if err != nil {
		return "", nil, err
	}

	r.mirrorFamily(&famCopy)
	r.logger.Debug("Rotated refresh token",
		"family_id", famCopy.ID,
		"rotation_count", famCopy.RotationCount,
		"token_prefix", util.SafeTruncate(newToken, tokenLogLength))
	return newToken, &famCopy, nil
}

// Validate checks that a token is the current token of a live family
// without rotating it. Used by introspection.
func (r *Rotator) Validate(ctx context.Context, token string) (*Family, error) {
	gen, shard, err := parseToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, err)
	}

	var famCopy *Family
	err = r.coord.View(ctx, shardKey(gen, shard), func(snap *coordinator.Snapshot[*Family]) error {
		fam := findByToken(snap, token)
		if fam == nil || security.IsExpired(fam.ExpiresAt) {
			return fmt.Errorf("%w: refresh token", store.ErrNotFound)
		}
		if fam.Revoked {
			return fmt.Errorf("%w: family revoked", store.ErrTheftDetected)
		}
		if !security.ConstantTimeEquals(fam.CurrentToken, token) {
			return fmt.Errorf("%w: superseded refresh token", store.ErrNotFound)
		}
		c := *fam
		famCopy = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return famCopy, nil
}

// Revoke revokes the family owning the given token. Used for RFC 7009
// style revocation and logout.
func (r *Rotator) Revoke(ctx context.Context, token, reason string) error {
	gen, shard, err := parseToken(token)
	if err != nil {
		return fmt.Errorf("%w: %s", store.ErrNotFound, err)
	}

	var famCopy Family
	err = r.coord.Update(ctx, shardKey(gen, shard), func(snap *coordinator.Snapshot[*Family]) (bool, error) {
		fam := findByToken(snap, token)
		if fam == nil {
			return false, fmt.Errorf("%w: refresh token", store.ErrNotFound)
		}
		if fam.Revoked {
			return false, nil
		}
		r.markRevoked(fam, reason)
		famCopy = *fam
		return true, nil
	})
	if err != nil {
		return err
	}
	if famCopy.ID != "" {
		r.observeRevocation(ctx, &famCopy, reason)
	}
	return nil
}

// RevokeFamily revokes a family by ID within a known generation and shard.
func (r *Rotator) RevokeFamily(ctx context.Context, familyID string, gen, shard int, reason string) error {
	var famCopy Family
	err := r.coord.Update(ctx, shardKey(gen, shard), func(snap *coordinator.Snapshot[*Family]) (bool, error) {
		fam, ok := snap.Entities[familyID]
		if !ok {
			return false, fmt.Errorf("%w: token family", store.ErrNotFound)
		}
		if fam.Revoked {
			return false, nil
		}
		r.markRevoked(fam, reason)
		famCopy = *fam
		return true, nil
	})
	if err != nil {
		return err
	}
	if famCopy.ID != "" {
		r.observeRevocation(ctx, &famCopy, reason)
	}
	return nil
}

// RevokeUser revokes every live family belonging to a user across all
// generations and shards, in parallel per coordinator key. Returns the
// number of families revoked.
func (r *Rotator) RevokeUser(ctx context.Context, userID, reason string) (int, error) {
	refs := r.userShardRefs(ctx, userID)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		revoked  int
		firstErr error
	)

	for _, ref := range refs {
		wg.Add(1)
		go func(ref store.ShardRef) {
			defer wg.Done()

			var families []Family
			err := r.coord.Update(ctx, shardKey(ref.Generation, ref.Shard), func(snap *coordinator.Snapshot[*Family]) (bool, error) {
				dirty := false
				for _, fam := range snap.Entities {
					if fam.UserID != userID || fam.Revoked {
						continue
					}
					r.markRevoked(fam, reason)
					families = append(families, *fam)
					dirty = true
				}
				return dirty, nil
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
				return
			}
			revoked += len(families)
			for i := range families {
				r.observeRevocation(ctx, &families[i], reason)
			}
		}(ref)
	}
	wg.Wait()

	if firstErr != nil {
		return revoked, firstErr
	}
	r.logger.Info("Revoked user token families",
		"user_hash", security.HashForLogging(userID),
		"families", revoked)
	return revoked, nil
}

// RevokeUserClient revokes a user's families for one client. Wired as the
// authorization code replay cascade.
func (r *Rotator) RevokeUserClient(ctx context.Context, userID, clientID string) {
	for _, ref := range r.userShardRefs(ctx, userID) {
		key := shardKey(ref.Generation, ref.Shard)
		var families []Family
		err := r.coord.Update(ctx, key, func(snap *coordinator.Snapshot[*Family]) (bool, error) {
			dirty := false
			for _, fam := range snap.Entities {
				if fam.UserID != userID || fam.ClientID != clientID || fam.Revoked {
					continue
				}
				r.markRevoked(fam, ReasonCascade)
				families = append(families, *fam)
				dirty = true
			}
			return dirty, nil
		})
		if err != nil {
			r.logger.Error("Replay cascade revocation failed", "key", key, "error", err)
			continue
		}
		for i := range families {
			r.observeRevocation(ctx, &families[i], ReasonCascade)
		}
	}
}

// userShardRefs enumerates the coordinator keys that may hold the user's
// families: every shard of the current generation, plus whatever older
// generations the relational index knows about. The index lags by a
// reconciliation cycle, so the current generation is always scanned
// directly rather than trusted to the index.
func (r *Rotator) userShardRefs(ctx context.Context, userID string) []store.ShardRef {
	seen := make(map[store.ShardRef]struct{}, r.shards)
	refs := make([]store.ShardRef, 0, r.shards)
	for s := 0; s < r.shards; s++ {
		ref := store.ShardRef{Generation: r.generation, Shard: s}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}

	if r.familyIndex != nil {
		indexed, err := r.familyIndex.SelectFamilyShardsByUser(ctx, userID)
		if err != nil {
			r.logger.Warn("Family index lookup failed, revoking current generation only", "error", err)
			return refs
		}
		for _, ref := range indexed {
			if _, ok := seen[ref]; !ok {
				seen[ref] = struct{}{}
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

func (r *Rotator) markRevoked(fam *Family, reason string) {
	fam.Revoked = true
	fam.RevokedAt = time.Now()
	fam.RevokedReason = reason
}

func (r *Rotator) observeTheft(ctx context.Context, fam *Family) {
	if r.metrics != nil {
		r.metrics.RecordTheftDetected(ctx)
		r.metrics.RecordFamilyRevoked(ctx, ReasonTheft)
	}
	if r.auditor != nil {
		r.auditor.LogTheftDetected(fam.UserID, fam.ClientID, fam.ID, fam.RotationCount)
	}
	r.logger.Warn("Refresh token theft detected, family revoked",
		"family_id", fam.ID,
		"rotation_count", fam.RotationCount)
	r.mirrorRevocation(fam)
}

func (r *Rotator) observeRevocation(ctx context.Context, fam *Family, reason string) {
	if r.metrics != nil {
		r.metrics.RecordFamilyRevoked(ctx, reason)
	}
	if r.auditor != nil {
		r.auditor.LogFamilyRevoked(fam.UserID, fam.ClientID, fam.ID, reason)
	}
	r.mirrorRevocation(fam)
}

// mirrorFamily hands the relational upsert to the reconciliation queue.
// The mirror is a read view for RevokeUser enumeration; the coordinator
// snapshot stays authoritative.
func (r *Rotator) mirrorFamily(fam *Family) {
	if r.queue == nil || r.familyIndex == nil {
		return
	}
	rec := familyRecord(fam)
	err := r.queue.Enqueue(mirrorTaskKind, func(ctx context.Context) error {
		return r.familyIndex.UpsertFamily(ctx, rec)
	})
	if err != nil {
		r.logger.Warn("Family mirror enqueue failed", "family_id", fam.ID, "error", err)
	}
}

func (r *Rotator) mirrorRevocation(fam *Family) {
	if r.queue == nil || r.familyIndex == nil {
		return
	}
	familyID := fam.ID
	revokedAt := fam.RevokedAt
	err := r.queue.Enqueue(mirrorTaskKind, func(ctx context.Context) error {
		return r.familyIndex.MarkFamilyRevoked(ctx, familyID, revokedAt)
	})
	if err != nil {
		r.logger.Warn("Revocation mirror enqueue failed", "family_id", familyID, "error", err)
	}
}

func familyRecord(fam *Family) store.FamilyRecord {
	return store.FamilyRecord{
		FamilyID:      fam.ID,
		UserID:        fam.UserID,
		ClientID:      fam.ClientID,
		Generation:    fam.Generation,
		Shard:         fam.Shard,
		RotationCount: fam.RotationCount,
		CreatedAt:     fam.CreatedAt,
		ExpiresAt:     fam.ExpiresAt,
		Revoked:       fam.Revoked,
		RevokedAt:     fam.RevokedAt,
	}
}

// findByToken resolves the family holding a token, current or previous.
// Shards keep key-spaces small enough that a scan is cheaper than
// maintaining a persisted reverse index.
func findByToken(snap *coordinator.Snapshot[*Family], token string) *Family {
	for _, fam := range snap.Entities {
		if security.ConstantTimeEquals(fam.CurrentToken, token) || fam.holdsPrevious(token) {
			return fam
		}
	}
	return nil
}

func slidingExpiry(now time.Time, ttl time.Duration, absolute time.Time) time.Time {
	e := now.Add(ttl)
	if e.After(absolute) {
		return absolute
	}
	return e
}

func shardKey(generation, shard int) string {
	return "g" + strconv.Itoa(generation) + ":s" + strconv.Itoa(shard)
}

// formatToken mints a routing-prefixed token: v{generation}_{shard}_{random}.
// The prefix is routing metadata, not a secret; the random part carries all
// the entropy.
func formatToken(generation, shard int) string {
	return "v" + strconv.Itoa(generation) + "_" + strconv.Itoa(shard) + "_" + security.GenerateToken()
}

// parseToken extracts routing from a token. Unprefixed tokens predate
// sharded routing and live in generation 0, shard 0.
func parseToken(token string) (generation, shard int, err error) {
	if token == "" {
		return 0, 0, errors.New("empty token")
	}
	if !strings.HasPrefix(token, "v") {
		return 0, 0, nil
	}

	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 {
		return 0, 0, nil
	}
	gen, gerr := strconv.Atoi(strings.TrimPrefix(parts[0], "v"))
	sh, serr := strconv.Atoi(parts[1])
	if gerr != nil || serr != nil || gen < 0 || sh < 0 {
		return 0, 0, nil
	}
	return gen, sh, nil
}

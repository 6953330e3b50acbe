package authcode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/coordinator"
	"github.com/sgrastar/authrim/internal/testutil"
	"github.com/sgrastar/authrim/security"
	"github.com/sgrastar/authrim/store"
	"github.com/sgrastar/authrim/store/memory"
)

func newTestStore(t *testing.T, opts ...func(*Config)) *Store {
	t.Helper()

	cfg := Config{
		Durable: memory.NewDurableStore(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func testGrant() Grant {
	return Grant{
		UserID:      "user-1",
		ClientID:    "client-1",
		RedirectURI: "https://app.example.com/callback",
		Scope:       "openid profile",
		Nonce:       "nonce-1",
	}
}

func pkcePair(t *testing.T) (verifier, challenge string) {
	return testutil.PKCEPair(t)
}

func TestIssueAndConsume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	verifier, challenge := pkcePair(t)
	code, expiresAt, err := s.Issue(ctx, testGrant(), challenge, security.PKCEMethodS256, 60*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, code)
	assert.WithinDuration(t, time.Now().Add(60*time.Second), expiresAt, 2*time.Second)

	grant, err := s.Consume(ctx, code, "client-1", verifier)
	require.NoError(t, err)
	assert.Equal(t, "user-1", grant.UserID)
	assert.Equal(t, "openid profile", grant.Scope)
	assert.Equal(t, "nonce-1", grant.Nonce)
}

func TestConsume_SecondUseIsReplay(t *testing.T) {
	var mu sync.Mutex
	var cascaded []string

	s := newTestStore(t, func(cfg *Config) {
		cfg.OnReplay = func(_ context.Context, userID, clientID string) {
			mu.Lock()
			cascaded = append(cascaded, userID+"/"+clientID)
			mu.Unlock()
		}
	})
	ctx := context.Background()

	verifier, challenge := pkcePair(t)
	code, _, err := s.Issue(ctx, testGrant(), challenge, security.PKCEMethodS256, time.Minute)
	require.NoError(t, err)

	_, err = s.Consume(ctx, code, "client-1", verifier)
	require.NoError(t, err)

	_, err = s.Consume(ctx, code, "client-1", verifier)
	require.ErrorIs(t, err, store.ErrReplayDetected)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, cascaded, 1)
	assert.Equal(t, "user-1/client-1", cascaded[0])
}

func TestConsume_UnknownCode(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Consume(context.Background(), "no-such-code", "client-1", "verifier")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConsume_ClientMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	verifier, challenge := pkcePair(t)
	code, _, err := s.Issue(ctx, testGrant(), challenge, security.PKCEMethodS256, time.Minute)
	require.NoError(t, err)

	_, err = s.Consume(ctx, code, "other-client", verifier)
	require.ErrorIs(t, err, store.ErrMismatch)

	// A mismatch does not burn the code.
	grant, err := s.Consume(ctx, code, "client-1", verifier)
	require.NoError(t, err)
	assert.Equal(t, "user-1", grant.UserID)
}

func TestConsume_WrongVerifier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, challenge := pkcePair(t)
	code, _, err := s.Issue(ctx, testGrant(), challenge, security.PKCEMethodS256, time.Minute)
	require.NoError(t, err)

	wrong := security.GenerateTokenN(48)
	_, err = s.Consume(ctx, code, "client-1", wrong)
	require.ErrorIs(t, err, store.ErrInvalidVerifier)
}

func TestConsume_ExpiredCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	verifier, challenge := pkcePair(t)
	code, _, err := s.Issue(ctx, testGrant(), challenge, security.PKCEMethodS256, time.Minute)
	require.NoError(t, err)

	// Backdate the entity past the clock-skew grace period.
	require.NoError(t, s.coord.Update(ctx, s.key(), func(snap *coordinator.Snapshot[*Code]) (bool, error) {
		snap.Entities[code].ExpiresAt = time.Now().Add(-time.Minute)
		return true, nil
	}))

	_, err = s.Consume(ctx, code, "client-1", verifier)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIssue_QuotaExceeded(t *testing.T) {
	s := newTestStore(t, func(cfg *Config) {
		cfg.MaxCodesPerUser = 3
	})
	ctx := context.Background()

	_, challenge := pkcePair(t)
	for i := 0; i < 3; i++ {
		_, _, err := s.Issue(ctx, testGrant(), challenge, security.PKCEMethodS256, time.Minute)
		require.NoError(t, err)
	}

	_, _, err := s.Issue(ctx, testGrant(), challenge, security.PKCEMethodS256, time.Minute)
	require.ErrorIs(t, err, store.ErrQuotaExceeded)

	// Another user is unaffected.
	other := testGrant()
	other.UserID = "user-2"
	_, _, err = s.Issue(ctx, other, challenge, security.PKCEMethodS256, time.Minute)
	require.NoError(t, err)
}

func TestIssue_TTLClamped(t *testing.T) {
	s := newTestStore(t)

	_, challenge := pkcePair(t)
	_, expiresAt, err := s.Issue(context.Background(), testGrant(), challenge, security.PKCEMethodS256, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(MaxTTL), expiresAt, 2*time.Second)
}

func TestConsume_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	verifier, challenge := pkcePair(t)
	code, _, err := s.Issue(ctx, testGrant(), challenge, security.PKCEMethodS256, time.Minute)
	require.NoError(t, err)

	const attempts = 30
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Consume(ctx, code, "client-1", verifier)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, replays int
	for err := range results {
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, store.ErrReplayDetected)
			replays++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, replays)
}

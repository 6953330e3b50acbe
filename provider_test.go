package authrim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/config"
	"github.com/sgrastar/authrim/security"
	"github.com/sgrastar/authrim/store"
	"github.com/sgrastar/authrim/store/authcode"
	"github.com/sgrastar/authrim/store/memory"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()

	p, err := New(Options{
		Durable:    memory.NewDurableStore(),
		Relational: memory.NewRelational(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, p.Close(ctx))
	})
	return p
}

// Full authorization code flow: issue a code bound to a PKCE challenge,
// exchange it exactly once, and mint a refresh token family from the
// grant.
func TestAuthorizationCodeFlow(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	verifier := security.GenerateTokenN(48)
	chal, err := security.ComputeChallenge(verifier, security.PKCEMethodS256)
	require.NoError(t, err)

	code, _, err := p.AuthCodes.Issue(ctx, authcode.Grant{
		UserID:      "user-1",
		ClientID:    "client-1",
		RedirectURI: "https://app.example.com/callback",
		Scope:       "openid offline_access",
		Nonce:       "n-1",
	}, chal, security.PKCEMethodS256, time.Minute)
	require.NoError(t, err)

	grant, err := p.AuthCodes.Consume(ctx, code, "client-1", verifier)
	require.NoError(t, err)
	assert.Equal(t, "user-1", grant.UserID)

	token, fam, err := p.RefreshTokens.CreateFamily(ctx, grant.UserID, grant.ClientID, grant.Scope)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "openid offline_access", fam.Scope)

	// The code is burned.
	_, err = p.AuthCodes.Consume(ctx, code, "client-1", verifier)
	require.ErrorIs(t, err, store.ErrReplayDetected)
}

// Theft scenario: the legitimate client rotates T0 to T1, then a thief
// presents the captured T0. The family dies entirely, T1 included, and
// the theft survives a process restart.
func TestRefreshTokenTheftFlow(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	t0, _, err := p.RefreshTokens.CreateFamily(ctx, "user-1", "client-1", "openid")
	require.NoError(t, err)

	t1, _, err := p.RefreshTokens.Rotate(ctx, t0, "client-1")
	require.NoError(t, err)

	_, _, err = p.RefreshTokens.Rotate(ctx, t0, "client-1")
	require.ErrorIs(t, err, store.ErrTheftDetected)

	_, _, err = p.RefreshTokens.Rotate(ctx, t1, "client-1")
	require.ErrorIs(t, err, store.ErrTheftDetected)
}

// A replayed authorization code cascades into revocation of the refresh
// tokens minted from it.
func TestCodeReplayCascade(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	verifier := security.GenerateTokenN(48)
	chal, err := security.ComputeChallenge(verifier, security.PKCEMethodS256)
	require.NoError(t, err)

	code, _, err := p.AuthCodes.Issue(ctx, authcode.Grant{
		UserID:   "user-1",
		ClientID: "client-1",
	}, chal, security.PKCEMethodS256, time.Minute)
	require.NoError(t, err)

	grant, err := p.AuthCodes.Consume(ctx, code, "client-1", verifier)
	require.NoError(t, err)

	token, _, err := p.RefreshTokens.CreateFamily(ctx, grant.UserID, grant.ClientID, "")
	require.NoError(t, err)

	// Replay the code; the cascade revokes the family minted from it.
	_, err = p.AuthCodes.Consume(ctx, code, "client-1", verifier)
	require.ErrorIs(t, err, store.ErrReplayDetected)

	_, _, err = p.RefreshTokens.Rotate(ctx, token, "client-1")
	require.ErrorIs(t, err, store.ErrTheftDetected)
}

func TestCheckRateLimit(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	res, err := p.CheckRateLimit(ctx, "login:user-1", time.Minute, 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Count)
}

func TestSessionLifecycleThroughProvider(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	sess, err := p.Sessions.Create(ctx, "user-1", time.Hour, nil)
	require.NoError(t, err)

	got, err := p.Sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)

	require.NoError(t, p.Sessions.Invalidate(ctx, sess.ID))
	_, err = p.Sessions.Get(ctx, sess.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCredentialGuardRequiresRelational(t *testing.T) {
	p, err := New(Options{Durable: memory.NewDurableStore()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, p.Close(ctx))
	})

	assert.Nil(t, p.Credentials)
}

func TestCredentialGuardThroughProvider(t *testing.T) {
	rel := memory.NewRelational()
	rel.SeedCredential("cred-1", 5)

	p, err := New(Options{
		Durable:    memory.NewDurableStore(),
		Relational: rel,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, p.Close(ctx))
	})

	require.NotNil(t, p.Credentials)
	require.NoError(t, p.Credentials.UpdateCounter(context.Background(), "user-1", "cred-1", 6))
	err = p.Credentials.UpdateCounter(context.Background(), "user-1", "cred-1", 6)
	require.ErrorIs(t, err, store.ErrPossibleClone)
}

func TestNew_BuildsBackendsFromConfig(t *testing.T) {
	// No backends supplied: the default configuration selects the memory
	// backend, cache view included.
	p, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, p.Close(ctx))
	})

	ctx := context.Background()
	sess, err := p.Sessions.Create(ctx, "user-1", time.Hour, nil)
	require.NoError(t, err)
	got, err := p.Sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
}

func TestNew_ValkeyBackendRequiresAddress(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Backend.Storage = "valkey"

	// Validation catches the missing address before any connection is
	// attempted.
	require.Error(t, cfg.Validate())
}

func TestAuditTrail_MirroredThroughQueue(t *testing.T) {
	rel := memory.NewRelational()
	p, err := New(Options{
		Durable:    memory.NewDurableStore(),
		Relational: rel,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, p.Close(ctx))
	})
	ctx := context.Background()

	verifier := security.GenerateTokenN(48)
	chal, err := security.ComputeChallenge(verifier, security.PKCEMethodS256)
	require.NoError(t, err)

	code, _, err := p.AuthCodes.Issue(ctx, authcode.Grant{
		UserID:   "user-1",
		ClientID: "client-1",
	}, chal, security.PKCEMethodS256, time.Minute)
	require.NoError(t, err)

	_, err = p.AuthCodes.Consume(ctx, code, "client-1", verifier)
	require.NoError(t, err)
	_, err = p.AuthCodes.Consume(ctx, code, "client-1", verifier)
	require.ErrorIs(t, err, store.ErrReplayDetected)

	// The replay lands in the relational audit trail asynchronously.
	require.Eventually(t, func() bool {
		for _, rec := range rel.AuditEvents() {
			if rec.EventType == security.EventCodeReplayDetected && rec.UserID == "user-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

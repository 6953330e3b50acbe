package credential

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/store"
	"github.com/sgrastar/authrim/store/memory"
)

func newTestGuard(t *testing.T, rel *memory.Relational) *Guard {
	t.Helper()

	g, err := New(Config{Counters: rel})
	require.NoError(t, err)
	return g
}

func TestUpdateCounter_Monotonic(t *testing.T) {
	rel := memory.NewRelational()
	rel.SeedCredential("cred-1", 5)
	g := newTestGuard(t, rel)
	ctx := context.Background()

	require.NoError(t, g.UpdateCounter(ctx, "user-1", "cred-1", 6))
	require.NoError(t, g.UpdateCounter(ctx, "user-1", "cred-1", 100))

	// Equal and lower counters are clone signals.
	err := g.UpdateCounter(ctx, "user-1", "cred-1", 100)
	require.ErrorIs(t, err, store.ErrPossibleClone)
	err = g.UpdateCounter(ctx, "user-1", "cred-1", 7)
	require.ErrorIs(t, err, store.ErrPossibleClone)
}

func TestUpdateCounter_ZeroCounterAuthenticator(t *testing.T) {
	rel := memory.NewRelational()
	rel.SeedCredential("cred-1", 0)
	g := newTestGuard(t, rel)
	ctx := context.Background()

	// Authenticators without counter support always present zero.
	require.NoError(t, g.UpdateCounter(ctx, "user-1", "cred-1", 0))
	require.NoError(t, g.UpdateCounter(ctx, "user-1", "cred-1", 0))

	// Once the counter moves, zero becomes a clone signal.
	require.NoError(t, g.UpdateCounter(ctx, "user-1", "cred-1", 3))
	err := g.UpdateCounter(ctx, "user-1", "cred-1", 0)
	require.ErrorIs(t, err, store.ErrPossibleClone)
}

func TestUpdateCounter_UnknownCredential(t *testing.T) {
	g := newTestGuard(t, memory.NewRelational())

	err := g.UpdateCounter(context.Background(), "user-1", "missing", 1)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateCounter_ConcurrentSameCounter(t *testing.T) {
	rel := memory.NewRelational()
	rel.SeedCredential("cred-1", 10)
	g := newTestGuard(t, rel)
	ctx := context.Background()

	// Two assertions race with the same presented counter. Exactly one
	// wins; the other re-reads the advanced value and reports a clone.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- g.UpdateCounter(ctx, "user-1", "cred-1", 11)
		}()
	}
	wg.Wait()
	close(results)

	var wins, clones int
	for err := range results {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, store.ErrPossibleClone)
			clones++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, clones)

	stored, err := rel.SelectCounter(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(11), stored)
}

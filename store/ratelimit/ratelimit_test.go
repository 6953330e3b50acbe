package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/coordinator"
	"github.com/sgrastar/authrim/store/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(Config{
		Durable: memory.NewDurableStore(),
		Shards:  4,
	})
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func TestIncrement_WithinLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		res, err := s.Increment(ctx, "ip:203.0.113.7", time.Minute, 5)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, i, res.Count)
	}

	res, err := s.Increment(ctx, "ip:203.0.113.7", time.Minute, 5)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(6), res.Count)
}

func TestIncrement_IndependentKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Increment(ctx, "ip:a", time.Minute, 3)
		require.NoError(t, err)
	}

	res, err := s.Increment(ctx, "ip:b", time.Minute, 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Count)
}

func TestIncrement_WindowReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Increment(ctx, "login:user-1", time.Hour, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// Force the window into the past.
	require.NoError(t, s.coord.Update(ctx, s.shardKey("login:user-1"), func(snap *coordinator.Snapshot[*Counter]) (bool, error) {
		snap.Entities["login:user-1"].ResetAt = time.Now().Add(-time.Second)
		return true, nil
	}))

	res, err = s.Increment(ctx, "login:user-1", time.Hour, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Count)
}

func TestIncrement_NoLostUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Increment(ctx, "burst", time.Minute, n*2)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	res, err := s.Peek(ctx, "burst")
	require.NoError(t, err)
	assert.Equal(t, int64(n), res.Count)
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Increment(ctx, "blocked", time.Hour, 1)
		require.NoError(t, err)
	}

	require.NoError(t, s.Reset(ctx, "blocked"))

	res, err := s.Increment(ctx, "blocked", time.Hour, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Count)

	// Resetting an unknown key is a no-op.
	require.NoError(t, s.Reset(ctx, "never-seen"))
}

func TestIncrement_InvalidArgs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Increment(ctx, "", time.Minute, 1)
	require.Error(t, err)

	_, err = s.Increment(ctx, "k", 0, 1)
	require.Error(t, err)

	_, err = s.Increment(ctx, "k", time.Minute, 0)
	require.Error(t, err)
}

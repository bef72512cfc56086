package anchor_test

import (
	"context"
	"testing"

	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/anchor"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/store"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runAnchorSuite(t *testing.T, s anchor.Store) {
	ctx := context.Background()

	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	h, err := s.Init(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), h)

	h, err = s.Init(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), h, "init must not overwrite an existing anchor")

	require.NoError(t, s.Advance(ctx, 100, 150))
	require.NoError(t, s.Advance(ctx, 150, 150))

	err = s.Advance(ctx, 100, 200)
	assert.ErrorIs(t, err, anchor.ErrAnchorConflict)

	err = s.Advance(ctx, 150, 120)
	assert.ErrorIs(t, err, anchor.ErrAnchorRegression)

	h, ok, err = s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(150), h)
}

func TestMemoryStore(t *testing.T) {
	runAnchorSuite(t, anchor.NewMemoryStore())
}

func TestPebbleStore(t *testing.T) {
	s, err := anchor.NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	runAnchorSuite(t, s)
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := anchor.NewPebbleStore(dir)
	require.NoError(t, err)
	_, err = s.Init(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, s.Advance(ctx, 7, 42))
	require.NoError(t, s.Close())

	s, err = anchor.NewPebbleStore(dir)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	h, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), h)
}

func TestPostgresStore(t *testing.T) {
	connStr := testutils.StartPostgres(t)
	require.NoError(t, store.Migrate(connStr))

	pool, err := store.NewPool(context.Background(), connStr, 2)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	runAnchorSuite(t, anchor.NewPostgresStore(pool))
}

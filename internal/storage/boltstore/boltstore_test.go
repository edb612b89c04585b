package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dzfranklin/plantopo-sync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Store {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := open(t)
	_, err := s.Load(context.Background(), "map-1", 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := open(t)
	now := time.Now()
	require.NoError(t, s.Save(context.Background(), "map-1", 1, []byte("snapshot bytes"), now))

	got, err := s.Load(context.Background(), "map-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot bytes"), got.Bytes)
	assert.WithinDuration(t, now, got.SavedAt, time.Nanosecond)
}

func TestSaveOverwritesPreviousSnapshot(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "map-1", 1, []byte("v1"), time.Now()))
	require.NoError(t, s.Save(ctx, "map-1", 1, []byte("v2"), time.Now()))

	got, err := s.Load(ctx, "map-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Bytes)
}

func TestSnapshotsAreIndependentPerMapAndServer(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "map-1", 1, []byte("a"), time.Now()))
	require.NoError(t, s.Save(ctx, "map-1", 2, []byte("b"), time.Now()))
	require.NoError(t, s.Save(ctx, "map-2", 1, []byte("c"), time.Now()))

	got, err := s.Load(ctx, "map-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got.Bytes)
}

func TestNextClientSuffixIsMonotonicPerMapAndServer(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	a, err := s.NextClientSuffix(ctx, "map-1", 1)
	require.NoError(t, err)
	b, err := s.NextClientSuffix(ctx, "map-1", 1)
	require.NoError(t, err)
	assert.Equal(t, a+1, b)

	c, err := s.NextClientSuffix(ctx, "map-1", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c, "suffix counters are independent per server id")
}

func TestNextClientSuffixPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)

	_, err = s.NextClientSuffix(context.Background(), "map-1", 1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	next, err := s2.NextClientSuffix(context.Background(), "map-1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)
}

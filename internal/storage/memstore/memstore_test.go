package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/dzfranklin/plantopo-sync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.Load(context.Background(), "map-1", 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := New()
	now := time.Now()
	require.NoError(t, s.Save(context.Background(), "map-1", 1, []byte("snapshot bytes"), now))

	got, err := s.Load(context.Background(), "map-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot bytes"), got.Bytes)
}

func TestNextClientSuffixIsMonotonicPerMapAndServer(t *testing.T) {
	s := New()
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

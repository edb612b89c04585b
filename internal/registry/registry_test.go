package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupMissingReturnsFalse(t *testing.T) {
	r := New()
	_, ok := r.Lookup(uuid.New())
	assert.False(t, ok)
}

func TestInsertThenLookupFindsLiveHandle(t *testing.T) {
	r := New()
	mapID := uuid.New()
	done := make(chan struct{})
	h := NewHandle(make(chan Connection, 1), make(chan struct{}, 1), done)
	r.Insert(mapID, h)

	got, ok := r.Lookup(mapID)
	require.True(t, ok)
	assert.True(t, got.Alive())
}

func TestLookupRemovesDeadHandle(t *testing.T) {
	r := New()
	mapID := uuid.New()
	done := make(chan struct{})
	close(done)
	r.Insert(mapID, NewHandle(make(chan Connection, 1), make(chan struct{}, 1), done))

	_, ok := r.Lookup(mapID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestReapDeadDropsOnlyDeadEntries(t *testing.T) {
	r := New()
	live := uuid.New()
	dead := uuid.New()

	doneLive := make(chan struct{})
	doneDead := make(chan struct{})
	close(doneDead)

	r.Insert(live, NewHandle(make(chan Connection, 1), make(chan struct{}, 1), doneLive))
	r.Insert(dead, NewHandle(make(chan Connection, 1), make(chan struct{}, 1), doneDead))

	reaped := r.ReapDead()
	assert.Equal(t, 1, reaped)
	assert.Equal(t, 1, r.Len())
	_, ok := r.Lookup(live)
	assert.True(t, ok)
}

func TestBroadcastSweepNotifiesEveryLiveWorkerWithoutBlocking(t *testing.T) {
	r := New()
	a := uuid.New()
	b := uuid.New()

	sweepA := make(chan struct{}, 1)
	sweepB := make(chan struct{}) // unbuffered and nobody reading: must not block

	r.Insert(a, NewHandle(make(chan Connection, 1), sweepA, make(chan struct{})))
	r.Insert(b, NewHandle(make(chan Connection, 1), sweepB, make(chan struct{})))

	r.BroadcastSweep()

	select {
	case <-sweepA:
	default:
		t.Fatal("expected a sweep trigger on the buffered channel")
	}
}

func TestGetOrSpawnReusesLiveHandle(t *testing.T) {
	r := New()
	mapID := uuid.New()
	spawnCalls := 0
	spawn := func() Handle {
		spawnCalls++
		return NewHandle(make(chan Connection, 1), make(chan struct{}, 1), make(chan struct{}))
	}

	first := r.GetOrSpawn(mapID, spawn)
	second := r.GetOrSpawn(mapID, spawn)

	assert.Equal(t, 1, spawnCalls)
	assert.Equal(t, first.Connect, second.Connect)
}

func TestGetOrSpawnRespawnsOverDeadHandle(t *testing.T) {
	r := New()
	mapID := uuid.New()
	dead := make(chan struct{})
	close(dead)
	r.Insert(mapID, NewHandle(make(chan Connection, 1), make(chan struct{}, 1), dead))

	spawned := false
	h := r.GetOrSpawn(mapID, func() Handle {
		spawned = true
		return NewHandle(make(chan Connection, 1), make(chan struct{}, 1), make(chan struct{}))
	})

	assert.True(t, spawned)
	assert.True(t, h.Alive())
}

func TestRemoveDeregisters(t *testing.T) {
	r := New()
	mapID := uuid.New()
	r.Insert(mapID, NewHandle(make(chan Connection, 1), make(chan struct{}, 1), make(chan struct{})))
	r.Remove(mapID)

	_, ok := r.Lookup(mapID)
	assert.False(t, ok)
}

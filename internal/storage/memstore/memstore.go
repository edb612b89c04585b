// Package memstore implements storage.Storage in-memory, for tests and for
// running a single server instance without a BoltDB file.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/dzfranklin/plantopo-sync/internal/storage"
)

type key struct {
	mapID    string
	serverID uint8
}

// Store is a mutex-guarded in-memory storage.Storage.
type Store struct {
	mu        sync.Mutex
	snapshots map[key]storage.Snapshot
	counters  map[key]uint64
}

func New() *Store {
	return &Store{
		snapshots: make(map[key]storage.Snapshot),
		counters:  make(map[key]uint64),
	}
}

func (s *Store) Load(_ context.Context, mapID string, serverID uint8) (storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[key{mapID, serverID}]
	if !ok {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	return snap, nil
}

func (s *Store) Save(_ context.Context, mapID string, serverID uint8, bytes []byte, savedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[key{mapID, serverID}] = storage.Snapshot{Bytes: append([]byte(nil), bytes...), SavedAt: savedAt}
	return nil
}

func (s *Store) NextClientSuffix(_ context.Context, mapID string, serverID uint8) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{mapID, serverID}
	s.counters[k]++
	return s.counters[k], nil
}

func (s *Store) Close() error { return nil }

// Package boltstore implements storage.Storage on an embedded BoltDB file,
// grounded on the bbolt usage pattern of the teacher's wider example pack:
// one bucket per concern, opened once at startup, updated via db.Update.
package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dzfranklin/plantopo-sync/internal/storage"
	"go.etcd.io/bbolt"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketCounters  = []byte("client_suffix_counters")
)

// Store is a BoltDB-backed storage.Storage.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the BoltDB file at path and ensures its
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshots, bucketCounters} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func key(mapID string, serverID uint8) []byte {
	return []byte(fmt.Sprintf("%s/%d", mapID, serverID))
}

func (s *Store) Load(_ context.Context, mapID string, serverID uint8) (storage.Snapshot, error) {
	var out storage.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketSnapshots).Get(key(mapID, serverID))
		if raw == nil {
			return storage.ErrNotFound
		}
		if len(raw) < 8 {
			return fmt.Errorf("boltstore: truncated snapshot record")
		}
		savedAtUnixNano := int64(binary.BigEndian.Uint64(raw[:8]))
		out = storage.Snapshot{
			Bytes:   append([]byte(nil), raw[8:]...),
			SavedAt: time.Unix(0, savedAtUnixNano),
		}
		return nil
	})
	if err != nil {
		return storage.Snapshot{}, err
	}
	return out, nil
}

func (s *Store) Save(_ context.Context, mapID string, serverID uint8, bytes []byte, savedAt time.Time) error {
	record := make([]byte, 8+len(bytes))
	binary.BigEndian.PutUint64(record[:8], uint64(savedAt.UnixNano()))
	copy(record[8:], bytes)

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put(key(mapID, serverID), record)
	})
}

func (s *Store) NextClientSuffix(_ context.Context, mapID string, serverID uint8) (uint64, error) {
	var next uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		k := key(mapID, serverID)
		raw := b.Get(k)
		var cur uint64
		if raw != nil {
			cur = binary.BigEndian.Uint64(raw)
		}
		next = cur + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return b.Put(k, buf)
	})
	if err != nil {
		return 0, fmt.Errorf("boltstore: allocate client suffix: %w", err)
	}
	return next, nil
}

func (s *Store) Close() error { return s.db.Close() }

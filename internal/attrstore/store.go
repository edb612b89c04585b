// Package attrstore implements the per-key last-writer-wins attribute map
// shared by layers and features (spec.md §3, §4.4).
package attrstore

import (
	"sort"

	"github.com/dzfranklin/plantopo-sync/internal/clock"
	"github.com/dzfranklin/plantopo-sync/internal/lww"
)

// Key is a short attribute name, e.g. "name" or "color".
type Key string

// Entry is one attribute write on the wire or in a Delta: a key, its value,
// and the logical instant it was written at.
type Entry struct {
	Key   Key
	Value Value
	Ts    clock.Instant
}

// Store is a Key -> Lww[Value] map. Merge is per-key LWW (spec.md §4.4).
type Store struct {
	values map[Key]*lww.Reg[Value]
	dirty  bool
}

// New creates an empty attribute store. Dirty starts true, mirroring the
// original implementation's "freshly created state needs saving" convention.
func New() *Store {
	return &Store{values: make(map[Key]*lww.Reg[Value]), dirty: true}
}

// IsDirty reports whether any key has been created or changed since the last ClearDirty.
func (s *Store) IsDirty() bool { return s.dirty }

// ClearDirty resets the dirty flag.
func (s *Store) ClearDirty() { s.dirty = false }

// Get returns the current value for key, or None if unset.
func (s *Store) Get(key Key) Value {
	if r, ok := s.values[key]; ok {
		return r.Value()
	}
	return None
}

// Merge applies incoming attribute writes, observing each timestamp on clk
// and keeping the newer write per key (spec.md §4.4).
func (s *Store) Merge(clk *clock.Clock, entries []Entry) {
	for _, e := range entries {
		clk.Observe(e.Ts)
		r, ok := s.values[e.Key]
		if !ok {
			r = &lww.Reg[Value]{}
			s.values[e.Key] = r
			s.dirty = true
		}
		if _, displaced := r.Merge(e.Value, e.Ts); displaced {
			s.dirty = true
		}
	}
}

// Set is a local write helper: ticks clk, merges the write into this store,
// and returns the Entry to include in an outgoing Delta.
func Set(s *Store, clk *clock.Clock, key Key, value Value) Entry {
	ts := clk.Tick()
	s.Merge(clk, []Entry{{Key: key, Value: value, Ts: ts}})
	return Entry{Key: key, Value: value, Ts: ts}
}

// Iter yields (key, value) pairs in a deterministic (sorted-by-key) order,
// current value only — no timestamps, per spec.md §4.4.
func (s *Store) Iter(fn func(key Key, value Value)) {
	keys := make([]Key, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		fn(k, s.values[k].Value())
	}
}

// Save serializes every (key, value, ts) entry currently held, for the
// replica snapshot of spec.md §4.8.
func (s *Store) Save() []Entry {
	out := make([]Entry, 0, len(s.values))
	for k, r := range s.values {
		out = append(out, Entry{Key: k, Value: r.Value(), Ts: r.Ts()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

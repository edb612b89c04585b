// Package layerstore implements the ordered layer list CRDT (spec.md §4.5):
// a set of layers, each with an LWW position in a shared draw order and an
// attribute map, merged deterministically across replicas.
package layerstore

import (
	"math/rand"
	"sort"

	"github.com/dzfranklin/plantopo-sync/internal/attrstore"
	"github.com/dzfranklin/plantopo-sync/internal/clock"
	"github.com/dzfranklin/plantopo-sync/internal/fracidx"
	"github.com/dzfranklin/plantopo-sync/internal/lww"
	"github.com/google/uuid"
)

// Id identifies a layer for the lifetime of the map.
type Id uuid.UUID

func (id Id) String() string { return uuid.UUID(id).String() }

// Pos is a layer's position in the draw order. A nil Idx means the layer is
// parked outside the visible order (spec.md §4.5 "detached" state) while
// still existing for attribute merge purposes.
type Pos struct {
	Idx *fracidx.Idx
}

func (p Pos) isOrdered() bool { return p.Idx != nil }

// Layer is one entry in the layer list: an LWW position plus an attribute
// store, both mergeable independently.
type Layer struct {
	ID    Id
	pos   lww.Reg[Pos]
	Attrs *attrstore.Store
}

func newLayer(id Id, pos Pos, ts clock.Instant) *Layer {
	return &Layer{ID: id, pos: lww.New(pos, ts), Attrs: attrstore.New()}
}

// Pos returns the layer's current position.
func (l *Layer) Pos() Pos { return l.pos.Value() }

// PosTs returns the timestamp of the layer's current position.
func (l *Layer) PosTs() clock.Instant { return l.pos.Ts() }

type orderEntry struct {
	idx fracidx.Idx
	id  Id
}

// Store holds every known layer and a secondary index of the visible draw
// order, kept in (Idx, Id) sorted order the way the original implementation's
// search_order binary search expects (grounded on layer/store.rs).
type Store struct {
	layers map[Id]*Layer
	order  []orderEntry
	dirty  bool
}

// New creates an empty layer store.
func New() *Store {
	return &Store{layers: make(map[Id]*Layer), dirty: true}
}

func (s *Store) IsDirty() bool { return s.dirty }
func (s *Store) ClearDirty()   { s.dirty = false }

// Get returns the layer for id, or nil if unknown.
func (s *Store) Get(id Id) *Layer { return s.layers[id] }

func (s *Store) searchOrder(idx fracidx.Idx, id Id) (int, bool) {
	n := len(s.order)
	i := sort.Search(n, func(i int) bool {
		c := s.order[i].idx.Compare(idx)
		if c != 0 {
			return c >= 0
		}
		return s.order[i].id.String() >= id.String()
	})
	if i < n && s.order[i].idx.Compare(idx) == 0 && s.order[i].id == id {
		return i, true
	}
	return i, false
}

func (s *Store) insertOrder(idx fracidx.Idx, id Id) {
	i, found := s.searchOrder(idx, id)
	if found {
		return
	}
	s.order = append(s.order, orderEntry{})
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = orderEntry{idx: idx, id: id}
}

func (s *Store) removeOrder(idx fracidx.Idx, id Id) {
	i, found := s.searchOrder(idx, id)
	if !found {
		return
	}
	s.order = append(s.order[:i], s.order[i+1:]...)
}

// Order returns the current visible draw order, back to front.
func (s *Store) Order() []Id {
	out := make([]Id, len(s.order))
	for i, e := range s.order {
		out[i] = e.id
	}
	return out
}

// applyPos applies a position write to layer l, maintaining the order index.
func (s *Store) applyPos(l *Layer, pos Pos, ts clock.Instant) {
	prev, displaced := l.pos.Merge(pos, ts)
	if !displaced {
		return
	}
	if prev.isOrdered() {
		s.removeOrder(*prev.Idx, l.ID)
	}
	if pos.isOrdered() {
		s.insertOrder(*pos.Idx, l.ID)
	}
}

// Create inserts a brand new layer at pos, local write.
func Create(s *Store, clk *clock.Clock, id Id, pos Pos) {
	ts := clk.Tick()
	l := newLayer(id, pos, ts)
	s.layers[id] = l
	if pos.isOrdered() {
		s.insertOrder(*pos.Idx, id)
	}
	s.dirty = true
}

// Move repositions an existing layer, local write. No-op if id is unknown.
func Move(s *Store, clk *clock.Clock, id Id, pos Pos) {
	l, ok := s.layers[id]
	if !ok {
		return
	}
	ts := clk.Tick()
	s.applyPos(l, pos, ts)
	s.dirty = true
}

// Remove detaches a layer from the visible order without discarding its
// attribute history, local write. Remote removal is modeled as Move to an
// unordered Pos (spec.md §4.5's tombstone-free removal).
func Remove(s *Store, clk *clock.Clock, id Id) {
	Move(s, clk, id, Pos{})
}

// RemoteLayer is one layer's state as carried in a Delta (spec.md §4.8).
type RemoteLayer struct {
	ID    Id
	Pos   Pos
	PosTs clock.Instant
	Attrs []attrstore.Entry
}

// Merge applies incoming layer state: creates unknown layers, LWW-merges
// position for known ones, and merges attributes unconditionally.
func (s *Store) Merge(clk *clock.Clock, remote []RemoteLayer) {
	if len(remote) > 0 {
		s.dirty = true
	}
	for _, rl := range remote {
		clk.Observe(rl.PosTs)
		l, ok := s.layers[rl.ID]
		if !ok {
			l = newLayer(rl.ID, rl.Pos, rl.PosTs)
			s.layers[rl.ID] = l
			if rl.Pos.isOrdered() {
				s.insertOrder(*rl.Pos.Idx, rl.ID)
			}
		} else {
			s.applyPos(l, rl.Pos, rl.PosTs)
		}
		l.Attrs.Merge(clk, rl.Attrs)
	}
}

// ResolveCollisions implements spec.md §4.2's collision-resolution rule for
// the shared draw order: when two distinct layer ids land on the same idx,
// the entry whose current position was authored by self yields, allocating
// a fresh idx' = between(idx, next_sibling_idx?, rng), ticking the clock and
// overwriting its own position register so the fix is an ordinary
// broadcastable delta (spec.md §8 scenario 4's general rule, not just the
// feature-tree special case).
func (s *Store) ResolveCollisions(clk *clock.Clock, rng *rand.Rand, self clock.ClientId) []RemoteLayer {
	// Detection is a pure read over a snapshot of s.order, kept separate from
	// correction below: applyPos mutates s.order's backing array in place via
	// insertOrder/removeOrder, so fixing an entry while still scanning the
	// live slice would read back shifted, stale entries for later indices.
	type pending struct {
		id      Id
		idx     fracidx.Idx
		nextIdx fracidx.Idx
		hasNext bool
	}
	var toFix []pending

	i := 0
	for i < len(s.order) {
		j := i + 1
		for j < len(s.order) && s.order[j].idx.Compare(s.order[i].idx) == 0 {
			j++
		}
		if j-i >= 2 {
			hasNext := j < len(s.order)
			var nextIdx fracidx.Idx
			if hasNext {
				nextIdx = s.order[j].idx
			}
			for k := i; k < j; k++ {
				entry := s.order[k]
				l, ok := s.layers[entry.id]
				if !ok || l.PosTs().Client != self {
					continue
				}
				toFix = append(toFix, pending{id: entry.id, idx: entry.idx, nextIdx: nextIdx, hasNext: hasNext})
			}
		}
		i = j
	}

	var corrections []RemoteLayer
	for _, p := range toFix {
		l, ok := s.layers[p.id]
		if !ok {
			continue
		}
		var nextIdx fracidx.Idx
		if p.hasNext {
			nextIdx = p.nextIdx
		}

		newIdx := fracidx.Between(p.idx, nextIdx, rng)
		ts := clk.Tick()
		s.applyPos(l, Pos{Idx: &newIdx}, ts)
		corrections = append(corrections, RemoteLayer{
			ID: p.id, Pos: l.Pos(), PosTs: l.pos.Ts(),
		})
	}

	if len(corrections) > 0 {
		s.dirty = true
	}
	return corrections
}

// Save serializes every layer for the replica snapshot (spec.md §4.8).
func (s *Store) Save() []RemoteLayer {
	ids := make([]Id, 0, len(s.layers))
	for id := range s.layers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	out := make([]RemoteLayer, 0, len(ids))
	for _, id := range ids {
		l := s.layers[id]
		out = append(out, RemoteLayer{
			ID:    id,
			Pos:   l.Pos(),
			PosTs: l.pos.Ts(),
			Attrs: l.Attrs.Save(),
		})
	}
	return out
}

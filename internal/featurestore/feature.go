// Package featurestore implements the ordered feature tree CRDT (spec.md
// §4.6): a live/dead feature set arranged into a tree via LWW parent-pointer
// attachments, linearized by depth-first pre-order after every merge.
package featurestore

import (
	"math/rand"
	"sort"

	"github.com/dzfranklin/plantopo-sync/internal/attrstore"
	"github.com/dzfranklin/plantopo-sync/internal/clock"
	"github.com/dzfranklin/plantopo-sync/internal/fracidx"
	"github.com/dzfranklin/plantopo-sync/internal/lww"
)

// Id is a feature identifier: the creating client's clock reading at the
// moment of creation, giving globally unique ids without coordination.
type Id clock.Instant

// Root names the implicit root group every top-level feature attaches to.
var Root = Id{}

// Type is the closed union of feature kinds. Only Group may host children.
// Smaller values win a type-mismatch merge (spec.md §4.6 step 2).
type Type uint8

const (
	TypeGroup Type = 1
	TypePoint Type = 2
	TypeRoute Type = 3
)

// At is a feature's attachment to a parent group at a draw-order position.
type At struct {
	Parent Id
	Idx    fracidx.Idx
}

// Feature is one live feature record.
type Feature struct {
	ID    Id
	Ty    Type
	at    lww.Reg[*At]
	Attrs *attrstore.Store
}

func (f *Feature) At() *At { return f.at.Value() }

// AtTs returns the timestamp of the feature's current position write.
func (f *Feature) AtTs() clock.Instant { return f.at.Ts() }

type orderEntry struct {
	idx fracidx.Idx
	id  Id
}

// Store holds the live/dead feature sets, each group's child order, and the
// derived linearization, per spec.md §4.6.
type Store struct {
	live          map[Id]*Feature
	dead          map[Id]struct{}
	order         map[Id][]orderEntry
	linear        map[Id]uint32
	orphanStrikes map[Id]int
	dirty         bool
}

// New creates an empty feature store.
func New() *Store {
	return &Store{
		live:          make(map[Id]*Feature),
		dead:          make(map[Id]struct{}),
		order:         make(map[Id][]orderEntry),
		linear:        make(map[Id]uint32),
		orphanStrikes: make(map[Id]int),
		dirty:         true,
	}
}

func (s *Store) IsDirty() bool { return s.dirty }
func (s *Store) ClearDirty()   { s.dirty = false }

// Contains reports whether id is a live feature.
func (s *Store) Contains(id Id) bool { _, ok := s.live[id]; return ok }

// Get returns the live feature for id, or nil.
func (s *Store) Get(id Id) *Feature { return s.live[id] }

// ChildOrder returns the ordered child ids of group p, back to front.
func (s *Store) ChildOrder(p Id) []Id {
	entries := s.order[p]
	out := make([]Id, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

// LinearIdx returns id's position in the pre-order walk, if it is linearized
// (i.e. live, reachable from Root, and not orphaned).
func (s *Store) LinearIdx(id Id) (uint32, bool) {
	idx, ok := s.linear[id]
	return idx, ok
}

func searchOrder(order []orderEntry, idx fracidx.Idx, id Id) (int, bool) {
	n := len(order)
	i := sort.Search(n, func(i int) bool {
		c := order[i].idx.Compare(idx)
		if c != 0 {
			return c >= 0
		}
		return !clock.Instant(order[i].id).Less(clock.Instant(id))
	})
	if i < n && order[i].idx.Compare(idx) == 0 && order[i].id == id {
		return i, true
	}
	return i, false
}

func insertOrder(order []orderEntry, idx fracidx.Idx, id Id) []orderEntry {
	i, found := searchOrder(order, idx, id)
	if found {
		return order
	}
	order = append(order, orderEntry{})
	copy(order[i+1:], order[i:])
	order[i] = orderEntry{idx: idx, id: id}
	return order
}

func removeOrder(order []orderEntry, idx fracidx.Idx, id Id) []orderEntry {
	i, found := searchOrder(order, idx, id)
	if !found {
		return order
	}
	return append(order[:i], order[i+1:]...)
}

func (s *Store) detachFromParentOrder(id Id, at *At) {
	if at == nil {
		return
	}
	if order, ok := s.order[at.Parent]; ok {
		s.order[at.Parent] = removeOrder(order, at.Idx, id)
	}
}

func (s *Store) attachToParentOrder(id Id, at *At) {
	if at == nil {
		return
	}
	s.order[at.Parent] = insertOrder(s.order[at.Parent], at.Idx, id)
}

// LiveEntry is one feature's incoming state as carried in a Delta.
type LiveEntry struct {
	ID    Id
	Ty    Type
	HasAt bool // whether this entry carries an at/at_ts write at all
	At    *At  // nil when HasAt is true but the position is "detached"
	AtTs  clock.Instant
	Attrs []attrstore.Entry
}

// Merge applies a feature-store delta: dead ids first, then live entries,
// then recomputes the linearization (spec.md §4.6 steps 1-5).
func (s *Store) Merge(clk *clock.Clock, dead []Id, live []LiveEntry) {
	if len(dead) > 0 || len(live) > 0 {
		s.dirty = true
	}

	for _, id := range dead {
		s.dead[id] = struct{}{}
		if prev, ok := s.live[id]; ok {
			delete(s.live, id)
			if prev.Ty == TypeGroup {
				delete(s.order, id)
			}
			s.detachFromParentOrder(id, prev.At())
		}
	}

	for _, e := range live {
		clk.Observe(clock.Instant(e.ID))
		if _, isDead := s.dead[e.ID]; isDead {
			continue
		}

		f, ok := s.live[e.ID]
		if !ok {
			f = &Feature{ID: e.ID, Ty: e.Ty, Attrs: attrstore.New()}
			s.live[e.ID] = f
		} else if f.Ty != e.Ty {
			chosen := f.Ty
			if e.Ty < f.Ty {
				chosen = e.Ty
			}
			f.Ty = chosen
		}

		if f.Ty == TypeGroup {
			if _, ok := s.order[e.ID]; !ok {
				s.order[e.ID] = nil
			}
		}

		if e.HasAt {
			clk.Observe(e.AtTs)
			prev, displaced := f.at.Merge(e.At, e.AtTs)
			if displaced {
				s.detachFromParentOrder(e.ID, prev)
				s.attachToParentOrder(e.ID, f.At())
			}
		}

		f.Attrs.Merge(clk, e.Attrs)
	}

	s.recomputeLinear()
}

// ancestorOf reports whether id is child's ancestor in the (possibly cyclic)
// at-graph, walking at most len(live)+1 steps so a cycle cannot loop forever.
func (s *Store) ancestorOf(id, child Id) bool {
	cur := child
	for i := 0; i <= len(s.live); i++ {
		f, ok := s.live[cur]
		if !ok {
			return false
		}
		at := f.At()
		if at == nil {
			return false
		}
		if at.Parent == id {
			return true
		}
		cur = at.Parent
	}
	return true // exhausted the bound: treat as a cycle, conservatively orphaned
}

// recomputeLinear performs the iterative depth-first pre-order walk from
// Root, skipping orphans (live features unreachable from Root, including
// those with a dead parent or caught in a reparent cycle).
func (s *Store) recomputeLinear() {
	s.linear = make(map[Id]uint32)
	var idx uint32
	var stack []Id
	stack = append(stack, s.reverseChildren(Root)...)
	visited := make(map[Id]struct{})

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}

		f, ok := s.live[id]
		if !ok {
			continue
		}
		if at := f.At(); at != nil {
			if _, parentDead := s.dead[at.Parent]; parentDead {
				continue
			}
			if s.ancestorOf(id, at.Parent) {
				continue // cycle: leave orphaned
			}
		}

		s.linear[id] = idx
		idx++
		stack = append(stack, s.reverseChildren(id)...)
	}
}

// reverseChildren returns p's children in reverse draw order so a stack-based
// walk visits them front-to-back.
func (s *Store) reverseChildren(p Id) []Id {
	entries := s.order[p]
	out := make([]Id, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e.id
	}
	return out
}

// Create allocates a fresh id from the clock and records it as a live,
// unattached feature; local write.
func Create(s *Store, clk *clock.Clock, ty Type) Id {
	id := Id(clk.Tick())
	s.live[id] = &Feature{ID: id, Ty: ty, Attrs: attrstore.New()}
	if ty == TypeGroup {
		s.order[id] = nil
	}
	s.dirty = true
	return id
}

// Move attaches id under parent at a position between before and after;
// local write. Requires parent to be Root or a live Group, and before/after
// (if given) to already be children of parent; returns false, changing
// nothing, when a requirement is not met.
func Move(s *Store, clk *clock.Clock, rng *rand.Rand, id Id, parent Id, before, after *Id) bool {
	if parent != Root {
		p, ok := s.live[parent]
		if !ok || p.Ty != TypeGroup {
			return false
		}
	}
	f, ok := s.live[id]
	if !ok {
		return false
	}

	var loIdx, hiIdx fracidx.Idx
	if before != nil {
		bf, ok := s.live[*before]
		if !ok || bf.At() == nil || bf.At().Parent != parent {
			return false
		}
		loIdx = bf.At().Idx
	}
	if after != nil {
		af, ok := s.live[*after]
		if !ok || af.At() == nil || af.At().Parent != parent {
			return false
		}
		hiIdx = af.At().Idx
	}
	idx := fracidx.Between(loIdx, hiIdx, rng)

	ts := clk.Tick()
	at := &At{Parent: parent, Idx: idx}
	prev, displaced := f.at.Merge(at, ts)
	if displaced {
		s.detachFromParentOrder(id, prev)
		s.attachToParentOrder(id, at)
	}
	s.dirty = true
	s.recomputeLinear()
	return true
}

// Delete marks id dead, detaching it from the tree irreversibly; local write.
func Delete(s *Store, id Id) {
	if _, ok := s.live[id]; !ok {
		return
	}
	s.dead[id] = struct{}{}
	f := s.live[id]
	delete(s.live, id)
	if f.Ty == TypeGroup {
		delete(s.order, id)
	}
	s.detachFromParentOrder(id, f.At())
	s.dirty = true
	s.recomputeLinear()
}

// SetAttr writes a single attribute on a live feature; local write.
func SetAttr(s *Store, clk *clock.Clock, id Id, key attrstore.Key, value attrstore.Value) bool {
	f, ok := s.live[id]
	if !ok {
		return false
	}
	attrstore.Set(f.Attrs, clk, key, value)
	s.dirty = true
	return true
}

// SweepOrphans moves any feature that has been continuously orphaned
// (unreachable from Root, via a dead parent or a reparent cycle) across
// threshold consecutive sweeps into the dead set, resolving the reparent
// race without ever reaping a feature that was only transiently orphaned
// mid-merge (spec.md §4.6's orphan-reaping open question, decided in favor
// of a strike counter rather than reaping on first sight). Returns the ids
// reaped this call.
func (s *Store) SweepOrphans(threshold int) []Id {
	orphans := make(map[Id]struct{})
	for id, f := range s.live {
		if f.At() == nil {
			continue // never attached, not an orphan
		}
		if _, linear := s.linear[id]; !linear {
			orphans[id] = struct{}{}
		}
	}

	var reaped []Id
	for id, strikes := range s.orphanStrikes {
		if _, stillOrphan := orphans[id]; !stillOrphan {
			delete(s.orphanStrikes, id)
		}
		_ = strikes
	}
	for id := range orphans {
		s.orphanStrikes[id]++
		if s.orphanStrikes[id] >= threshold {
			reaped = append(reaped, id)
		}
	}

	if len(reaped) == 0 {
		return nil
	}
	sort.Slice(reaped, func(i, j int) bool { return clock.Instant(reaped[i]).Less(clock.Instant(reaped[j])) })
	for _, id := range reaped {
		f, ok := s.live[id]
		if !ok {
			continue
		}
		s.dead[id] = struct{}{}
		delete(s.live, id)
		delete(s.orphanStrikes, id)
		if f.Ty == TypeGroup {
			delete(s.order, id)
		}
		s.detachFromParentOrder(id, f.At())
	}
	s.dirty = true
	s.recomputeLinear()
	return reaped
}

// ResolveCollisions implements spec.md §4.2's collision-resolution rule: if
// merging has left two distinct ids sharing the same (parent, idx), the
// entry whose current position was authored by self is the "locally placed
// item" that must yield — it is rewritten to a fresh idx' = between(idx,
// next_sibling_idx?, rng), ticking the clock and overwriting its own at
// register so the corrective write is a normal, broadcastable delta. An
// entry authored by a different client is left untouched; that client's own
// replica is responsible for correcting its own side of the collision,
// which is what makes the rule commutative across replicas (spec.md §8
// scenario 4).
func (s *Store) ResolveCollisions(clk *clock.Clock, rng *rand.Rand, self clock.ClientId) []LiveEntry {
	// Detection is a pure read over the current order slices, kept separate
	// from correction below: insertOrder/removeOrder mutate a parent's order
	// slice (and its backing array) in place, so applying a fix while still
	// scanning the same slice would read back shifted, stale entries.
	type pending struct {
		id      Id
		parent  Id
		idx     fracidx.Idx
		nextIdx fracidx.Idx
		hasNext bool
	}
	var toFix []pending

	for parent, order := range s.order {
		i := 0
		for i < len(order) {
			j := i + 1
			for j < len(order) && order[j].idx.Compare(order[i].idx) == 0 {
				j++
			}
			if j-i >= 2 {
				hasNext := j < len(order)
				var nextIdx fracidx.Idx
				if hasNext {
					nextIdx = order[j].idx
				}
				for k := i; k < j; k++ {
					entry := order[k]
					f, ok := s.live[entry.id]
					if !ok || f.AtTs().Client != self {
						continue
					}
					toFix = append(toFix, pending{id: entry.id, parent: parent, idx: entry.idx, nextIdx: nextIdx, hasNext: hasNext})
				}
			}
			i = j
		}
	}

	var corrections []LiveEntry
	for _, p := range toFix {
		f, ok := s.live[p.id]
		if !ok {
			continue
		}
		var nextIdx fracidx.Idx
		if p.hasNext {
			nextIdx = p.nextIdx
		}

		newIdx := fracidx.Between(p.idx, nextIdx, rng)
		ts := clk.Tick()
		at := &At{Parent: p.parent, Idx: newIdx}
		prev, displaced := f.at.Merge(at, ts)
		if displaced {
			s.detachFromParentOrder(p.id, prev)
			s.attachToParentOrder(p.id, at)
		}
		corrections = append(corrections, LiveEntry{
			ID: p.id, Ty: f.Ty, HasAt: true, At: f.At(), AtTs: f.AtTs(),
		})
	}

	if len(corrections) > 0 {
		s.dirty = true
		s.recomputeLinear()
	}
	return corrections
}

// Save serializes dead ids and every live feature's full state, for the
// replica snapshot of spec.md §4.8.
func (s *Store) Save() (dead []Id, live []LiveEntry) {
	dead = make([]Id, 0, len(s.dead))
	for id := range s.dead {
		dead = append(dead, id)
	}
	sort.Slice(dead, func(i, j int) bool { return clock.Instant(dead[i]).Less(clock.Instant(dead[j])) })

	ids := make([]Id, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return clock.Instant(ids[i]).Less(clock.Instant(ids[j])) })

	live = make([]LiveEntry, 0, len(ids))
	for _, id := range ids {
		f := s.live[id]
		live = append(live, LiveEntry{
			ID:    id,
			Ty:    f.Ty,
			HasAt: !f.at.Ts().Equal(clock.Instant{}),
			At:    f.At(),
			AtTs:  f.at.Ts(),
			Attrs: f.Attrs.Save(),
		})
	}
	return dead, live
}

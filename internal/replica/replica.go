// Package replica bundles the clock and the four CRDT stores into the single
// mergeable unit a fan-out worker owns per map (spec.md §4.8).
package replica

import (
	"math/rand"
	"time"

	"github.com/dzfranklin/plantopo-sync/internal/attrstore"
	"github.com/dzfranklin/plantopo-sync/internal/awareness"
	"github.com/dzfranklin/plantopo-sync/internal/clock"
	"github.com/dzfranklin/plantopo-sync/internal/featurestore"
	"github.com/dzfranklin/plantopo-sync/internal/fracidx"
	"github.com/dzfranklin/plantopo-sync/internal/layerstore"
	"github.com/google/uuid"
)

// Delta is a value-level description of a batch mutation, used both on the
// wire and to move state between replicas (spec.md §3). Ts, when set, names
// the write this delta should be confirmed under once durably saved.
type Delta struct {
	Ts           *clock.Instant
	Aware        []awareness.Write
	Layers       []layerstore.RemoteLayer
	LiveFeatures []featurestore.LiveEntry
	DeadFeatures []featurestore.Id
	Attrs        []attrstore.Entry
}

// Empty reports whether the delta carries no mutations at all.
func (d Delta) Empty() bool {
	return len(d.Aware) == 0 && len(d.Layers) == 0 && len(d.LiveFeatures) == 0 &&
		len(d.DeadFeatures) == 0 && len(d.Attrs) == 0
}

// Client is a replica: the mutable state one fan-out worker owns for one map,
// not safe for concurrent use (spec.md §4.8).
type Client struct {
	ID    clock.ClientId
	MapID uuid.UUID
	rng   *rand.Rand

	Clock    *clock.Clock
	Features *featurestore.Store
	Layers   *layerstore.Store
	Attrs    *attrstore.Store
	Aware    *awareness.Store
}

// New creates a fresh replica for a newly observed map.
func New(id clock.ClientId, mapID uuid.UUID, rng *rand.Rand) *Client {
	return &Client{
		ID:       id,
		MapID:    mapID,
		rng:      rng,
		Clock:    clock.New(id),
		Features: featurestore.New(),
		Layers:   layerstore.New(),
		Attrs:    attrstore.New(),
		Aware:    awareness.New(id),
	}
}

// Now returns the replica's current logical instant.
func (c *Client) Now() clock.Instant { return c.Clock.Now() }

// Merge routes each component of an incoming delta into its store, ticks the
// clock once, then resolves any index collision the merge just introduced
// (spec.md §4.2): if two distinct ids now share a (parent, idx), the entry
// this replica itself last placed there is reassigned a fresh index so the
// duplicate can't persist. The returned delta carries those corrective
// writes, ready to broadcast like any other locally-originated change; it is
// empty if the merge introduced no collision.
func (c *Client) Merge(now time.Time, d Delta) Delta {
	if d.Ts != nil {
		c.Clock.Observe(*d.Ts)
	}
	c.Layers.Merge(c.Clock, d.Layers)
	c.Features.Merge(c.Clock, d.DeadFeatures, d.LiveFeatures)
	c.Attrs.Merge(c.Clock, d.Attrs)
	c.Aware.Merge(now, d.Aware)
	c.Clock.Tick()

	fixedFeatures := c.Features.ResolveCollisions(c.Clock, c.rng, c.ID)
	fixedLayers := c.Layers.ResolveCollisions(c.Clock, c.rng, c.ID)
	if len(fixedFeatures) == 0 && len(fixedLayers) == 0 {
		return Delta{}
	}
	return Delta{LiveFeatures: fixedFeatures, Layers: fixedLayers}
}

// neighborLayerIdx returns the fractional index a layer currently sits at, or nil
// if the layer is unknown or unplaced.
func (c *Client) neighborLayerIdx(id *layerstore.Id) fracidx.Idx {
	if id == nil {
		return nil
	}
	l := c.Layers.Get(*id)
	if l == nil {
		return nil
	}
	pos := l.Pos()
	if pos.Idx == nil {
		return nil
	}
	return *pos.Idx
}

// MoveLayer repositions layer id between before and after in the draw order
// (spec.md §4.5), creating it if unknown, applies the write locally, and
// returns the emitted delta.
func (c *Client) MoveLayer(id layerstore.Id, before, after *layerstore.Id) Delta {
	lo := c.neighborLayerIdx(before)
	hi := c.neighborLayerIdx(after)
	idx := fracidx.Between(lo, hi, c.rng)

	if c.Layers.Get(id) == nil {
		layerstore.Create(c.Layers, c.Clock, id, layerstore.Pos{Idx: &idx})
	} else {
		layerstore.Move(c.Layers, c.Clock, id, layerstore.Pos{Idx: &idx})
	}

	l := c.Layers.Get(id)
	return Delta{Layers: []layerstore.RemoteLayer{{ID: id, Pos: l.Pos(), PosTs: l.PosTs()}}}
}

// RemoveLayer detaches layer id from the visible order (spec.md §4.5).
func (c *Client) RemoveLayer(id layerstore.Id) Delta {
	if c.Layers.Get(id) == nil {
		return Delta{}
	}
	layerstore.Remove(c.Layers, c.Clock, id)
	l := c.Layers.Get(id)
	return Delta{Layers: []layerstore.RemoteLayer{{ID: id, Pos: l.Pos(), PosTs: l.PosTs()}}}
}

// SetLayerAttr writes a single layer attribute locally (spec.md §4.5).
func (c *Client) SetLayerAttr(id layerstore.Id, key attrstore.Key, value attrstore.Value) Delta {
	l := c.Layers.Get(id)
	if l == nil {
		return Delta{}
	}
	e := attrstore.Set(l.Attrs, c.Clock, key, value)
	return Delta{Layers: []layerstore.RemoteLayer{{ID: id, Attrs: []attrstore.Entry{e}}}}
}

// CreateFeature allocates a new, as-yet-unattached feature (spec.md §4.6).
func (c *Client) CreateFeature(ty featurestore.Type) featurestore.Id {
	return featurestore.Create(c.Features, c.Clock, ty)
}

// MoveFeature attaches feature id under parent between before and after
// (spec.md §4.6). Returns the emitted delta, or an empty delta if the move
// was rejected (unknown id, non-group parent, or mismatched siblings).
func (c *Client) MoveFeature(id, parent featurestore.Id, before, after *featurestore.Id) Delta {
	f := c.Features.Get(id)
	if f == nil {
		return Delta{}
	}
	if !featurestore.Move(c.Features, c.Clock, c.rng, id, parent, before, after) {
		return Delta{}
	}
	return Delta{LiveFeatures: []featurestore.LiveEntry{{
		ID: id, Ty: f.Ty, HasAt: true, At: f.At(), AtTs: f.AtTs(),
	}}}
}

// DeleteFeature marks feature id dead, irreversibly (spec.md §4.6).
func (c *Client) DeleteFeature(id featurestore.Id) Delta {
	if c.Features.Get(id) == nil {
		return Delta{}
	}
	featurestore.Delete(c.Features, id)
	return Delta{DeadFeatures: []featurestore.Id{id}}
}

// SetFeatureAttr writes a single feature attribute locally (spec.md §4.6).
func (c *Client) SetFeatureAttr(id featurestore.Id, key attrstore.Key, value attrstore.Value) Delta {
	f := c.Features.Get(id)
	if f == nil {
		return Delta{}
	}
	e := attrstore.Set(f.Attrs, c.Clock, key, value)
	return Delta{LiveFeatures: []featurestore.LiveEntry{{ID: id, Ty: f.Ty, Attrs: []attrstore.Entry{e}}}}
}

// SetAttr writes a single map-level attribute locally (spec.md §4.4).
func (c *Client) SetAttr(key attrstore.Key, value attrstore.Value) Delta {
	e := attrstore.Set(c.Attrs, c.Clock, key, value)
	return Delta{Attrs: []attrstore.Entry{e}}
}

// UpdateAware writes this client's own presence (spec.md §4.7).
func (c *Client) UpdateAware(now time.Time, a awareness.Aware) Delta {
	awareness.Update(c.Aware, now, a)
	return Delta{Aware: []awareness.Write{{Client: c.ID, Aware: &a}}}
}

// SweepOrphans reaps features that have stayed orphaned for threshold
// consecutive sweeps, returning a delta announcing their death (empty if
// nothing was reaped). Called periodically by the maintenance scheduler,
// never by a client-originated write (spec.md §4.6).
func (c *Client) SweepOrphans(threshold int) Delta {
	reaped := c.Features.SweepOrphans(threshold)
	if len(reaped) == 0 {
		return Delta{}
	}
	return Delta{DeadFeatures: reaped}
}

// Save serializes the entire replica as one delta, for persistence or for
// bootstrapping a newly joined peer (spec.md §4.8).
func (c *Client) Save() Delta {
	dead, live := c.Features.Save()
	return Delta{
		Aware:        c.Aware.Save(),
		Layers:       c.Layers.Save(),
		LiveFeatures: live,
		DeadFeatures: dead,
		Attrs:        c.Attrs.Save(),
	}
}

// Restore rebuilds a replica from a previously saved snapshot.
func Restore(id clock.ClientId, mapID uuid.UUID, rng *rand.Rand, counter uint64, snapshot Delta) *Client {
	c := New(id, mapID, rng)
	c.Clock = clock.Restore(id, counter)
	// A saved snapshot was already collision-free when it was written; any
	// corrective delta here would have no peer connection to broadcast to.
	c.Merge(time.Now(), snapshot)
	return c
}

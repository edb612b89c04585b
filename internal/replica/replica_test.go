package replica

import (
	"math/rand"
	"testing"
	"time"

	"github.com/dzfranklin/plantopo-sync/internal/attrstore"
	"github.com/dzfranklin/plantopo-sync/internal/awareness"
	"github.com/dzfranklin/plantopo-sync/internal/clock"
	"github.com/dzfranklin/plantopo-sync/internal/featurestore"
	"github.com/dzfranklin/plantopo-sync/internal/fracidx"
	"github.com/dzfranklin/plantopo-sync/internal/layerstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(suffix uint64) *Client {
	id := clock.NewClientId(1, suffix)
	return New(id, uuid.New(), rand.New(rand.NewSource(int64(suffix))))
}

func TestLocalFeatureLifecycleRoundTripsThroughMerge(t *testing.T) {
	writer := newTestClient(1)
	reader := newTestClient(2)

	id := writer.CreateFeature(featurestore.TypePoint)
	d1 := writer.MoveFeature(id, featurestore.Root, nil, nil)
	require.False(t, d1.Empty())
	d2 := writer.SetFeatureAttr(id, "name", attrstore.StringValue("trig point"))

	reader.Merge(time.Now(), d1)
	reader.Merge(time.Now(), d2)

	f := reader.Features.Get(id)
	require.NotNil(t, f)
	assert.Equal(t, attrstore.StringValue("trig point"), f.Attrs.Get("name"))
	_, linear := reader.Features.LinearIdx(id)
	assert.True(t, linear)
}

func TestSaveRestoreConvergesWithLive(t *testing.T) {
	writer := newTestClient(1)
	id := writer.CreateFeature(featurestore.TypeGroup)
	writer.MoveFeature(id, featurestore.Root, nil, nil)
	writer.SetFeatureAttr(id, "name", attrstore.StringValue("huts"))

	layerID := layerstore.Id(uuid.New())
	writer.MoveLayer(layerID, nil, nil)
	writer.SetAttr("title", attrstore.StringValue("Cairngorms"))
	writer.UpdateAware(time.Now(), awareness.Aware{IsServer: false})

	snapshot := writer.Save()

	restored := Restore(clock.NewClientId(1, 9), writer.MapID, rand.New(rand.NewSource(9)), 0, snapshot)

	assert.Equal(t, attrstore.StringValue("huts"), restored.Features.Get(id).Attrs.Get("name"))
	assert.Equal(t, attrstore.StringValue("Cairngorms"), restored.Attrs.Get("title"))
	assert.NotNil(t, restored.Layers.Get(layerID))
}

func TestMergeAdvancesClockPastObservedTimestamp(t *testing.T) {
	writer := newTestClient(1)
	reader := newTestClient(2)

	d := writer.SetAttr("name", attrstore.StringValue("v1"))
	before := reader.Now()
	reader.Merge(time.Now(), d)
	assert.True(t, reader.Now().Counter > before.Counter)
}

func TestSweepOrphansEmitsDeathDelta(t *testing.T) {
	c := newTestClient(1)
	group := c.CreateFeature(featurestore.TypeGroup)
	c.MoveFeature(group, featurestore.Root, nil, nil)
	child := c.CreateFeature(featurestore.TypePoint)
	c.MoveFeature(child, group, nil, nil)
	c.DeleteFeature(group)

	assert.True(t, c.SweepOrphans(2).Empty())
	d := c.SweepOrphans(2)
	require.False(t, d.Empty())
	assert.Equal(t, []featurestore.Id{child}, d.DeadFeatures)
}

// TestMergeResolvesIndexCollision is the end-to-end version of spec.md §8
// scenario 4 ("Index collision") at the replica level: a merge that leaves
// two distinct feature ids sharing the same (parent, idx) produces a
// corrective delta for the entry this replica itself authored, rewriting it
// to a fresh idx, and leaves the other replica's entry untouched.
func TestMergeResolvesIndexCollision(t *testing.T) {
	self := clock.NewClientId(1, 1)
	peer := clock.NewClientId(1, 2)
	c := New(self, uuid.New(), rand.New(rand.NewSource(1)))

	collidingIdx := fracidx.Idx("O")
	selfFeature := featurestore.Id(clock.Instant{Counter: 1, Client: self})
	peerFeature := featurestore.Id(clock.Instant{Counter: 1, Client: peer})

	d := Delta{
		LiveFeatures: []featurestore.LiveEntry{
			{ID: selfFeature, Ty: featurestore.TypePoint, HasAt: true,
				At: &featurestore.At{Parent: featurestore.Root, Idx: collidingIdx}, AtTs: clock.Instant{Counter: 2, Client: self}},
			{ID: peerFeature, Ty: featurestore.TypePoint, HasAt: true,
				At: &featurestore.At{Parent: featurestore.Root, Idx: collidingIdx}, AtTs: clock.Instant{Counter: 2, Client: peer}},
		},
	}

	corrective := c.Merge(time.Now(), d)
	require.False(t, corrective.Empty())
	require.Len(t, corrective.LiveFeatures, 1)
	assert.Equal(t, selfFeature, corrective.LiveFeatures[0].ID)

	assert.NotEqual(t, collidingIdx, c.Features.Get(selfFeature).At().Idx, "self's entry was rewritten")
	assert.Equal(t, collidingIdx, c.Features.Get(peerFeature).At().Idx, "the peer's entry is left for its own replica to fix")
}

func TestMoveFeatureRejectsNonGroupParent(t *testing.T) {
	c := newTestClient(1)
	parent := c.CreateFeature(featurestore.TypePoint)
	c.MoveFeature(parent, featurestore.Root, nil, nil)
	child := c.CreateFeature(featurestore.TypePoint)

	d := c.MoveFeature(child, parent, nil, nil)
	assert.True(t, d.Empty())
}

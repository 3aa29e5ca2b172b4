package store

import (
	"testing"
	"time"

	"github.com/geomesh-network/geomesh/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func mustLoc(t *testing.T, lat, lon float64) model.GpsLocation {
	t.Helper()
	loc, err := model.NewGpsLocation(lat, lon)
	require.NoError(t, err)
	return loc
}

func entry(id string, lat, lon float64, relation model.NodeRelationType) model.NodeDbEntry {
	return model.NodeDbEntry{
		Info: model.NodeInfo{
			Profile: model.NodeProfile{
				Id:      model.NodeId(id),
				Contact: model.NetworkEndpoint{Address: "127.0.0.1", Port: 6666},
			},
			Location: model.GpsLocation{Latitude: lat, Longitude: lon},
		},
		Relation: relation,
		Role:     model.RoleAcceptor,
	}
}

func newTestStore(t *testing.T) *Store {
	self := model.NodeInfo{
		Profile:  model.NodeProfile{Id: "self", Contact: model.NetworkEndpoint{Address: "127.0.0.1", Port: 1234}},
		Location: mustLoc(t, 0, 0),
	}
	return New(self, &fakeClock{now: time.Unix(0, 0)}, nil)
}

func TestStoreSelfNeverExpires(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, model.NodeId("self"), s.Self().Profile.Id)
	assert.Equal(t, 1, s.GetNodeCount(nil))
}

func TestStoreStoreAndLoad(t *testing.T) {
	s := newTestStore(t)
	e := entry("a", 1, 1, model.RelationColleague)
	require.NoError(t, s.Store(e, true))

	got, ok := s.Load("a")
	require.True(t, ok)
	assert.Equal(t, e.Info, got.Info)

	err := s.Store(e, true)
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
}

func TestStoreUpdateUnknown(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(entry("missing", 0, 0, model.RelationColleague), true)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStoreRemove(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store(entry("a", 1, 1, model.RelationColleague), true))
	require.NoError(t, s.Remove("a"))
	_, ok := s.Load("a")
	assert.False(t, ok)
	assert.ErrorIs(t, s.Remove("a"), model.ErrNotFound)
}

func TestStoreExpireOldNodes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	self := model.NodeInfo{
		Profile:  model.NodeProfile{Id: "self", Contact: model.NetworkEndpoint{Address: "127.0.0.1", Port: 1234}},
		Location: mustLoc(t, 0, 0),
	}
	s := New(self, clock, nil)
	require.NoError(t, s.Store(entry("a", 1, 1, model.RelationColleague), true))

	clock.now = clock.now.Add(48 * time.Hour)
	expired := s.ExpireOldNodes()
	assert.Equal(t, []model.NodeId{"a"}, expired)
	assert.Equal(t, 1, s.GetNodeCount(nil)) // only self remains
}

func TestStoreGetClosestNodesOrderedAndTieBroken(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store(entry("b", 10, 0, model.RelationColleague), true))
	require.NoError(t, s.Store(entry("a", 10, 0, model.RelationColleague), true)) // same distance as b, tie broken by id

	closest := s.GetClosestNodes(mustLoc(t, 0, 0), 1e9, 10, true)
	require.Len(t, closest, 2)
	assert.Equal(t, model.NodeId("a"), closest[0].Id())
	assert.Equal(t, model.NodeId("b"), closest[1].Id())
}

func TestStoreGetClosestNodesExcludesNeighborsWhenNotIncluded(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store(entry("n", 1, 0, model.RelationNeighbor), true))
	require.NoError(t, s.Store(entry("c", 5, 0, model.RelationColleague), true))

	closest := s.GetClosestNodes(mustLoc(t, 0, 0), 1e9, 10, false)
	require.Len(t, closest, 1)
	assert.Equal(t, model.NodeId("c"), closest[0].Id())
}

func TestStoreGetNeighbourNodesByDistance(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store(entry("far", 20, 0, model.RelationNeighbor), true))
	require.NoError(t, s.Store(entry("near", 5, 0, model.RelationNeighbor), true))

	nbrs := s.GetNeighbourNodesByDistance()
	require.Len(t, nbrs, 2)
	assert.Equal(t, model.NodeId("near"), nbrs[0].Id())
	assert.Equal(t, model.NodeId("far"), nbrs[1].Id())
}

func TestStoreGetRandomNodesRespectsMaxCount(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Store(entry(string(rune('a'+i)), float64(i), 0, model.RelationColleague), true))
	}
	got := s.GetRandomNodes(3, true)
	assert.Len(t, got, 3)
}

func TestStoreChangeListenerNotified(t *testing.T) {
	s := newTestStore(t)
	var got []Change
	s.AddListener("sess-1", ChangeListenerFunc(func(c Change) { got = append(got, c) }))

	require.NoError(t, s.Store(entry("a", 1, 1, model.RelationColleague), true))
	require.NoError(t, s.Remove("a"))

	require.Len(t, got, 2)
	assert.Equal(t, ChangeStored, got[0].Kind)
	assert.Equal(t, ChangeRemoved, got[1].Kind)

	s.RemoveListener("sess-1")
	require.NoError(t, s.Store(entry("b", 2, 2, model.RelationColleague), true))
	assert.Len(t, got, 2) // unchanged after removal
}

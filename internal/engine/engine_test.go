package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/geomesh-network/geomesh/internal/config"
	"github.com/geomesh-network/geomesh/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConnectionFactory resolves NetworkEndpoint -> *Engine directly,
// letting tests wire up a small in-process mesh of engines without any
// real networking, mirroring how the teacher's service tests drive
// components through channels instead of sockets.
type fakeConnectionFactory struct {
	byContact map[model.NetworkEndpoint]*Engine
}

func newFakeFactory() *fakeConnectionFactory {
	return &fakeConnectionFactory{byContact: make(map[model.NetworkEndpoint]*Engine)}
}

func (f *fakeConnectionFactory) register(e *Engine) {
	f.byContact[e.Self().Profile.Contact] = e
}

func (f *fakeConnectionFactory) Connect(ctx context.Context, endpoint model.NetworkEndpoint) (Connection, error) {
	target, ok := f.byContact[endpoint]
	if !ok {
		return Connection{}, model.ErrConnection
	}
	return Connection{Remote: &localRemote{engine: target}, Close: func() error { return nil }}, nil
}

// localRemote adapts an *Engine's Serve* methods to the RemoteNode
// interface, as if reached over a session with no observed-address
// rewriting (tests don't exercise NAT).
type localRemote struct{ engine *Engine }

func (r *localRemote) AcceptColleague(ctx context.Context, local model.NodeInfo) (bool, model.NodeInfo, error) {
	accepted, self := r.engine.ServeAcceptColleague(ctx, local, "")
	return accepted, self, nil
}
func (r *localRemote) RenewColleague(ctx context.Context, local model.NodeInfo) (bool, model.NodeInfo, error) {
	accepted, self := r.engine.ServeRenewColleague(ctx, local, "")
	return accepted, self, nil
}
func (r *localRemote) AcceptNeighbour(ctx context.Context, local model.NodeInfo) (bool, model.NodeInfo, error) {
	accepted, self := r.engine.ServeAcceptNeighbour(ctx, local, "")
	return accepted, self, nil
}
func (r *localRemote) RenewNeighbour(ctx context.Context, local model.NodeInfo) (bool, model.NodeInfo, error) {
	accepted, self := r.engine.ServeRenewNeighbour(ctx, local, "")
	return accepted, self, nil
}
func (r *localRemote) GetNodeCount(ctx context.Context, relation *model.NodeRelationType) (int, error) {
	return r.engine.GetNodeCount(relation), nil
}
func (r *localRemote) GetRandomNodes(ctx context.Context, maxCount int, neighboursIncluded bool) ([]model.NodeInfo, error) {
	return r.engine.GetRandomNodes(maxCount, neighboursIncluded), nil
}
func (r *localRemote) GetClosestNodesByDistance(ctx context.Context, point model.GpsLocation, maxRadiusKm float64, maxCount int, neighboursIncluded bool) ([]model.NodeInfo, error) {
	return r.engine.GetClosestNodesByDistance(point, maxRadiusKm, maxCount, neighboursIncluded), nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestEngine(t *testing.T, id string, lat, lon float64, port int, seeds []model.NetworkEndpoint, factory *fakeConnectionFactory) *Engine {
	t.Helper()
	loc, err := model.NewGpsLocation(lat, lon)
	require.NoError(t, err)
	cfg := &config.Config{
		Self: model.NodeInfo{
			Profile:  model.NodeProfile{Id: model.NodeId(id), Contact: model.NetworkEndpoint{Address: "127.0.0.1", Port: port}},
			Location: loc,
		},
		ListenOn: model.NetworkEndpoint{Address: "127.0.0.1", Port: port},
		Seeds:    seeds,
		Params:   config.Defaults(),
	}
	e := New(cfg, &fakeClock{now: time.Unix(0, 0)}, factory, nil, nil)
	factory.register(e)
	return e
}

func TestEngineSafeStoreNodeColleagueAdmission(t *testing.T) {
	factory := newFakeFactory()
	a := newTestEngine(t, "a", 0, 0, 1, nil, factory)
	b := newTestEngine(t, "b", 0, 10, 2, nil, factory) // far enough apart not to overlap bubbles

	ok := a.SafeStoreNode(context.Background(), b.Self(), model.RelationColleague, model.RoleInitiator)
	assert.True(t, ok)
	_, found := a.store.Load(b.Self().Profile.Id)
	assert.True(t, found)
}

func TestEngineSafeStoreNodeRejectsSelf(t *testing.T) {
	factory := newFakeFactory()
	a := newTestEngine(t, "a", 0, 0, 1, nil, factory)
	ok := a.SafeStoreNode(context.Background(), a.Self(), model.RelationColleague, model.RoleAcceptor)
	assert.False(t, ok)
}

func TestEngineNeighborCapDisplacement(t *testing.T) {
	factory := newFakeFactory()
	a := newTestEngine(t, "a", 0, 0, 1, nil, factory)
	a.params.SetNeighborhoodMaxNodes(1)

	far := newTestEngine(t, "far", 10, 0, 2, nil, factory)
	near := newTestEngine(t, "near", 1, 0, 3, nil, factory)

	require.True(t, a.SafeStoreNode(context.Background(), far.Self(), model.RelationNeighbor, model.RoleAcceptor))
	require.True(t, a.SafeStoreNode(context.Background(), near.Self(), model.RelationNeighbor, model.RoleAcceptor))

	_, stillHasFar := a.store.Load(far.Self().Profile.Id)
	assert.False(t, stillHasFar, "farther neighbor should have been evicted")
	_, hasNear := a.store.Load(near.Self().Profile.Id)
	assert.True(t, hasNear)
	assert.Equal(t, 1, a.GetNodeCount(relationPtr(model.RelationNeighbor)))
}

func TestEngineNeighborCapRejectsWhenNotCloser(t *testing.T) {
	factory := newFakeFactory()
	a := newTestEngine(t, "a", 0, 0, 1, nil, factory)
	a.params.SetNeighborhoodMaxNodes(1)

	near := newTestEngine(t, "near", 1, 0, 2, nil, factory)
	far := newTestEngine(t, "far", 10, 0, 3, nil, factory)

	require.True(t, a.SafeStoreNode(context.Background(), near.Self(), model.RelationNeighbor, model.RoleAcceptor))
	assert.False(t, a.SafeStoreNode(context.Background(), far.Self(), model.RelationNeighbor, model.RoleAcceptor))
}

func TestEngineRenewDeniesOnLocationMismatch(t *testing.T) {
	factory := newFakeFactory()
	a := newTestEngine(t, "a", 0, 0, 1, nil, factory)
	b := newTestEngine(t, "b", 0, 10, 2, nil, factory)

	require.True(t, a.SafeStoreNode(context.Background(), b.Self(), model.RelationColleague, model.RoleAcceptor))

	moved := b.Self()
	moved.Location.Latitude = 5
	ok, _ := a.ServeRenewColleague(context.Background(), moved, "")
	assert.False(t, ok)
}

func TestEngineRenewAcceptsOnLocationMatch(t *testing.T) {
	factory := newFakeFactory()
	a := newTestEngine(t, "a", 0, 0, 1, nil, factory)
	b := newTestEngine(t, "b", 0, 10, 2, nil, factory)

	require.True(t, a.SafeStoreNode(context.Background(), b.Self(), model.RelationColleague, model.RoleAcceptor))

	ok, selfInfo := a.ServeRenewColleague(context.Background(), b.Self(), "")
	assert.True(t, ok)
	assert.Equal(t, a.Self().Profile.Id, selfInfo.Profile.Id)
}

func TestEngineBootstrapSkipsWhenSelfIsSeed(t *testing.T) {
	factory := newFakeFactory()
	self := model.NetworkEndpoint{Address: "127.0.0.1", Port: 1}
	a := newTestEngine(t, "a", 0, 0, 1, []model.NetworkEndpoint{self}, factory)
	err := a.Bootstrap(context.Background())
	assert.NoError(t, err)
}

// TestEngineBootstrapUsesReachableSeedWhenSelfAlsoListed covers a seed
// list that includes the local node's own contact alongside a reachable
// seed. Bootstrap must still succeed through the reachable seed rather
// than short-circuiting just because the local node is also in the list
// (original_source/src/locnet.cpp's DiscoverWorld only treats "am I a
// seed" as relevant once every seed has been tried and failed).
func TestEngineBootstrapUsesReachableSeedWhenSelfAlsoListed(t *testing.T) {
	factory := newFakeFactory()
	self := model.NetworkEndpoint{Address: "127.0.0.1", Port: 1}
	a := newTestEngine(t, "a", 0, 0, 1, []model.NetworkEndpoint{self}, factory)

	seed := newTestEngine(t, "seed", 0, 10, 2, nil, factory)
	for i := 0; i < 3; i++ {
		peer := newTestEngine(t, fmt.Sprintf("peer%d", i), 0, 30+20*float64(i), 3+i, nil, factory)
		require.True(t, seed.SafeStoreNode(context.Background(), peer.Self(), model.RelationColleague, model.RoleAcceptor))
	}

	a.cfg.Seeds = []model.NetworkEndpoint{self, seed.Self().Profile.Contact}

	err := a.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Greater(t, a.GetNodeCount(nil), 0, "bootstrap should have admitted peers learned from the reachable seed")
}

func TestEngineServiceRegistry(t *testing.T) {
	factory := newFakeFactory()
	a := newTestEngine(t, "a", 0, 0, 1, nil, factory)

	profile := model.ServiceProfile{Id: "svc", Contact: model.NetworkEndpoint{Address: "127.0.0.1", Port: 9999}}
	require.NoError(t, a.RegisterService(model.ServiceRelay, profile))
	assert.ErrorIs(t, a.RegisterService(model.ServiceRelay, profile), model.ErrBadRequest)

	services := a.GetServices()
	assert.Equal(t, profile, services[model.ServiceRelay])

	require.NoError(t, a.DeregisterService(model.ServiceRelay))
	assert.ErrorIs(t, a.DeregisterService(model.ServiceRelay), model.ErrBadRequest)
}

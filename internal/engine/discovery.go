package engine

import (
	"context"

	"github.com/geomesh-network/geomesh/internal/geo"
	"github.com/geomesh-network/geomesh/internal/model"

	"github.com/go-kit/kit/log/level"
)

// DiscoverNeighbourhood implements spec.md §4.3.2: find the closest
// known node to the local location, walk toward the true closest node
// by repeatedly asking each hop for its own closest node until the
// answer stabilizes, then breadth-first expand the neighbor candidate
// set from there.
func (e *Engine) DiscoverNeighbourhood(ctx context.Context) error {
	self := e.store.Self()

	closest, ok := e.closestKnownNode(self.Location)
	if !ok {
		return nil // nothing known yet; bootstrap hasn't run or found peers
	}

	for {
		conn, err := e.connFactory.Connect(ctx, closest.Info.Profile.Contact)
		if err != nil {
			break
		}
		next, err := conn.Remote.GetClosestNodesByDistance(ctx, self.Location, maxRadiusKm, 1, true)
		conn.Close()
		if err != nil || len(next) == 0 {
			break
		}
		// A peer never lists itself, so the walk stops once the answer is
		// the local node or is no closer to it than the current hop.
		if next[0].Profile.Id == closest.Id() || next[0].Profile.Id == self.Profile.Id ||
			geo.DistanceKm(self.Location, next[0].Location) >= geo.DistanceKm(self.Location, closest.Info.Location) {
			break // fixed point reached
		}
		closest = model.NodeDbEntry{Info: next[0]}
	}

	params := e.params.Snapshot()
	queue := []model.NodeInfo{closest.Info}
	queried := map[model.NodeId]bool{}

	for len(queue) > 0 && e.store.GetNodeCount(relationPtr(model.RelationNeighbor)) < params.NeighborhoodMaxNodes {
		candidate := queue[0]
		queue = queue[1:]
		if queried[candidate.Profile.Id] || candidate.Profile.Id == self.Profile.Id {
			continue
		}
		queried[candidate.Profile.Id] = true

		if !e.SafeStoreNode(ctx, candidate, model.RelationNeighbor, model.RoleInitiator) {
			continue
		}

		conn, err := e.connFactory.Connect(ctx, candidate.Profile.Contact)
		if err != nil {
			continue
		}
		more, err := conn.Remote.GetClosestNodesByDistance(ctx, self.Location, maxRadiusKm, params.InitNeighbourhoodQueryNodeCount, true)
		conn.Close()
		if err != nil {
			continue
		}
		queue = append(queue, more...)
	}

	level.Info(e.logger).Log("msg", "neighborhood discovery complete", "neighbors", e.store.GetNodeCount(relationPtr(model.RelationNeighbor)))
	return nil
}

const maxRadiusKm = 1 << 30

func (e *Engine) closestKnownNode(point model.GpsLocation) (model.NodeDbEntry, bool) {
	nodes := e.store.GetClosestNodes(point, maxRadiusKm, 1, true)
	if len(nodes) == 0 {
		return model.NodeDbEntry{}, false
	}
	return nodes[0], true
}

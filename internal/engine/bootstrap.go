package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/geomesh-network/geomesh/internal/model"

	"github.com/go-kit/kit/log/level"
)

// Bootstrap implements spec.md §4.3.1's world-discovery algorithm: try
// seed endpoints in random order until one yields a usable view of the
// world, then drain the candidate list into colleague admissions until
// the fill target is met (expanding the candidate pool by querying
// already-admitted peers as it goes).
func (e *Engine) Bootstrap(ctx context.Context) error {
	self := e.store.Self()

	remaining := append([]model.NetworkEndpoint(nil), e.cfg.Seeds...)
	rand.Shuffle(len(remaining), func(i, j int) { remaining[i], remaining[j] = remaining[j], remaining[i] })

	params := e.params.Snapshot()

	var candidates []model.NodeInfo
	var seedNodeCount int
	var found bool

	for len(remaining) > 0 {
		seed := remaining[0]
		remaining = remaining[1:]

		conn, err := e.connFactory.Connect(ctx, seed)
		if err != nil {
			level.Debug(e.logger).Log("msg", "bootstrap seed unreachable", "seed", seed, "err", err)
			continue
		}

		count, err := conn.Remote.GetNodeCount(ctx, nil)
		if err != nil {
			conn.Close()
			continue
		}
		want := params.InitWorldRandomNodeCount
		if count < want {
			want = count
		}
		nodes, err := conn.Remote.GetRandomNodes(ctx, want, false)
		conn.Close()
		if err != nil {
			continue
		}
		if count <= 0 || len(nodes) == 0 {
			continue
		}

		seedNodeCount = count
		candidates = nodes

		// The seed's node id and location aren't known until it responds
		// to an Accept* call; admitUnknownPeer learns them from that
		// response before running the usual local admission check.
		if !e.admitUnknownPeer(ctx, seed, model.RelationNeighbor) {
			e.admitUnknownPeer(ctx, seed, model.RelationColleague)
		}

		found = true
		break
	}

	if !found {
		// All seeds were tried and none answered. This is still a normal
		// outcome if the local node is itself one of the seeds: it may
		// simply be the first node of the whole network, with no peer yet
		// alive to answer it (original_source/src/locnet.cpp's
		// DiscoverWorld, post-loop self-seed check).
		for _, s := range e.cfg.Seeds {
			if s == self.Profile.Contact {
				level.Info(e.logger).Log("msg", "all seeds unreachable, but local node is itself a seed: treating as first node")
				return nil
			}
		}
		return fmt.Errorf("%w: bootstrap exhausted all seeds", model.ErrConnection)
	}

	target := int(math.Ceil(params.InitWorldNodeFillTargetRate * float64(seedNodeCount)))
	admitted := 0

	for admitted < target {
		if len(candidates) == 0 {
			peers := e.store.GetRandomNodes(1, false)
			if len(peers) == 0 {
				return fmt.Errorf("%w: no known peers left to expand candidate pool", model.ErrConnection)
			}
			peer := peers[0]
			conn, err := e.connFactory.Connect(ctx, peer.Info.Profile.Contact)
			if err != nil {
				continue
			}
			more, err := conn.Remote.GetRandomNodes(ctx, params.InitWorldRandomNodeCount, false)
			conn.Close()
			if err != nil {
				continue
			}
			candidates = append(candidates, more...)
			if len(more) == 0 {
				continue
			}
		}

		candidate := candidates[0]
		candidates = candidates[1:]
		if e.SafeStoreNode(ctx, candidate, model.RelationColleague, model.RoleInitiator) {
			admitted++
		}
	}

	level.Info(e.logger).Log("msg", "bootstrap complete", "admitted_colleagues", admitted, "target", target)
	return nil
}

package engine

import (
	"context"
	"time"

	"github.com/geomesh-network/geomesh/internal/model"

	"github.com/go-kit/kit/log/level"
)

// Start launches the background maintenance tasks of spec.md §4.3.6 as
// goroutines on independent tickers, and attempts Bootstrap followed by
// DiscoverNeighbourhood once before returning. Stop must be called to
// release them.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Bootstrap(ctx); err != nil {
		level.Warn(e.logger).Log("msg", "bootstrap failed, retrying on reconnect ticker", "err", err)
		e.startReconnectTicker(ctx)
	} else if err := e.DiscoverNeighbourhood(ctx); err != nil {
		level.Warn(e.logger).Log("msg", "initial neighborhood discovery failed", "err", err)
	}

	params := e.params.Snapshot()
	e.startTicker(ctx, "renew_relations", params.RenewalPeriod, e.renewRelations)
	e.startTicker(ctx, "expire_old_nodes", params.DbMaintenancePeriod, e.expireOldNodes)
	e.startTicker(ctx, "discover_unknown_areas", params.DiscoveryPeriod, e.discoverUnknownAreas)
	return nil
}

// startReconnectTicker retries Bootstrap on a fixed backoff until it
// succeeds, implementing the "reconnect to seeds on startup failure"
// maintenance task (spec.md §4.3.6). Stops itself once bootstrap
// succeeds or the engine is stopped.
func (e *Engine) startReconnectTicker(ctx context.Context) {
	const retryPeriod = 30 * time.Second
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(retryPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.Bootstrap(ctx); err != nil {
					level.Debug(e.logger).Log("msg", "bootstrap retry failed", "err", err)
					continue
				}
				e.metrics.RecordMaintenanceRun("reconnect_to_seeds")
				if err := e.DiscoverNeighbourhood(ctx); err != nil {
					level.Warn(e.logger).Log("msg", "post-reconnect neighborhood discovery failed", "err", err)
				}
				return
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals every background goroutine to exit and waits for them.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) startTicker(ctx context.Context, task string, period time.Duration, run func(context.Context)) {
	if period <= 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				run(ctx)
				e.metrics.RecordMaintenanceRun(task)
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// renewRelations implements the "renew relations" maintenance task:
// for each colleague/neighbor, attempt a renew and remove the entry from
// the store at the first failed attempt. Failures are not counted across
// runs.
func (e *Engine) renewRelations(ctx context.Context) {
	self := e.store.Self()
	for _, relation := range []model.NodeRelationType{model.RelationColleague, model.RelationNeighbor} {
		for _, entry := range e.store.GetNodesByRelation(relation) {
			ok := e.renewOne(ctx, self, entry, relation)
			if !ok {
				if err := e.store.Remove(entry.Id()); err != nil {
					level.Debug(e.logger).Log("msg", "renewal-failure removal skipped", "node_id", entry.Id(), "err", err)
				}
			}
		}
	}
}

func (e *Engine) renewOne(ctx context.Context, self model.NodeInfo, entry model.NodeDbEntry, relation model.NodeRelationType) bool {
	conn, err := e.connFactory.Connect(ctx, entry.Info.Profile.Contact)
	if err != nil {
		return false
	}
	defer conn.Close()

	var accepted bool
	switch relation {
	case model.RelationColleague:
		accepted, _, err = conn.Remote.RenewColleague(ctx, self)
	case model.RelationNeighbor:
		accepted, _, err = conn.Remote.RenewNeighbour(ctx, self)
	}
	return err == nil && accepted
}

// expireOldNodes implements the "expire old nodes" maintenance task.
func (e *Engine) expireOldNodes(ctx context.Context) {
	expired := e.store.ExpireOldNodes()
	if len(expired) > 0 {
		level.Info(e.logger).Log("msg", "expired stale nodes", "count", len(expired))
	}
}

// discoverUnknownAreas implements the "discover unknown areas"
// maintenance task (SPEC_FULL.md §4.3): query a random known peer for
// nodes close to the local point and opportunistically admit closer
// neighbors among the results.
func (e *Engine) discoverUnknownAreas(ctx context.Context) {
	peers := e.store.GetRandomNodes(1, false)
	if len(peers) == 0 {
		return
	}
	peer := peers[0]

	conn, err := e.connFactory.Connect(ctx, peer.Info.Profile.Contact)
	if err != nil {
		return
	}
	defer conn.Close()

	self := e.store.Self()
	params := e.params.Snapshot()
	candidates, err := conn.Remote.GetClosestNodesByDistance(ctx, self.Location, maxRadiusKm, params.InitNeighbourhoodQueryNodeCount, true)
	if err != nil {
		return
	}
	for _, candidate := range candidates {
		e.SafeStoreNode(ctx, candidate, model.RelationNeighbor, model.RoleInitiator)
	}
}

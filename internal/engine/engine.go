// Package engine implements the overlay membership algorithms (spec.md
// §4.3): bootstrap/world discovery, neighborhood discovery, the
// SafeStoreNode admission contract, relation renewal, the service
// registry and background maintenance. It owns the spatial store
// exclusively; every other component reaches it only through Engine's
// exported methods.
//
// Grounded on the teacher's internal/node/node.go for overall shape
// (a struct wiring store/config/logger, Start/Stop lifecycle, a
// WaitGroup of background goroutines) and on
// original_source/src/locnet.cpp for the exact algorithms.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/geomesh-network/geomesh/internal/config"
	"github.com/geomesh-network/geomesh/internal/geo"
	"github.com/geomesh-network/geomesh/internal/metrics"
	"github.com/geomesh-network/geomesh/internal/model"
	"github.com/geomesh-network/geomesh/internal/store"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Engine is a single overlay node: the bootstrap/discovery/maintenance
// algorithms plus the spatial store and service registry they operate
// on.
type Engine struct {
	cfg     *config.Config
	params  *config.RuntimeParameters
	clock   config.Clock
	logger  log.Logger
	metrics *metrics.Collectors

	store       *store.Store
	connFactory ConnectionFactory

	svcMu    sync.Mutex
	services model.ServiceRegistry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Engine for cfg. The spatial store is created here,
// seeded with cfg.Self under relation Self, per spec.md §3's ownership
// and lifecycle invariants.
func New(cfg *config.Config, clock config.Clock, connFactory ConnectionFactory, logger log.Logger, mc *metrics.Collectors) *Engine {
	if clock == nil {
		clock = config.RealClock{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if mc == nil {
		mc = metrics.Nop()
	}
	return &Engine{
		cfg:         cfg,
		params:      cfg.Params,
		clock:       clock,
		logger:      logger,
		metrics:     mc,
		store:       store.New(cfg.Self, clock, mc),
		connFactory: connFactory,
		services:    make(model.ServiceRegistry),
		stopCh:      make(chan struct{}),
	}
}

// Self returns the local node's own identity and location.
func (e *Engine) Self() model.NodeInfo { return e.store.Self() }

// RegisterService implements spec.md §4.3.5.
func (e *Engine) RegisterService(t model.ServiceType, profile model.ServiceProfile) error {
	e.svcMu.Lock()
	defer e.svcMu.Unlock()
	if _, ok := e.services[t]; ok {
		return fmt.Errorf("%w: service type %s already registered", model.ErrBadRequest, t)
	}
	e.services[t] = profile
	return nil
}

// DeregisterService implements spec.md §4.3.5.
func (e *Engine) DeregisterService(t model.ServiceType) error {
	e.svcMu.Lock()
	defer e.svcMu.Unlock()
	if _, ok := e.services[t]; !ok {
		return fmt.Errorf("%w: service type %s not registered", model.ErrBadRequest, t)
	}
	delete(e.services, t)
	return nil
}

// GetServices returns a snapshot of the service registry.
func (e *Engine) GetServices() model.ServiceRegistry {
	e.svcMu.Lock()
	defer e.svcMu.Unlock()
	return e.services.Clone()
}

// GetNeighbourNodesByDistance returns every neighbor, nearest first.
func (e *Engine) GetNeighbourNodesByDistance() []model.NodeDbEntry {
	return e.store.GetNeighbourNodesByDistance()
}

// GetNodesByRelation returns every stored entry under the given
// relation, used by the topology snapshot to split colleagues from
// neighbors without exposing the raw store.
func (e *Engine) GetNodesByRelation(relation model.NodeRelationType) []model.NodeDbEntry {
	return e.store.GetNodesByRelation(relation)
}

// GetNodeCount returns the store's entry count, optionally filtered by
// relation.
func (e *Engine) GetNodeCount(relation *model.NodeRelationType) int {
	return e.store.GetNodeCount(relation)
}

// GetRandomNodes returns up to maxCount entries sampled without
// replacement as plain NodeInfo, the shape exposed over the wire.
func (e *Engine) GetRandomNodes(maxCount int, neighboursIncluded bool) []model.NodeInfo {
	entries := e.store.GetRandomNodes(maxCount, neighboursIncluded)
	return infosOf(entries)
}

// GetClosestNodesByDistance returns the closest entries to point as
// plain NodeInfo.
func (e *Engine) GetClosestNodesByDistance(point model.GpsLocation, maxRadiusKm float64, maxCount int, neighboursIncluded bool) []model.NodeInfo {
	entries := e.store.GetClosestNodes(point, maxRadiusKm, maxCount, neighboursIncluded)
	return infosOf(entries)
}

// AddChangeListener registers a spatial-store change listener under a
// session id, used by the dispatcher to implement keep-alive
// subscriptions (spec.md §4.5.1).
func (e *Engine) AddChangeListener(id model.SessionId, l store.ChangeListener) {
	e.store.AddListener(id, l)
}

// RemoveChangeListener deregisters a previously-added change listener.
func (e *Engine) RemoveChangeListener(id model.SessionId) {
	e.store.RemoveListener(id)
}

func infosOf(entries []model.NodeDbEntry) []model.NodeInfo {
	out := make([]model.NodeInfo, len(entries))
	for i, e := range entries {
		out[i] = e.Info
	}
	return out
}

// ServeAcceptColleague serves an inbound AcceptColleague request:
// admits the caller as a colleague under Acceptor role. observedAddr is
// the remote address the session actually saw the peer connect from
// (spec.md §9's out-of-band observed-IP parameter), stamped onto the
// stored contact instead of trusting the claimed one verbatim.
func (e *Engine) ServeAcceptColleague(ctx context.Context, node model.NodeInfo, observedAddr string) (bool, model.NodeInfo) {
	node.Profile.Contact = withObservedAddress(node.Profile.Contact, observedAddr)
	accepted := e.SafeStoreNode(ctx, node, model.RelationColleague, model.RoleAcceptor)
	return accepted, e.store.Self()
}

// ServeAcceptNeighbour mirrors ServeAcceptColleague for the Neighbor
// relation.
func (e *Engine) ServeAcceptNeighbour(ctx context.Context, node model.NodeInfo, observedAddr string) (bool, model.NodeInfo) {
	node.Profile.Contact = withObservedAddress(node.Profile.Contact, observedAddr)
	accepted := e.SafeStoreNode(ctx, node, model.RelationNeighbor, model.RoleAcceptor)
	return accepted, e.store.Self()
}

// ServeRenewColleague serves an inbound RenewColleague request (spec.md
// §4.3.4): accepted only if the id is known and its recorded location
// matches exactly.
func (e *Engine) ServeRenewColleague(ctx context.Context, node model.NodeInfo, observedAddr string) (bool, model.NodeInfo) {
	return e.serveRenew(node, observedAddr, model.RelationColleague)
}

// ServeRenewNeighbour mirrors ServeRenewColleague for the Neighbor
// relation.
func (e *Engine) ServeRenewNeighbour(ctx context.Context, node model.NodeInfo, observedAddr string) (bool, model.NodeInfo) {
	return e.serveRenew(node, observedAddr, model.RelationNeighbor)
}

func (e *Engine) serveRenew(node model.NodeInfo, observedAddr string, relation model.NodeRelationType) (bool, model.NodeInfo) {
	existing, ok := e.store.Load(node.Profile.Id)
	if !ok || existing.Relation != relation {
		return false, model.NodeInfo{}
	}
	if existing.Info.Location != node.Location {
		// Open question resolved conservatively (spec.md §9, DESIGN.md):
		// deny renewal on a moved node rather than re-running admission.
		level.Info(e.logger).Log("msg", "renewal denied: location mismatch", "node_id", node.Profile.Id)
		return false, model.NodeInfo{}
	}
	existing.Info.Profile.Contact = withObservedAddress(node.Profile.Contact, observedAddr)
	if err := e.store.Update(existing, true); err != nil {
		level.Error(e.logger).Log("msg", "renewal update failed", "node_id", node.Profile.Id, "err", err)
		return false, model.NodeInfo{}
	}
	return true, e.store.Self()
}

// UpdateAdvertisedAddress implements the client side of spec.md
// §4.5.2 point 3's public-address self-discovery: a peer we called
// outbound reported the address it saw us connect from, which the
// engine adopts as its own contact address once it differs from what's
// currently advertised. Wired as the ConnectionFactory's
// observed-address callback, mirroring Dispatcher.SetEngine.
func (e *Engine) UpdateAdvertisedAddress(observedAddr string) {
	if observedAddr == "" {
		return
	}
	self := e.store.Self()
	if self.Profile.Contact.Address == observedAddr {
		return
	}
	self.Profile.Contact.Address = observedAddr
	if err := e.store.Update(model.NodeDbEntry{Info: self, Relation: model.RelationSelf, Role: model.RoleAcceptor}, false); err != nil {
		level.Warn(e.logger).Log("msg", "failed to adopt peer-observed address", "observed_addr", observedAddr, "err", err)
		return
	}
	level.Info(e.logger).Log("msg", "adopted peer-observed address as own advertised contact", "address", observedAddr)
}

// withObservedAddress overrides a claimed endpoint's address with the
// address actually observed on the connection, keeping the claimed
// port (NAT'd setups commonly rewrite only the address).
func withObservedAddress(claimed model.NetworkEndpoint, observedAddr string) model.NetworkEndpoint {
	if observedAddr == "" {
		return claimed
	}
	return model.NetworkEndpoint{Address: observedAddr, Port: claimed.Port}
}

// SafeStoreNode implements spec.md §4.3.3: admit entry into the local
// store iff relation-specific admission passes and, when role is
// Initiator, the remote peer consents. Never propagates transport
// errors; logs and returns false instead.
func (e *Engine) SafeStoreNode(ctx context.Context, candidate model.NodeInfo, relation model.NodeRelationType, role model.NodeContactRoleType) bool {
	if candidate.Profile.Id == e.store.Self().Profile.Id {
		return false
	}

	switch relation {
	case model.RelationNeighbor:
		if !e.admitNeighbor(candidate) {
			e.metrics.RecordAdmission("neighbor", "rejected")
			return false
		}
	case model.RelationColleague:
		if e.bubbleOverlaps(candidate.Location) {
			e.metrics.RecordAdmission("colleague", "rejected")
			return false
		}
	default:
		return false
	}

	if role == model.RoleInitiator {
		if !e.requestRemoteConsent(ctx, candidate, relation) {
			e.metrics.RecordAdmission(relation.String(), "refused_by_peer")
			return false
		}
	}

	entry := model.NodeDbEntry{Info: candidate, Relation: relation, Role: role}
	if _, ok := e.store.Load(candidate.Profile.Id); ok {
		if err := e.store.Update(entry, true); err != nil {
			level.Warn(e.logger).Log("msg", "SafeStoreNode update failed", "node_id", candidate.Profile.Id, "err", err)
			e.metrics.RecordAdmission(relation.String(), "error")
			return false
		}
	} else if err := e.store.Store(entry, true); err != nil {
		level.Warn(e.logger).Log("msg", "SafeStoreNode store failed", "node_id", candidate.Profile.Id, "err", err)
		e.metrics.RecordAdmission(relation.String(), "error")
		return false
	}

	e.metrics.RecordAdmission(relation.String(), "accepted")
	return true
}

func (e *Engine) requestRemoteConsent(ctx context.Context, candidate model.NodeInfo, relation model.NodeRelationType) bool {
	conn, err := e.connFactory.Connect(ctx, candidate.Profile.Contact)
	if err != nil {
		level.Debug(e.logger).Log("msg", "connect for consent failed", "node_id", candidate.Profile.Id, "err", err)
		return false
	}
	defer conn.Close()

	var accepted bool
	switch relation {
	case model.RelationColleague:
		accepted, _, err = conn.Remote.AcceptColleague(ctx, e.store.Self())
	case model.RelationNeighbor:
		accepted, _, err = conn.Remote.AcceptNeighbour(ctx, e.store.Self())
	}
	if err != nil {
		level.Debug(e.logger).Log("msg", "remote consent request failed", "node_id", candidate.Profile.Id, "err", err)
		return false
	}
	return accepted
}

// admitNeighbor enforces the neighbor cap with displacement (spec.md §9
// REDESIGN FLAG, resolved: implemented). Returns whether candidate may
// proceed to be stored as a neighbor; if a farther neighbor must be
// evicted to make room it is removed here.
func (e *Engine) admitNeighbor(candidate model.NodeInfo) bool {
	maxNodes := e.params.Snapshot().NeighborhoodMaxNodes
	count := e.store.GetNodeCount(relationPtr(model.RelationNeighbor))
	if count < maxNodes {
		return true
	}

	neighbors := e.store.GetNeighbourNodesByDistance()
	if len(neighbors) == 0 {
		return false
	}
	farthest := neighbors[len(neighbors)-1]
	self := e.store.Self().Location
	if geo.DistanceKm(self, candidate.Location) >= geo.DistanceKm(self, farthest.Info.Location) {
		return false
	}
	if err := e.store.Remove(farthest.Id()); err != nil {
		level.Warn(e.logger).Log("msg", "neighbor displacement failed", "evicted", farthest.Id(), "err", err)
		return false
	}
	e.metrics.RecordNeighborDisplacement()
	level.Info(e.logger).Log("msg", "evicted farthest neighbor for closer candidate", "evicted", farthest.Id(), "candidate", candidate.Profile.Id)
	return true
}

// bubbleOverlaps implements the colleague admission predicate (spec.md
// §4.1): reject iff the bubble around the closest non-neighbor node and
// the bubble around the candidate overlap, each bubble sized by that
// point's distance from the local node.
func (e *Engine) bubbleOverlaps(candidate model.GpsLocation) bool {
	self := e.store.Self().Location
	closest, ok := e.store.ClosestNonNeighbor(candidate)
	if !ok {
		return false
	}
	params := e.params.Snapshot()
	bubbleClosest := geo.BubbleSizeKm(geo.DistanceKm(self, closest.Info.Location), params.Bubble)
	bubbleCandidate := geo.BubbleSizeKm(geo.DistanceKm(self, candidate), params.Bubble)
	return bubbleClosest+bubbleCandidate > geo.DistanceKm(closest.Info.Location, candidate)
}

func relationPtr(r model.NodeRelationType) *model.NodeRelationType { return &r }

// admitUnknownPeer handles the bootstrap-only case where a contact
// endpoint is known but the peer's node id and location are not yet:
// it asks for consent first (learning the peer's NodeInfo from the
// Accept* response), then runs the usual local admission check against
// the now-known location before committing to the store.
func (e *Engine) admitUnknownPeer(ctx context.Context, contact model.NetworkEndpoint, relation model.NodeRelationType) bool {
	conn, err := e.connFactory.Connect(ctx, contact)
	if err != nil {
		level.Debug(e.logger).Log("msg", "admitUnknownPeer connect failed", "contact", contact, "err", err)
		return false
	}
	defer conn.Close()

	var accepted bool
	var remote model.NodeInfo
	switch relation {
	case model.RelationNeighbor:
		accepted, remote, err = conn.Remote.AcceptNeighbour(ctx, e.store.Self())
	case model.RelationColleague:
		accepted, remote, err = conn.Remote.AcceptColleague(ctx, e.store.Self())
	default:
		return false
	}
	if err != nil || !accepted {
		return false
	}

	switch relation {
	case model.RelationNeighbor:
		if !e.admitNeighbor(remote) {
			return false
		}
	case model.RelationColleague:
		if e.bubbleOverlaps(remote.Location) {
			return false
		}
	}

	entry := model.NodeDbEntry{Info: remote, Relation: relation, Role: model.RoleInitiator}
	var storeErr error
	if _, ok := e.store.Load(remote.Profile.Id); ok {
		storeErr = e.store.Update(entry, true)
	} else {
		storeErr = e.store.Store(entry, true)
	}
	if storeErr != nil {
		level.Warn(e.logger).Log("msg", "admitUnknownPeer commit failed", "node_id", remote.Profile.Id, "err", storeErr)
		return false
	}
	e.metrics.RecordAdmission(relation.String(), "accepted")
	return true
}

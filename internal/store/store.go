// Package store implements the in-process spatial index of known peers
// (spec.md §4.2): a primary-key map of NodeDbEntry keyed by NodeId, with
// geodesic distance queries, random sampling, expiration and a
// change-listener registry that mirrors mutations to subscribed
// sessions.
//
// Grounded on the teacher's internal/spatial package for the overall
// shape (a struct guarded by one sync.RWMutex, query methods that copy
// data out rather than leak internal slices) and on
// original_source/src/spatialdb.hpp for the exact operation set.
package store

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/geomesh-network/geomesh/internal/config"
	"github.com/geomesh-network/geomesh/internal/geo"
	"github.com/geomesh-network/geomesh/internal/metrics"
	"github.com/geomesh-network/geomesh/internal/model"

	"sync"
)

// Store is the spatial index of known peers. The node engine is its
// sole owner; external components never touch it directly (spec.md §3
// ownership).
type Store struct {
	mu        sync.RWMutex
	entries   map[model.NodeId]model.NodeDbEntry
	listeners *listenerRegistry
	clock     config.Clock
	metrics   *metrics.Collectors
}

// New constructs an empty Store. self is stored immediately with
// relation Self and never expires, matching spec.md §3's lifecycle
// invariant.
func New(self model.NodeInfo, clock config.Clock, mc *metrics.Collectors) *Store {
	if clock == nil {
		clock = config.RealClock{}
	}
	if mc == nil {
		mc = metrics.Nop()
	}
	s := &Store{
		entries:   make(map[model.NodeId]model.NodeDbEntry),
		listeners: newListenerRegistry(),
		clock:     clock,
		metrics:   mc,
	}
	s.entries[self.Profile.Id] = model.NodeDbEntry{
		Info:     self,
		Relation: model.RelationSelf,
		Role:     model.RoleAcceptor,
		ExpiresAt: model.NodeExpiry{
			Expires: false,
		},
	}
	s.reportCounts()
	return s
}

// AddListener registers a change listener under a session id, replacing
// any previous listener for that id.
func (s *Store) AddListener(id model.SessionId, l ChangeListener) {
	s.listeners.Add(id, l)
}

// RemoveListener deregisters the listener for a session id. Idempotent.
func (s *Store) RemoveListener(id model.SessionId) {
	s.listeners.Remove(id)
}

// Self returns the local node's own entry.
func (s *Store) Self() model.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.Relation == model.RelationSelf {
			return e.Info
		}
	}
	// Unreachable: New always inserts the Self entry.
	return model.NodeInfo{}
}

// Store inserts a new entry. Fails with ErrAlreadyExists if the id is
// already present.
func (s *Store) Store(entry model.NodeDbEntry, expires bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.Id()]; ok {
		return fmt.Errorf("%w: node id %q", model.ErrAlreadyExists, entry.Id())
	}

	entry.ExpiresAt = s.expiryFor(expires)
	s.entries[entry.Id()] = entry
	s.listeners.notify(Change{Kind: ChangeStored, Entry: entry})
	s.reportCountsLocked()
	return nil
}

// Update replaces the entry for entry.Id(). Fails with ErrNotFound if
// absent. Relation and role may change via Update.
func (s *Store) Update(entry model.NodeDbEntry, expires bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[entry.Id()]
	if !ok {
		return fmt.Errorf("%w: node id %q", model.ErrNotFound, entry.Id())
	}

	if existing.Relation == model.RelationSelf {
		entry.Relation = model.RelationSelf
		entry.ExpiresAt = model.NodeExpiry{Expires: false}
	} else {
		entry.ExpiresAt = s.expiryFor(expires)
	}
	s.entries[entry.Id()] = entry
	s.listeners.notify(Change{Kind: ChangeUpdated, Entry: entry})
	s.reportCountsLocked()
	return nil
}

// Load looks up an entry by id.
func (s *Store) Load(id model.NodeId) (model.NodeDbEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Remove deletes an entry by id. Fails with ErrNotFound if absent.
func (s *Store) Remove(id model.NodeId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: node id %q", model.ErrNotFound, id)
	}
	delete(s.entries, id)
	s.listeners.notify(Change{Kind: ChangeRemoved, Entry: e})
	s.reportCountsLocked()
	return nil
}

// ExpireOldNodes evicts every entry whose expiration instant has
// passed, except Self, and returns the evicted ids.
func (s *Store) ExpireOldNodes() []model.NodeId {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []model.NodeId
	for id, e := range s.entries {
		if !e.ExpiresAt.Expires {
			continue
		}
		if e.ExpiresAt.At < now.UnixNano() {
			delete(s.entries, id)
			expired = append(expired, id)
			s.listeners.notify(Change{Kind: ChangeExpired, Entry: e})
		}
	}
	if len(expired) > 0 {
		s.reportCountsLocked()
	}
	return expired
}

// GetNodeCount returns the number of entries. If relation is non-nil,
// only entries with that relation are counted.
func (s *Store) GetNodeCount(relation *model.NodeRelationType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if relation == nil {
		return len(s.entries)
	}
	n := 0
	for _, e := range s.entries {
		if e.Relation == *relation {
			n++
		}
	}
	return n
}

// GetNeighbourNodesByDistance returns every Neighbor entry, sorted by
// ascending distance from the local node, ties broken by NodeId.
func (s *Store) GetNeighbourNodesByDistance() []model.NodeDbEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	self := s.selfLocked()
	var out []model.NodeDbEntry
	for _, e := range s.entries {
		if e.Relation == model.RelationNeighbor {
			out = append(out, e)
		}
	}
	sortByDistance(out, self)
	return out
}

// GetClosestNodes returns entries ordered by ascending distance from
// point, bounded by maxRadiusKm and maxCount, optionally excluding
// neighbors. Pass math.Inf(1) for maxRadiusKm and a very large maxCount
// to obtain the full ordering (P4).
func (s *Store) GetClosestNodes(point model.GpsLocation, maxRadiusKm float64, maxCount int, neighborsIncluded bool) []model.NodeDbEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []model.NodeDbEntry
	for _, e := range s.entries {
		if e.Relation == model.RelationSelf {
			continue
		}
		if !neighborsIncluded && e.Relation == model.RelationNeighbor {
			continue
		}
		if geo.DistanceKm(point, e.Info.Location) > maxRadiusKm {
			continue
		}
		candidates = append(candidates, e)
	}
	sortByDistance(candidates, point)
	if maxCount >= 0 && len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}
	return candidates
}

// GetRandomNodes returns up to maxCount entries sampled uniformly
// without replacement, optionally excluding neighbors.
func (s *Store) GetRandomNodes(maxCount int, neighborsIncluded bool) []model.NodeDbEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pool []model.NodeDbEntry
	for _, e := range s.entries {
		if e.Relation == model.RelationSelf {
			continue
		}
		if !neighborsIncluded && e.Relation == model.RelationNeighbor {
			continue
		}
		pool = append(pool, e)
	}

	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if maxCount >= 0 && len(pool) > maxCount {
		pool = pool[:maxCount]
	}
	return pool
}

// GetNodesByRole returns every entry with the given contact role.
func (s *Store) GetNodesByRole(role model.NodeContactRoleType) []model.NodeDbEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.NodeDbEntry
	for _, e := range s.entries {
		if e.Role == role {
			out = append(out, e)
		}
	}
	return out
}

// GetNodesByRelation returns every entry with the given relation.
func (s *Store) GetNodesByRelation(relation model.NodeRelationType) []model.NodeDbEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.NodeDbEntry
	for _, e := range s.entries {
		if e.Relation == relation {
			out = append(out, e)
		}
	}
	return out
}

// ClosestNonNeighbor returns the non-neighbor entry closest to point,
// used by the bubble-overlap admission predicate (geo package callers
// never see the store directly; the engine mediates).
func (s *Store) ClosestNonNeighbor(point model.GpsLocation) (model.NodeDbEntry, bool) {
	nodes := s.GetClosestNodes(point, maxRadius, 1, false)
	if len(nodes) == 0 {
		return model.NodeDbEntry{}, false
	}
	return nodes[0], true
}

const maxRadius = 1 << 30 // effectively unbounded for "closest, no matter the radius" queries

func (s *Store) selfLocked() model.GpsLocation {
	for _, e := range s.entries {
		if e.Relation == model.RelationSelf {
			return e.Info.Location
		}
	}
	return model.GpsLocation{}
}

func (s *Store) expiryFor(expires bool) model.NodeExpiry {
	if !expires {
		return model.NodeExpiry{Expires: false}
	}
	return model.NodeExpiry{Expires: true, At: s.clock.Now().Add(24 * time.Hour).UnixNano()}
}

func sortByDistance(entries []model.NodeDbEntry, from model.GpsLocation) {
	sort.Slice(entries, func(i, j int) bool {
		di := geo.DistanceKm(from, entries[i].Info.Location)
		dj := geo.DistanceKm(from, entries[j].Info.Location)
		if di != dj {
			return di < dj
		}
		return entries[i].Id() < entries[j].Id()
	})
}

func (s *Store) reportCounts() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.reportCountsLocked()
}

func (s *Store) reportCountsLocked() {
	var self, colleagues, neighbors int
	for _, e := range s.entries {
		switch e.Relation {
		case model.RelationSelf:
			self++
		case model.RelationColleague:
			colleagues++
		case model.RelationNeighbor:
			neighbors++
		}
	}
	s.metrics.SetStoreNodes("self", self)
	s.metrics.SetStoreNodes("colleague", colleagues)
	s.metrics.SetStoreNodes("neighbor", neighbors)
}

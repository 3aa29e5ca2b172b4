// Package topology renders a read-only view of one node's overlay
// membership for operational visibility: the colleague/neighbor graph
// as seen by the local Engine at one instant.
//
// Grounded on the teacher's internal/topology/mapper.go (a
// TopologyMapper wrapping a NodeProvider and exposing a point-in-time
// NetworkTopology snapshot), re-targeted from the teacher's
// discovery/spatial/barrier model onto engine.Engine and
// model.NodeDbEntry. Never mutates engine state; purely a query-side
// convenience (SPEC_FULL.md §4.6). No other package in this repository
// imports it: neither cmd/geomesh-ctl nor cmd/geomesh-node renders a
// Snapshot.
package topology

import (
	"fmt"
	"time"

	"github.com/geomesh-network/geomesh/internal/model"
)

// NodeProvider is the read-only slice of Engine that a Snapshot needs.
// Mirrors the teacher's NodeProvider interface: a narrow seam so this
// package depends on behavior, not the concrete Engine type.
type NodeProvider interface {
	Self() model.NodeInfo
	GetNodesByRelation(relation model.NodeRelationType) []model.NodeDbEntry
	GetServices() model.ServiceRegistry
}

// Snapshot is a point-in-time rendering of the local colleague/neighbor
// graph plus the services this node advertises.
type Snapshot struct {
	Self        model.NodeInfo         `json:"self"`
	Colleagues  []model.NodeDbEntry    `json:"colleagues"`
	Neighbors   []model.NodeDbEntry    `json:"neighbors"`
	Services    model.ServiceRegistry  `json:"services"`
	GeneratedAt time.Time              `json:"generated_at"`
}

// Mapper produces Snapshots on demand. Holds no state of its own beyond
// the provider it wraps, matching the teacher's TopologyMapper shape.
type Mapper struct {
	node NodeProvider
}

// NewMapper builds a Mapper over the given node.
func NewMapper(node NodeProvider) *Mapper {
	return &Mapper{node: node}
}

// Current renders the present colleague/neighbor/service state. Always
// succeeds; the teacher's error return existed for a spatial-config
// precondition that engine.Engine guarantees by construction (Self is
// seeded at Engine.New), so it is kept only for interface stability
// with code that may want to wrap this call with its own failure modes.
func (m *Mapper) Current() (*Snapshot, error) {
	return &Snapshot{
		Self:        m.node.Self(),
		Colleagues:  m.node.GetNodesByRelation(model.RelationColleague),
		Neighbors:   m.node.GetNodesByRelation(model.RelationNeighbor),
		Services:    m.node.GetServices(),
		GeneratedAt: time.Now(),
	}, nil
}

// String renders a one-line human-readable summary, in the teacher's
// NetworkTopology.String() style.
func (s *Snapshot) String() string {
	return fmt.Sprintf("node %s: %d colleagues, %d neighbors, %d services (generated at %s)",
		s.Self.Profile.Id,
		len(s.Colleagues),
		len(s.Neighbors),
		len(s.Services),
		s.GeneratedAt.Format(time.RFC3339))
}

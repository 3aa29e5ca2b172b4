package engine

import (
	"context"

	"github.com/geomesh-network/geomesh/internal/model"
)

// RemoteNode is the engine's view of a peer reached over a connection:
// the subset of spec.md §4.5.1's "RemoteNode" facet that the local
// engine calls outbound during bootstrap, neighborhood discovery and
// background maintenance. protocol.Proxy implements this over a
// session; the engine never imports the protocol or session packages.
type RemoteNode interface {
	AcceptColleague(ctx context.Context, local model.NodeInfo) (accepted bool, remote model.NodeInfo, err error)
	RenewColleague(ctx context.Context, local model.NodeInfo) (accepted bool, remote model.NodeInfo, err error)
	AcceptNeighbour(ctx context.Context, local model.NodeInfo) (accepted bool, remote model.NodeInfo, err error)
	RenewNeighbour(ctx context.Context, local model.NodeInfo) (accepted bool, remote model.NodeInfo, err error)
	GetNodeCount(ctx context.Context, relation *model.NodeRelationType) (int, error)
	GetRandomNodes(ctx context.Context, maxCount int, neighboursIncluded bool) ([]model.NodeInfo, error)
	GetClosestNodesByDistance(ctx context.Context, point model.GpsLocation, maxRadiusKm float64, maxCount int, neighboursIncluded bool) ([]model.NodeInfo, error)
}

// Connection pairs a RemoteNode with the means to tear it down.
type Connection struct {
	Remote RemoteNode
	Close  func() error
}

// ConnectionFactory dials a peer endpoint and returns a usable
// Connection. Implemented by the protocol package over the session
// layer; a test double can implement it in-process without any
// network I/O.
type ConnectionFactory interface {
	Connect(ctx context.Context, endpoint model.NetworkEndpoint) (Connection, error)
}

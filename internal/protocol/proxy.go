package protocol

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/geomesh-network/geomesh/internal/engine"
	"github.com/geomesh-network/geomesh/internal/metrics"
	"github.com/geomesh-network/geomesh/internal/model"
	"github.com/geomesh-network/geomesh/internal/session"

	"github.com/go-kit/kit/log"
)

// Proxy implements engine.RemoteNode over a session.Session, the
// client-side mirror of Dispatcher (spec.md §4.5.2): each method builds
// a request, sends it, and unpacks the expected response sub-case,
// failing with ErrBadResponse on a shape mismatch.
type Proxy struct {
	sess *session.Session

	onObservedAddr func(string)
}

// NewProxy wraps an established session as a RemoteNode.
func NewProxy(sess *session.Session) *Proxy { return &Proxy{sess: sess} }

// SetObservedAddrHandler registers a callback invoked with the
// RemoteIpAddress hint an Accept*/Renew* response carries (spec.md
// §4.5.2 point 3): the address the peer saw this call arrive from,
// which the local engine uses to learn its own public address. Called
// only when the remote actually sent a non-empty hint.
func (p *Proxy) SetObservedAddrHandler(f func(string)) { p.onObservedAddr = f }

var _ engine.RemoteNode = (*Proxy)(nil)

func (p *Proxy) roundTrip(ctx context.Context, body RequestBody) (ResponseBody, error) {
	payload, err := EncodeRequest(NewRequest(body))
	if err != nil {
		return ResponseBody{}, err
	}
	raw, err := p.sess.SendRequest(ctx, payload)
	if err != nil {
		return ResponseBody{}, err
	}
	resp, err := DecodeResponse(raw)
	if err != nil {
		return ResponseBody{}, err
	}
	if resp.Status != StatusOK {
		return ResponseBody{}, fmt.Errorf("%w: remote status %d: %s", model.ErrBadResponse, resp.Status, resp.Details)
	}
	return resp.Body, nil
}

func acceptCall(ctx context.Context, p *Proxy, pick func(*RemoteNodeRequest), extract func(*RemoteNodeResponse) *AcceptResponse) (bool, model.NodeInfo, error) {
	rnReq := &RemoteNodeRequest{}
	pick(rnReq)
	body, err := p.roundTrip(ctx, RequestBody{RemoteNode: rnReq})
	if err != nil {
		return false, model.NodeInfo{}, err
	}
	if body.RemoteNode == nil {
		return false, model.NodeInfo{}, fmt.Errorf("%w: response missing RemoteNode body", model.ErrBadResponse)
	}
	ar := extract(body.RemoteNode)
	if ar == nil {
		return false, model.NodeInfo{}, fmt.Errorf("%w: response missing expected sub-case", model.ErrBadResponse)
	}
	if ar.RemoteIpAddress != "" && p.onObservedAddr != nil {
		p.onObservedAddr(ar.RemoteIpAddress)
	}
	return ar.Accepted, fromWireInfo(ar.Remote), nil
}

// AcceptColleague implements engine.RemoteNode.
func (p *Proxy) AcceptColleague(ctx context.Context, local model.NodeInfo) (bool, model.NodeInfo, error) {
	return acceptCall(ctx, p,
		func(r *RemoteNodeRequest) { r.AcceptColleague = &AcceptRequest{Node: toWireInfo(local)} },
		func(r *RemoteNodeResponse) *AcceptResponse { return r.AcceptColleague })
}

// RenewColleague implements engine.RemoteNode.
func (p *Proxy) RenewColleague(ctx context.Context, local model.NodeInfo) (bool, model.NodeInfo, error) {
	return acceptCall(ctx, p,
		func(r *RemoteNodeRequest) { r.RenewColleague = &RenewRequest{Node: toWireInfo(local)} },
		func(r *RemoteNodeResponse) *AcceptResponse { return r.RenewColleague })
}

// AcceptNeighbour implements engine.RemoteNode.
func (p *Proxy) AcceptNeighbour(ctx context.Context, local model.NodeInfo) (bool, model.NodeInfo, error) {
	return acceptCall(ctx, p,
		func(r *RemoteNodeRequest) { r.AcceptNeighbour = &AcceptRequest{Node: toWireInfo(local)} },
		func(r *RemoteNodeResponse) *AcceptResponse { return r.AcceptNeighbour })
}

// RenewNeighbour implements engine.RemoteNode.
func (p *Proxy) RenewNeighbour(ctx context.Context, local model.NodeInfo) (bool, model.NodeInfo, error) {
	return acceptCall(ctx, p,
		func(r *RemoteNodeRequest) { r.RenewNeighbour = &RenewRequest{Node: toWireInfo(local)} },
		func(r *RemoteNodeResponse) *AcceptResponse { return r.RenewNeighbour })
}

// GetNodeCount implements engine.RemoteNode.
func (p *Proxy) GetNodeCount(ctx context.Context, relation *model.NodeRelationType) (int, error) {
	var wireRelation *uint8
	if relation != nil {
		v := uint8(*relation)
		wireRelation = &v
	}
	body, err := p.roundTrip(ctx, RequestBody{RemoteNode: &RemoteNodeRequest{
		GetNodeCount: &GetNodeCountRequest{Relation: wireRelation},
	}})
	if err != nil {
		return 0, err
	}
	if body.RemoteNode == nil || body.RemoteNode.GetNodeCount == nil {
		return 0, fmt.Errorf("%w: response missing GetNodeCount sub-case", model.ErrBadResponse)
	}
	return int(body.RemoteNode.GetNodeCount.Count), nil
}

// GetRandomNodes implements engine.RemoteNode.
func (p *Proxy) GetRandomNodes(ctx context.Context, maxCount int, neighboursIncluded bool) ([]model.NodeInfo, error) {
	body, err := p.roundTrip(ctx, RequestBody{RemoteNode: &RemoteNodeRequest{
		GetRandomNodes: &GetRandomNodesRequest{MaxCount: int32(maxCount), NeighboursIncluded: neighboursIncluded},
	}})
	if err != nil {
		return nil, err
	}
	if body.RemoteNode == nil || body.RemoteNode.GetRandomNodes == nil {
		return nil, fmt.Errorf("%w: response missing GetRandomNodes sub-case", model.ErrBadResponse)
	}
	return fromWireInfos(body.RemoteNode.GetRandomNodes.Nodes), nil
}

// GetClosestNodesByDistance implements engine.RemoteNode.
func (p *Proxy) GetClosestNodesByDistance(ctx context.Context, point model.GpsLocation, maxRadiusKm float64, maxCount int, neighboursIncluded bool) ([]model.NodeInfo, error) {
	body, err := p.roundTrip(ctx, RequestBody{RemoteNode: &RemoteNodeRequest{
		GetClosestNodes: &GetClosestNodesRequest{
			Location:           ToWireLocation(point),
			MaxRadiusKm:        maxRadiusKm,
			MaxCount:           int32(maxCount),
			NeighboursIncluded: neighboursIncluded,
		},
	}})
	if err != nil {
		return nil, err
	}
	if body.RemoteNode == nil || body.RemoteNode.GetClosestNodes == nil {
		return nil, fmt.Errorf("%w: response missing GetClosestNodes sub-case", model.ErrBadResponse)
	}
	return fromWireInfos(body.RemoteNode.GetClosestNodes.Nodes), nil
}

// GetServices queries the read-only Client facet for the services the
// remote node advertises on behalf of co-located processes. Used by
// cmd/geomesh-ctl, which has no engine.RemoteNode use for this facet.
func (p *Proxy) GetServices(ctx context.Context) ([]WireServiceEntry, error) {
	body, err := p.roundTrip(ctx, RequestBody{Client: &ClientRequest{GetServices: &GetServicesRequest{}}})
	if err != nil {
		return nil, err
	}
	if body.Client == nil || body.Client.GetServices == nil {
		return nil, fmt.Errorf("%w: response missing GetServices sub-case", model.ErrBadResponse)
	}
	return body.Client.GetServices.Services, nil
}

// GetNeighbourNodes queries the read-only Client facet for the remote
// node's current neighbor set. keepAliveAndSendUpdates asks the remote
// to push NeighbourhoodChanged notifications over this same session as
// its neighbor set mutates (spec.md §4.5.1, S5); the caller is
// responsible for handling those as inbound requests if it enables it.
func (p *Proxy) GetNeighbourNodes(ctx context.Context, keepAliveAndSendUpdates bool) ([]WireNodeDbEntry, error) {
	body, err := p.roundTrip(ctx, RequestBody{Client: &ClientRequest{
		GetNeighbourNodes: &GetNeighbourNodesRequest{KeepAliveAndSendUpdates: keepAliveAndSendUpdates},
	}})
	if err != nil {
		return nil, err
	}
	if body.Client == nil || body.Client.GetNeighbourNodes == nil {
		return nil, fmt.Errorf("%w: response missing GetNeighbourNodes sub-case", model.ErrBadResponse)
	}
	return body.Client.GetNeighbourNodes.Entries, nil
}

// ClientGetClosestNodes queries the read-only Client facet's view of
// the nodes closest to point, distinct from GetClosestNodesByDistance
// which speaks the RemoteNode facet used between overlay peers
// themselves.
func (p *Proxy) ClientGetClosestNodes(ctx context.Context, point model.GpsLocation, maxRadiusKm float64, maxCount int, neighboursIncluded bool) ([]model.NodeInfo, error) {
	body, err := p.roundTrip(ctx, RequestBody{Client: &ClientRequest{
		GetClosestNodes: &GetClosestNodesRequest{
			Location:           ToWireLocation(point),
			MaxRadiusKm:        maxRadiusKm,
			MaxCount:           int32(maxCount),
			NeighboursIncluded: neighboursIncluded,
		},
	}})
	if err != nil {
		return nil, err
	}
	if body.Client == nil || body.Client.GetClosestNodes == nil {
		return nil, fmt.Errorf("%w: response missing GetClosestNodes sub-case", model.ErrBadResponse)
	}
	return fromWireInfos(body.Client.GetClosestNodes.Nodes), nil
}

// ConnectionFactory dials TCP endpoints and wraps them as
// engine.Connection values backed by a Proxy, implementing
// engine.ConnectionFactory. Inbound requests arriving on the same
// outbound connection (e.g. the remote treating us as its own
// RemoteNode) are served by the shared Dispatcher, so a connection
// opened for an outbound call remains usable for the remote's own
// calls back to us.
type ConnectionFactory struct {
	dispatcher *Dispatcher
	dialer     net.Dialer
	timeout    time.Duration
	logger     log.Logger
	metrics    *metrics.Collectors

	onObservedAddr func(string)
}

// NewConnectionFactory builds a ConnectionFactory. requestTimeout
// bounds how long SendRequest waits for a response on connections it
// creates.
func NewConnectionFactory(dispatcher *Dispatcher, requestTimeout time.Duration, logger log.Logger, mc *metrics.Collectors) *ConnectionFactory {
	return &ConnectionFactory{dispatcher: dispatcher, timeout: requestTimeout, logger: logger, metrics: mc}
}

// SetObservedAddrHandler registers f as the callback every Proxy built
// by this factory reports observed-address hints to (spec.md §4.5.2
// point 3). Typically wired to the engine's public-address update after
// the engine itself is constructed, mirroring Dispatcher.SetEngine.
func (f *ConnectionFactory) SetObservedAddrHandler(handler func(string)) {
	f.onObservedAddr = handler
}

// Connect implements engine.ConnectionFactory.
func (f *ConnectionFactory) Connect(ctx context.Context, endpoint model.NetworkEndpoint) (engine.Connection, error) {
	conn, err := f.dialer.DialContext(ctx, "tcp", endpoint.String())
	if err != nil {
		return engine.Connection{}, fmt.Errorf("%w: dialing %s: %v", model.ErrConnection, endpoint, err)
	}

	sessionID := model.SessionId(endpoint.String())
	handler := f.dispatcher.NewSessionHandler(sessionID, conn.RemoteAddr())
	sess := session.New(sessionID, conn, handler, f.logger, f.metrics, f.timeout)
	handler.bindSession(sess)

	runCtx, cancel := context.WithCancel(context.Background())
	go sess.Run(runCtx)

	proxy := NewProxy(sess)
	proxy.SetObservedAddrHandler(f.onObservedAddr)

	return engine.Connection{
		Remote: proxy,
		Close: func() error {
			cancel()
			handler.Unsubscribe()
			return sess.Close(nil)
		},
	}, nil
}

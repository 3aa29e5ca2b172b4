package protocol

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/geomesh-network/geomesh/internal/engine"
	"github.com/geomesh-network/geomesh/internal/metrics"
	"github.com/geomesh-network/geomesh/internal/model"
	"github.com/geomesh-network/geomesh/internal/session"
	"github.com/geomesh-network/geomesh/internal/store"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Dispatcher routes decoded requests to the three engine facets of
// spec.md §4.5.1 and implements session.RequestHandler so it can be
// handed directly to a session.Session. One Dispatcher instance is
// shared across every session of a node; it is stateless beyond the
// engine and logger it wraps.
type Dispatcher struct {
	engine *engine.Engine
	logger log.Logger
}

// NewDispatcher builds a Dispatcher over engine e. e may be nil at
// construction time to break the engine/ConnectionFactory/Dispatcher
// construction cycle (cmd/geomesh-node builds the ConnectionFactory
// before the Engine exists); call SetEngine before serving any
// request.
func NewDispatcher(e *engine.Engine, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Dispatcher{engine: e, logger: logger}
}

// SetEngine binds the engine a Dispatcher constructed with a nil engine
// will route to. Not safe to call concurrently with HandleRequest.
func (d *Dispatcher) SetEngine(e *engine.Engine) {
	d.engine = e
}

// Serve wires conn into a new session bound to this dispatcher and
// starts its read loop in ctx, for use by a TCP accept loop. Mirrors
// the two-step construction ConnectionFactory.Connect uses for
// outbound connections: the handler, which may later need to push a
// keep-alive notification back over this same session, is built before
// the session and then given a back-reference to it.
func (d *Dispatcher) Serve(ctx context.Context, conn net.Conn, logger log.Logger, mc *metrics.Collectors, timeout time.Duration) {
	sessionID := model.SessionId(conn.RemoteAddr().String())
	handler := d.NewSessionHandler(sessionID, conn.RemoteAddr())
	sess := session.New(sessionID, conn, handler, logger, mc, timeout)
	handler.bindSession(sess)
	go func() {
		defer handler.Unsubscribe()
		sess.Run(ctx)
	}()
}

// sessionHandler binds a Dispatcher to one session's identity, so the
// observed remote address (spec.md §9) and the change-listener id are
// known without threading them through every call.
type sessionHandler struct {
	d            *Dispatcher
	sessionID    model.SessionId
	observedAddr string
	sess         *session.Session // set post-construction; see NewSessionHandler
}

// NewSessionHandler returns a session.RequestHandler bound to one
// connection. remoteAddr is the address actually observed on the
// socket (conn.RemoteAddr()), used to stamp Accept*/Renew* contacts
// instead of trusting the claimed address (spec.md §9 Design Note).
func (d *Dispatcher) NewSessionHandler(sessionID model.SessionId, remoteAddr net.Addr) *sessionHandler {
	host := ""
	if remoteAddr != nil {
		if tcp, ok := remoteAddr.(*net.TCPAddr); ok {
			host = tcp.IP.String()
		} else {
			host, _, _ = net.SplitHostPort(remoteAddr.String())
		}
	}
	return &sessionHandler{d: d, sessionID: sessionID, observedAddr: host}
}

// bindSession attaches the live session, needed only for the keep-alive
// change-listener push path (the handler must send requests back on
// the same session it was invoked from).
func (h *sessionHandler) bindSession(s *session.Session) { h.sess = s }

// HandleRequest implements session.RequestHandler.
func (h *sessionHandler) HandleRequest(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := DecodeRequest(payload)
	if err != nil {
		return nil, err
	}
	if req.Version[0] != protocolVersion[0] {
		resp := Response{Status: StatusUnsupported, Details: "unsupported protocol version"}
		return EncodeResponse(resp)
	}

	resp := h.dispatch(ctx, req.Body)
	return EncodeResponse(resp)
}

func (h *sessionHandler) dispatch(ctx context.Context, body RequestBody) Response {
	switch {
	case body.LocalService != nil:
		return h.dispatchLocalService(ctx, body.LocalService)
	case body.RemoteNode != nil:
		return h.dispatchRemoteNode(ctx, body.RemoteNode)
	case body.Client != nil:
		return h.dispatchClient(ctx, body.Client)
	case body.Notification != nil:
		return h.dispatchNotificationAck(body.Notification)
	default:
		return Response{Status: StatusUnsupported, Details: "missing request body"}
	}
}

func (h *sessionHandler) dispatchLocalService(ctx context.Context, req *LocalServiceRequest) Response {
	e := h.d.engine
	switch {
	case req.RegisterService != nil:
		profile := fromWireProfile(req.RegisterService.Profile)
		if err := e.RegisterService(model.ServiceType(req.RegisterService.ServiceType), profile); err != nil {
			return errResponse(err)
		}
		return Response{Status: StatusOK, Body: ResponseBody{LocalService: &LocalServiceResponse{RegisterService: &Ack{}}}}

	case req.DeregisterService != nil:
		if err := e.DeregisterService(model.ServiceType(req.DeregisterService.ServiceType)); err != nil {
			return errResponse(err)
		}
		return Response{Status: StatusOK, Body: ResponseBody{LocalService: &LocalServiceResponse{DeregisterService: &Ack{}}}}

	case req.GetNeighbourNodes != nil:
		entries := e.GetNeighbourNodesByDistance()
		if req.GetNeighbourNodes.KeepAliveAndSendUpdates && h.sess != nil {
			h.subscribeKeepAlive()
		}
		return Response{Status: StatusOK, Body: ResponseBody{LocalService: &LocalServiceResponse{
			GetNeighbourNodes: &EntriesResponse{Entries: toWireEntries(entries)},
		}}}

	default:
		return Response{Status: StatusUnsupported, Details: "unknown LocalService sub-request"}
	}
}

func (h *sessionHandler) dispatchRemoteNode(ctx context.Context, req *RemoteNodeRequest) Response {
	e := h.d.engine
	switch {
	case req.AcceptColleague != nil:
		accepted, self := e.ServeAcceptColleague(ctx, fromWireInfo(req.AcceptColleague.Node), h.observedAddr)
		return acceptResponse(func(r *RemoteNodeResponse) { r.AcceptColleague = acceptWire(accepted, self, h.observedAddr) })

	case req.RenewColleague != nil:
		accepted, self := e.ServeRenewColleague(ctx, fromWireInfo(req.RenewColleague.Node), h.observedAddr)
		return acceptResponse(func(r *RemoteNodeResponse) { r.RenewColleague = acceptWire(accepted, self, h.observedAddr) })

	case req.AcceptNeighbour != nil:
		accepted, self := e.ServeAcceptNeighbour(ctx, fromWireInfo(req.AcceptNeighbour.Node), h.observedAddr)
		return acceptResponse(func(r *RemoteNodeResponse) { r.AcceptNeighbour = acceptWire(accepted, self, h.observedAddr) })

	case req.RenewNeighbour != nil:
		accepted, self := e.ServeRenewNeighbour(ctx, fromWireInfo(req.RenewNeighbour.Node), h.observedAddr)
		return acceptResponse(func(r *RemoteNodeResponse) { r.RenewNeighbour = acceptWire(accepted, self, h.observedAddr) })

	case req.GetNodeCount != nil:
		var relation *model.NodeRelationType
		if req.GetNodeCount.Relation != nil {
			r := model.NodeRelationType(*req.GetNodeCount.Relation)
			relation = &r
		}
		count := e.GetNodeCount(relation)
		return Response{Status: StatusOK, Body: ResponseBody{RemoteNode: &RemoteNodeResponse{
			GetNodeCount: &CountResponse{Count: int32(count)},
		}}}

	case req.GetRandomNodes != nil:
		nodes := e.GetRandomNodes(int(req.GetRandomNodes.MaxCount), req.GetRandomNodes.NeighboursIncluded)
		return Response{Status: StatusOK, Body: ResponseBody{RemoteNode: &RemoteNodeResponse{
			GetRandomNodes: &NodesResponse{Nodes: toWireInfos(nodes)},
		}}}

	case req.GetClosestNodes != nil:
		g := req.GetClosestNodes
		nodes := e.GetClosestNodesByDistance(FromWireLocation(g.Location), g.MaxRadiusKm, int(g.MaxCount), g.NeighboursIncluded)
		return Response{Status: StatusOK, Body: ResponseBody{RemoteNode: &RemoteNodeResponse{
			GetClosestNodes: &NodesResponse{Nodes: toWireInfos(nodes)},
		}}}

	default:
		return Response{Status: StatusUnsupported, Details: "unknown RemoteNode sub-request"}
	}
}

func (h *sessionHandler) dispatchClient(ctx context.Context, req *ClientRequest) Response {
	e := h.d.engine
	switch {
	case req.GetServices != nil:
		services := e.GetServices()
		out := make([]WireServiceEntry, 0, len(services))
		for t, p := range services {
			out = append(out, WireServiceEntry{ServiceType: uint8(t), Profile: toWireProfile(p)})
		}
		return Response{Status: StatusOK, Body: ResponseBody{Client: &ClientResponse{
			GetServices: &ServicesResponse{Services: out},
		}}}

	case req.GetNeighbourNodes != nil:
		entries := e.GetNeighbourNodesByDistance()
		if req.GetNeighbourNodes.KeepAliveAndSendUpdates && h.sess != nil {
			h.subscribeKeepAlive()
		}
		return Response{Status: StatusOK, Body: ResponseBody{Client: &ClientResponse{
			GetNeighbourNodes: &EntriesResponse{Entries: toWireEntries(entries)},
		}}}

	case req.GetClosestNodes != nil:
		g := req.GetClosestNodes
		nodes := e.GetClosestNodesByDistance(FromWireLocation(g.Location), g.MaxRadiusKm, int(g.MaxCount), g.NeighboursIncluded)
		return Response{Status: StatusOK, Body: ResponseBody{Client: &ClientResponse{
			GetClosestNodes: &NodesResponse{Nodes: toWireInfos(nodes)},
		}}}

	default:
		return Response{Status: StatusUnsupported, Details: "unknown Client sub-request"}
	}
}

func (h *sessionHandler) dispatchNotificationAck(req *NotificationRequest) Response {
	return Response{Status: StatusOK, Body: ResponseBody{Notification: &NotificationResponse{NeighbourhoodChangedAck: &Ack{}}}}
}

// subscribeKeepAlive registers a change listener under this session's
// id that pushes NeighbourhoodChanged requests back over the same
// session whenever the neighbor set mutates (spec.md §4.5.1, S5).
func (h *sessionHandler) subscribeKeepAlive() {
	h.d.engine.AddChangeListener(h.sessionID, store.ChangeListenerFunc(func(c store.Change) {
		if c.Entry.Relation != model.RelationNeighbor {
			return
		}
		notif := NeighbourhoodChangedNotification{}
		switch c.Kind {
		case store.ChangeStored, store.ChangeUpdated:
			notif.Added = []WireNodeDbEntry{toWireEntry(c.Entry)}
		case store.ChangeRemoved, store.ChangeExpired:
			notif.Removed = []string{string(c.Entry.Id())}
		}
		req := NewRequest(RequestBody{Notification: &NotificationRequest{NeighbourhoodChanged: &notif}})
		payload, err := EncodeRequest(req)
		if err != nil {
			level.Error(h.d.logger).Log("msg", "failed to encode NeighbourhoodChanged push", "err", err)
			return
		}
		// The store calls listeners under its write lock, so the wait for
		// the client's ack runs off the mutating call.
		go func() {
			if _, err := h.sess.SendRequest(context.Background(), payload); err != nil {
				level.Warn(h.d.logger).Log("msg", "NeighbourhoodChanged push failed", "session", h.sessionID, "err", err)
			}
		}()
	}))
}

// Unsubscribe deregisters this session's change listener, called on
// session close.
func (h *sessionHandler) Unsubscribe() {
	h.d.engine.RemoveChangeListener(h.sessionID)
}

func toWireEntries(entries []model.NodeDbEntry) []WireNodeDbEntry {
	out := make([]WireNodeDbEntry, len(entries))
	for i, e := range entries {
		out[i] = toWireEntry(e)
	}
	return out
}

func acceptWire(accepted bool, self model.NodeInfo, observedAddr string) *AcceptResponse {
	return &AcceptResponse{Accepted: accepted, Remote: toWireInfo(self), RemoteIpAddress: observedAddr}
}

func acceptResponse(set func(*RemoteNodeResponse)) Response {
	r := &RemoteNodeResponse{}
	set(r)
	return Response{Status: StatusOK, Body: ResponseBody{RemoteNode: r}}
}

func errResponse(err error) Response {
	status := StatusInternalError
	switch {
	case errors.Is(err, model.ErrBadRequest), errors.Is(err, model.ErrInvalidValue):
		status = StatusInvalidValue
	case errors.Is(err, model.ErrUnsupported):
		status = StatusUnsupported
	}
	return Response{Status: status, Details: err.Error()}
}

package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/geomesh-network/geomesh/internal/config"
	"github.com/geomesh-network/geomesh/internal/engine"
	"github.com/geomesh-network/geomesh/internal/model"
	"github.com/geomesh-network/geomesh/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopFactory struct{}

func (noopFactory) Connect(ctx context.Context, endpoint model.NetworkEndpoint) (engine.Connection, error) {
	return engine.Connection{}, model.ErrConnection
}

func newTestEngineForWire(t *testing.T, id string, lat, lon float64) *engine.Engine {
	t.Helper()
	loc, err := model.NewGpsLocation(lat, lon)
	require.NoError(t, err)
	cfg := &config.Config{
		Self: model.NodeInfo{
			Profile:  model.NodeProfile{Id: model.NodeId(id), Contact: model.NetworkEndpoint{Address: "127.0.0.1", Port: 1}},
			Location: loc,
		},
		Params: config.Defaults(),
	}
	return engine.New(cfg, nil, noopFactory{}, nil, nil)
}

// wireUp connects a client session to a server Dispatcher over a
// net.Pipe, returning a ready-to-use client Proxy. The client side
// handles no inbound requests in these tests.
func wireUp(t *testing.T, d *Dispatcher) *Proxy {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	serverHandler := d.NewSessionHandler("test-session", nil)
	serverSess := session.New("server", serverConn, serverHandler, nil, nil, time.Second)
	serverHandler.bindSession(serverSess)

	clientSess := session.New("client", clientConn, session.RequestHandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := DecodeRequest(payload)
		if err != nil {
			return nil, err
		}
		if req.Body.Notification != nil {
			return EncodeResponse(Response{Status: StatusOK, Body: ResponseBody{Notification: &NotificationResponse{NeighbourhoodChangedAck: &Ack{}}}})
		}
		return EncodeResponse(Response{Status: StatusOK})
	}), nil, nil, time.Second)

	ctx := context.Background()
	go serverSess.Run(ctx)
	go clientSess.Run(ctx)
	t.Cleanup(func() { clientSess.Close(nil); serverSess.Close(nil) })

	return NewProxy(clientSess)
}

func TestDispatcherGetNodeCount(t *testing.T) {
	e := newTestEngineForWire(t, "a", 0, 0)
	proxy := wireUp(t, NewDispatcher(e, nil))

	count, err := proxy.GetNodeCount(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count) // just Self
}

func TestDispatcherAcceptColleague(t *testing.T) {
	e := newTestEngineForWire(t, "a", 0, 0)
	proxy := wireUp(t, NewDispatcher(e, nil))

	candidate, err := model.NewGpsLocation(0, 10)
	require.NoError(t, err)
	local := model.NodeInfo{
		Profile:  model.NodeProfile{Id: "b", Contact: model.NetworkEndpoint{Address: "127.0.0.1", Port: 2}},
		Location: candidate,
	}

	accepted, remote, err := proxy.AcceptColleague(context.Background(), local)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, model.NodeId("a"), remote.Profile.Id)

	count, err := proxy.GetNodeCount(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestDispatcherUnsupportedVersionRejected(t *testing.T) {
	e := newTestEngineForWire(t, "a", 0, 0)
	clientConn, serverConn := net.Pipe()

	d := NewDispatcher(e, nil)
	serverHandler := d.NewSessionHandler("test-session", nil)
	serverSess := session.New("server", serverConn, serverHandler, nil, nil, time.Second)
	serverHandler.bindSession(serverSess)

	clientSess := session.New("client", clientConn, session.RequestHandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, nil
	}), nil, nil, time.Second)

	ctx := context.Background()
	go serverSess.Run(ctx)
	go clientSess.Run(ctx)
	defer clientSess.Close(nil)
	defer serverSess.Close(nil)

	badReq := Request{Version: [3]uint32{9, 9, 9}, Body: RequestBody{RemoteNode: &RemoteNodeRequest{GetNodeCount: &GetNodeCountRequest{}}}}
	payload, err := EncodeRequest(badReq)
	require.NoError(t, err)

	raw, err := clientSess.SendRequest(context.Background(), payload)
	require.NoError(t, err)

	resp, err := DecodeResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsupported, resp.Status)
}

func TestDispatcherGetRandomNodesRoundTrip(t *testing.T) {
	e := newTestEngineForWire(t, "a", 0, 0)
	proxy := wireUp(t, NewDispatcher(e, nil))

	nodes, err := proxy.GetRandomNodes(context.Background(), 10, false)
	require.NoError(t, err)
	assert.Empty(t, nodes) // Self is excluded, nothing else stored
}

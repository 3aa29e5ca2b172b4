package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/geomesh-network/geomesh/internal/model"
	"github.com/geomesh-network/geomesh/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoRemoteHandler decodes a Request and answers with canned
// responses, standing in for a real Dispatcher so Proxy can be tested
// in isolation from the engine.
func echoRemoteHandler(t *testing.T) session.RequestHandlerFunc {
	t.Helper()
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := DecodeRequest(payload)
		if err != nil {
			return nil, err
		}
		switch {
		case req.Body.RemoteNode != nil && req.Body.RemoteNode.AcceptColleague != nil:
			remote := model.NodeInfo{
				Profile:  model.NodeProfile{Id: "remote", Contact: model.NetworkEndpoint{Address: "10.0.0.1", Port: 9}},
				Location: model.GpsLocation{Latitude: 1, Longitude: 2},
			}
			return EncodeResponse(Response{Status: StatusOK, Body: ResponseBody{RemoteNode: &RemoteNodeResponse{
				AcceptColleague: &AcceptResponse{Accepted: true, Remote: toWireInfo(remote), RemoteIpAddress: "10.0.0.1"},
			}}})

		case req.Body.RemoteNode != nil && req.Body.RemoteNode.GetNodeCount != nil:
			return EncodeResponse(Response{Status: StatusOK, Body: ResponseBody{RemoteNode: &RemoteNodeResponse{
				GetNodeCount: &CountResponse{Count: 7},
			}}})

		case req.Body.RemoteNode != nil && req.Body.RemoteNode.GetClosestNodes != nil:
			return EncodeResponse(Response{Status: StatusOK, Body: ResponseBody{RemoteNode: &RemoteNodeResponse{
				GetClosestNodes: &NodesResponse{},
			}}})

		default:
			return EncodeResponse(Response{Status: StatusInternalError, Details: "unhandled in test stub"})
		}
	}
}

func newProxyOverPipe(t *testing.T) *Proxy {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	serverSess := session.New("server", serverConn, echoRemoteHandler(t), nil, nil, time.Second)
	clientSess := session.New("client", clientConn, session.RequestHandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, nil
	}), nil, nil, time.Second)

	ctx := context.Background()
	go serverSess.Run(ctx)
	go clientSess.Run(ctx)
	t.Cleanup(func() { clientSess.Close(nil); serverSess.Close(nil) })

	return NewProxy(clientSess)
}

func TestProxyAcceptColleague(t *testing.T) {
	p := newProxyOverPipe(t)
	accepted, remote, err := p.AcceptColleague(context.Background(), model.NodeInfo{
		Profile:  model.NodeProfile{Id: "local", Contact: model.NetworkEndpoint{Address: "127.0.0.1", Port: 1}},
		Location: model.GpsLocation{Latitude: 0, Longitude: 0},
	})
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, model.NodeId("remote"), remote.Profile.Id)
}

func TestProxyAcceptColleagueReportsObservedAddr(t *testing.T) {
	p := newProxyOverPipe(t)

	var observed string
	p.SetObservedAddrHandler(func(addr string) { observed = addr })

	_, _, err := p.AcceptColleague(context.Background(), model.NodeInfo{
		Profile:  model.NodeProfile{Id: "local", Contact: model.NetworkEndpoint{Address: "127.0.0.1", Port: 1}},
		Location: model.GpsLocation{Latitude: 0, Longitude: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", observed)
}

func TestProxyGetNodeCount(t *testing.T) {
	p := newProxyOverPipe(t)
	count, err := p.GetNodeCount(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestProxyGetClosestNodesByDistanceEmpty(t *testing.T) {
	p := newProxyOverPipe(t)
	nodes, err := p.GetClosestNodesByDistance(context.Background(), model.GpsLocation{Latitude: 0, Longitude: 0}, 100, 5, true)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestProxyRejectsErrorStatus(t *testing.T) {
	p := newProxyOverPipe(t)
	// GetRandomNodes is unhandled by the stub handler and answers
	// StatusInternalError, which Proxy must surface as an error.
	_, err := p.GetRandomNodes(context.Background(), 5, false)
	require.Error(t, err)
}

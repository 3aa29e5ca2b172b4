package session

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/geomesh-network/geomesh/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestSessionRequestResponseRoundTrip(t *testing.T) {
	clientConn, serverConn := pipePair()

	echoHandler := RequestHandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		out := make([]byte, len(payload))
		copy(out, payload)
		out = append(out, '!')
		return out, nil
	})

	client := New("client", clientConn, RequestHandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		t.Fatalf("client should not receive requests in this test")
		return nil, nil
	}), nil, nil, time.Second)
	server := New("server", serverConn, echoHandler, nil, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go client.Run(ctx)
	go server.Run(ctx)
	defer client.Close(nil)
	defer server.Close(nil)

	resp, err := client.SendRequest(context.Background(), []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi!", string(resp))
}

func TestSessionRequestTimeout(t *testing.T) {
	clientConn, serverConn := pipePair()

	blackhole := RequestHandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		select {}
	})
	client := New("client", clientConn, RequestHandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, nil
	}), nil, nil, 50*time.Millisecond)
	server := New("server", serverConn, blackhole, nil, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)
	defer client.Close(nil)
	defer server.Close(nil)

	_, err := client.SendRequest(context.Background(), []byte("hi"))
	assert.ErrorIs(t, err, model.ErrTimeout)
}

func TestSessionCloseFailsOutstandingRequests(t *testing.T) {
	clientConn, serverConn := pipePair()
	blocked := RequestHandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client := New("client", clientConn, RequestHandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, nil
	}), nil, nil, time.Minute)
	server := New("server", serverConn, blocked, nil, nil, time.Minute)

	ctx := context.Background()
	go client.Run(ctx)
	go server.Run(ctx)

	resultCh := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), []byte("hi"))
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	client.Close(nil)

	select {
	case err := <-resultCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not return after Close")
	}
}

func TestSessionClosesOnUnsolicitedResponse(t *testing.T) {
	clientConn, serverConn := pipePair()

	client := New("client", clientConn, RequestHandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, nil
	}), nil, nil, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()
	defer client.Close(nil)

	// Write a response envelope for a message id the client never sent a
	// request for.
	envelope := make([]byte, envelopeHeaderLen)
	binary.LittleEndian.PutUint32(envelope[0:4], 999)
	envelope[4] = byte(kindResponse)
	require.NoError(t, writeFrame(serverConn, envelope))

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, model.ErrProtocolViolation)
	case <-time.After(time.Second):
		t.Fatal("session did not close on unsolicited response")
	}
}

package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/geomesh-network/geomesh/internal/metrics"
	"github.com/geomesh-network/geomesh/internal/model"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// envelopeKind tags what a frame's payload carries.
type envelopeKind uint8

const (
	kindRequest envelopeKind = iota
	kindResponse
	kindErrorResponse
)

// envelopeHeaderLen is the message id (4 bytes LE) plus the kind byte,
// prefixing every frame body.
const envelopeHeaderLen = 5

// RequestHandler processes an inbound request payload and returns the
// response payload to send back, or an error to report as a failed
// response. The read loop starts it in a new goroutine for each inbound
// request, so a slow handler never blocks reading the next frame.
type RequestHandler interface {
	HandleRequest(ctx context.Context, payload []byte) (response []byte, err error)
}

// RequestHandlerFunc adapts a function to a RequestHandler.
type RequestHandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// HandleRequest implements RequestHandler.
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// Session multiplexes requests and responses in both directions over a
// single net.Conn. Either side may call SendRequest at any time; the
// other side's RequestHandler is invoked for inbound requests.
type Session struct {
	id      model.SessionId
	conn    net.Conn
	handler RequestHandler
	logger  log.Logger
	metrics *metrics.Collectors
	timeout time.Duration

	pending *pendingTable

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New wraps conn as a Session identified by id. handler processes
// inbound requests; timeout bounds how long SendRequest waits for a
// response. The caller must call Run to start the read loop.
func New(id model.SessionId, conn net.Conn, handler RequestHandler, logger log.Logger, mc *metrics.Collectors, timeout time.Duration) *Session {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if mc == nil {
		mc = metrics.Nop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Session{
		id:      id,
		conn:    conn,
		handler: handler,
		logger:  logger,
		metrics: mc,
		timeout: timeout,
		pending: newPendingTable(),
		closed:  make(chan struct{}),
	}
}

// ID returns the session's identifier ("address:port" of the remote
// side).
func (s *Session) ID() model.SessionId { return s.id }

// Run drives the read loop until the connection closes or ctx is
// canceled. It blocks; callers run it in its own goroutine.
func (s *Session) Run(ctx context.Context) error {
	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()

	go func() {
		<-ctx.Done()
		s.Close(ctx.Err())
	}()

	for {
		body, err := readFrame(s.conn)
		if err != nil {
			s.Close(err)
			return s.closeErr
		}
		if len(body) < envelopeHeaderLen {
			s.Close(fmt.Errorf("%w: frame shorter than envelope header", model.ErrProtocolViolation))
			return s.closeErr
		}
		id := binary.LittleEndian.Uint32(body[0:4])
		kind := envelopeKind(body[4])
		payload := body[envelopeHeaderLen:]

		switch kind {
		case kindRequest:
			go s.serve(ctx, id, payload)
		case kindResponse:
			if !s.pending.complete(id, payload, nil) {
				s.Close(fmt.Errorf("%w: unsolicited response for msg id %d", model.ErrProtocolViolation, id))
				return s.closeErr
			}
		case kindErrorResponse:
			if !s.pending.complete(id, nil, parseRemoteError(payload)) {
				s.Close(fmt.Errorf("%w: unsolicited error response for msg id %d", model.ErrProtocolViolation, id))
				return s.closeErr
			}
		default:
			s.Close(fmt.Errorf("%w: unknown envelope kind %d", model.ErrProtocolViolation, kind))
			return s.closeErr
		}
	}
}

func (s *Session) serve(ctx context.Context, id uint32, payload []byte) {
	resp, err := s.handler.HandleRequest(ctx, payload)
	if err != nil {
		if sendErr := s.writeEnvelope(id, kindErrorResponse, []byte(err.Error())); sendErr != nil {
			level.Error(s.logger).Log("msg", "failed to send error response", "session", s.id, "err", sendErr)
		}
		return
	}
	if sendErr := s.writeEnvelope(id, kindResponse, resp); sendErr != nil {
		level.Error(s.logger).Log("msg", "failed to send response", "session", s.id, "err", sendErr)
	}
}

// SendRequest sends payload as a request and blocks for the matching
// response, bounded by ctx and the session's configured timeout.
func (s *Session) SendRequest(ctx context.Context, payload []byte) ([]byte, error) {
	id, ch, err := s.pending.register()
	if err != nil {
		return nil, err
	}

	s.metrics.RequestStarted()
	defer s.metrics.RequestFinished("session", "request", "done")

	if err := s.writeEnvelope(id, kindRequest, payload); err != nil {
		s.pending.cancel(id)
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	select {
	case res := <-ch:
		return res.body, res.err
	case <-timeoutCtx.Done():
		s.pending.cancel(id)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrConnection, ctx.Err())
		}
		return nil, fmt.Errorf("%w: no response to message %d within %s", model.ErrTimeout, id, s.timeout)
	case <-s.closed:
		return nil, s.closeErr
	}
}

func (s *Session) writeEnvelope(id uint32, kind envelopeKind, payload []byte) error {
	body := make([]byte, envelopeHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(body[0:4], id)
	body[4] = byte(kind)
	copy(body[envelopeHeaderLen:], payload)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFrame(s.conn, body)
}

// Close shuts down the session, failing every outstanding SendRequest
// call. Safe to call multiple times and concurrently.
func (s *Session) Close(reason error) error {
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = fmt.Errorf("%w: session closed", model.ErrBrokenChannel)
		}
		s.closeErr = reason
		s.pending.closeAll(reason)
		_ = s.conn.Close()
		close(s.closed)
	})
	return nil
}

// parseRemoteError turns a transport-level error response (the
// handler itself failed, e.g. it could not decode the request) into a
// local error. Domain-level outcomes (rejected by policy, unsupported
// service, ...) travel inside an ordinary kindResponse payload instead,
// decoded by the protocol layer.
func parseRemoteError(payload []byte) error {
	return fmt.Errorf("%w: %s", model.ErrBadRequest, string(payload))
}

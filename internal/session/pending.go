package session

import (
	"fmt"
	"sync"

	"github.com/geomesh-network/geomesh/internal/model"
)

// pendingTable tracks requests this side has sent and is waiting on a
// response for, keyed by message id. One table per Session.
type pendingTable struct {
	mu      sync.Mutex
	nextID  uint32
	waiting map[uint32]chan pendingResult
	closed  bool
}

type pendingResult struct {
	body []byte
	err  error
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiting: make(map[uint32]chan pendingResult)}
}

// register allocates a fresh message id and a one-shot channel that will
// receive its eventual response (or an error if the session closes
// first).
func (t *pendingTable) register() (uint32, chan pendingResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, nil, fmt.Errorf("%w: session closed", model.ErrBrokenChannel)
	}
	t.nextID++
	id := t.nextID
	ch := make(chan pendingResult, 1)
	t.waiting[id] = ch
	return id, ch, nil
}

// complete delivers a response body to the waiter registered under id,
// if any is still waiting. Returns false if no such request is pending
// (a late, duplicate or unsolicited response); the caller closes the
// session with ErrProtocolViolation in that case.
func (t *pendingTable) complete(id uint32, body []byte, err error) bool {
	t.mu.Lock()
	ch, ok := t.waiting[id]
	if ok {
		delete(t.waiting, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- pendingResult{body: body, err: err}
	return true
}

// cancel removes a waiter without delivering a result, used when
// sendRequest gives up (timeout or caller context cancellation) so a
// late response doesn't leak into a full buffered channel.
func (t *pendingTable) cancel(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.waiting, id)
}

// closeAll fails every outstanding waiter and marks the table closed so
// no further requests can be registered.
func (t *pendingTable) closeAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, ch := range t.waiting {
		ch <- pendingResult{err: err}
		delete(t.waiting, id)
	}
}

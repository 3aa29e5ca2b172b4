package store

import (
	"sync"

	"github.com/geomesh-network/geomesh/internal/model"
)

// ChangeKind classifies the mutation that triggered a change
// notification.
type ChangeKind uint8

const (
	ChangeStored ChangeKind = iota
	ChangeUpdated
	ChangeRemoved
	ChangeExpired
)

// Change describes one committed mutation of the spatial store.
type Change struct {
	Kind  ChangeKind
	Entry model.NodeDbEntry
}

// ChangeListener is notified after a store mutation commits. Listeners
// are owned by the session that registered them (spec.md §3) and must
// never block for long: the store calls them synchronously, under its
// write lock, as part of the mutating call.
type ChangeListener interface {
	OnChange(Change)
}

// ChangeListenerFunc adapts a function to a ChangeListener.
type ChangeListenerFunc func(Change)

// OnChange implements ChangeListener.
func (f ChangeListenerFunc) OnChange(c Change) { f(c) }

// listenerRegistry is a thread-safe set of change listeners keyed by
// session id; Add/Remove are idempotent.
type listenerRegistry struct {
	mu        sync.RWMutex
	listeners map[model.SessionId]ChangeListener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{listeners: make(map[model.SessionId]ChangeListener)}
}

// Add registers or replaces the listener for a session id.
func (r *listenerRegistry) Add(id model.SessionId, l ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[id] = l
}

// Remove deregisters the listener for a session id, if any.
func (r *listenerRegistry) Remove(id model.SessionId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, id)
}

// notify invokes every registered listener with the change. Called by
// the store under its own write lock, after the mutation is applied to
// its internal maps.
func (r *listenerRegistry) notify(c Change) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.listeners {
		l.OnChange(c)
	}
}

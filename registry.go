package netsession

import (
	"sync"
	"sync/atomic"
)

// Handler receives a message routed to it by correlation id.
type Handler func(Message)

type registryEntry struct {
	handler  Handler
	fail     func(error)
	standing bool
}

// Registry maps correlation ids to the handlers waiting for replies.
// It is safe for concurrent use and may be shared between sessions.
type Registry struct {
	nextID atomic.Uint64

	mu      sync.Mutex
	entries map[uint64]registryEntry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint64]registryEntry)}
}

// Register adds a one-shot handler and returns its correlation id.
// The entry is removed when the first matching message is dispatched.
func (r *Registry) Register(h Handler) uint64 {
	return r.add(registryEntry{handler: h})
}

// RegisterWaiter adds a one-shot handler like Register. If the request is
// abandoned before a reply arrives, fail is called with the reason instead.
func (r *Registry) RegisterWaiter(h Handler, fail func(error)) uint64 {
	return r.add(registryEntry{handler: h, fail: fail})
}

// RegisterStanding adds a handler that stays registered until Remove.
func (r *Registry) RegisterStanding(h Handler) uint64 {
	return r.add(registryEntry{handler: h, standing: true})
}

func (r *Registry) add(e registryEntry) uint64 {
	id := r.nextID.Add(1)
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()
	return id
}

// Remove drops the entry for id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Discard drops the entry for id unless it is a standing one. It reports
// whether an entry was dropped.
func (r *Registry) Discard(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.standing {
		return false
	}
	delete(r.entries, id)
	return true
}

// Fail drops the one-shot entry for id and hands err to its failure
// callback, if it has one. It reports whether an entry was dropped.
// The callback runs outside the registry lock.
func (r *Registry) Fail(id uint64, err error) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.standing {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	r.mu.Unlock()

	if e.fail != nil {
		e.fail(err)
	}
	return true
}

// Dispatch delivers m to the handler registered under m.Correlation and
// reports whether one was found. Messages without a handler are dropped.
// The handler runs outside the registry lock, so it may register or
// remove entries itself.
func (r *Registry) Dispatch(m Message) bool {
	r.mu.Lock()
	e, ok := r.entries[m.Correlation]
	if ok && !e.standing {
		delete(r.entries, m.Correlation)
	}
	r.mu.Unlock()

	if !ok || e.handler == nil {
		return false
	}
	e.handler(m)
	return true
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

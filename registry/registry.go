// Package registry tracks the live transport handle for each node.
package registry

import (
	"sort"
	"sync"
	"time"

	"walletchat/models"
)

// Handle is a transport endpoint. It counts as open only while its
// underlying transport reports so.
type Handle interface {
	IsOpen() bool
	Close() error
}

type entry[H Handle] struct {
	handle H
	state  models.ConnectionState
}

// Registry maps node ids to handles. Reads run concurrently; writes are
// serialized. It never retries anything.
type Registry[H Handle] struct {
	mu      sync.RWMutex
	entries map[string]*entry[H]
	now     func() time.Time
}

// New returns an empty registry.
func New[H Handle]() *Registry[H] {
	return &Registry[H]{
		entries: make(map[string]*entry[H]),
		now:     time.Now,
	}
}

// Register stores handle for nodeID. If another handle was registered it is
// returned so the caller can close it.
func (r *Registry[H]) Register(nodeID string, handle H, connType models.ConnectionType) (previous H, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[nodeID]; ok {
		previous, replaced = existing.handle, true
	}
	r.entries[nodeID] = &entry[H]{
		handle: handle,
		state: models.ConnectionState{
			NodeID:         nodeID,
			Status:         models.ConnectionConnected,
			ConnectionType: connType,
			LastPing:       r.now(),
		},
	}
	return previous, replaced
}

// Unregister drops whatever handle is stored for nodeID.
func (r *Registry[H]) Unregister(nodeID string) {
	r.mu.Lock()
	delete(r.entries, nodeID)
	r.mu.Unlock()
}

// UnregisterHandle drops nodeID only if handle is still the registered one,
// so a closing connection cannot evict its replacement.
func (r *Registry[H]) UnregisterHandle(nodeID string, handle H, same func(a, b H) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[nodeID]
	if !ok || !same(existing.handle, handle) {
		return false
	}
	delete(r.entries, nodeID)
	return true
}

// Get returns the handle registered for nodeID.
func (r *Registry[H]) Get(nodeID string) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	existing, ok := r.entries[nodeID]
	if !ok {
		var zero H
		return zero, false
	}
	return existing.handle, true
}

// GetOpen returns the handle for nodeID only while it is open.
func (r *Registry[H]) GetOpen(nodeID string) (H, bool) {
	handle, ok := r.Get(nodeID)
	if !ok || !handle.IsOpen() {
		var zero H
		return zero, false
	}
	return handle, true
}

// ListOpen returns the sorted ids of nodes whose handle is open.
func (r *Registry[H]) ListOpen() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.handle.IsOpen() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered nodes, open or not.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SetStatus records a transport event for nodeID.
func (r *Registry[H]) SetStatus(nodeID string, status models.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[nodeID]; ok {
		e.state.Status = status
	}
}

// Touch records a keep-alive from nodeID.
func (r *Registry[H]) Touch(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[nodeID]; ok {
		e.state.LastPing = r.now()
	}
}

// State returns the connection state tracked for nodeID.
func (r *Registry[H]) State(nodeID string) (models.ConnectionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[nodeID]
	if !ok {
		return models.ConnectionState{}, false
	}
	return e.state, true
}

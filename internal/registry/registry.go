// Package registry maps stable user identities to their current live
// connection, and keeps the per-ride connection binding used by the
// high-frequency location relay.
package registry

import "sync"

// Registry tracks the single live connection per user. On reconnect the
// last-connected wins; the stale connection id is simply forgotten.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]string // userID -> connID
	byConn map[string]string // connID -> userID
}

func New() *Registry {
	return &Registry{
		byUser: make(map[string]string),
		byConn: make(map[string]string),
	}
}

// Bind records connID as the live connection for userID, replacing any
// previous one. Returns the replaced connection id, if any.
func (r *Registry) Bind(userID, connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.byUser[userID]
	if had {
		delete(r.byConn, prev)
	}
	r.byUser[userID] = connID
	r.byConn[connID] = userID
	return prev, had
}

// Release removes the binding, but only if connID is still the current
// connection for its user. A reconnect that already replaced it is left alone.
func (r *Registry) Release(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	if r.byUser[userID] == connID {
		delete(r.byUser, userID)
	}
}

// Lookup returns the live connection for a user.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[userID]
	return connID, ok
}

// UserOf returns the user owning a connection.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

package websocket

import (
	"sort"
	"sync"

	"teleconsult/pkg/interfaces"
)

var _ interfaces.ChannelDirectory = (*Registry)(nil)

// Registry tracks live connections by id and their channel memberships
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic
// maintains clean separation between connection tracking and connection operations
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection         // connID -> Connection
	channels    map[string]map[string]struct{} // channel -> connIDs
	memberOf    map[string]map[string]struct{} // connID -> channels
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		channels:    make(map[string]map[string]struct{}),
		memberOf:    make(map[string]map[string]struct{}),
	}
}

// Register adds an authenticated connection. Ids are unique per upgrade, so
// one user may hold several connections; replacement is a presence concern.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	r.memberOf[conn.ID()] = make(map[string]struct{})
	return nil
}

// Unregister removes the connection and its memberships.
// FUNCTIONAL DISCOVERY: Idempotent operation safe for concurrent unregistration
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel := range r.memberOf[connID] {
		r.removeLocked(connID, channel)
	}
	delete(r.memberOf, connID)
	delete(r.connections, connID)
}

func (r *Registry) Join(connID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connections[connID]; !ok {
		return ErrUnknownConnection
	}
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[string]struct{})
	}
	r.channels[channel][connID] = struct{}{}
	r.memberOf[connID][channel] = struct{}{}
	return nil
}

func (r *Registry) Leave(connID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID, channel)
}

// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
func (r *Registry) removeLocked(connID, channel string) {
	if members, ok := r.channels[channel]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}
	if joined, ok := r.memberOf[connID]; ok {
		delete(joined, channel)
	}
}

// Members returns the connections joined to channel, ordered by id.
func (r *Registry) Members(channel string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.channels[channel]))
	for id := range r.channels[channel] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]interfaces.Connection, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.connections[id])
	}
	return out
}

func (r *Registry) Get(connID string) (interfaces.Connection, bool) {
	conn, ok := r.Connection(connID)
	if !ok {
		return nil, false
	}
	return conn, true
}

// Connection returns the concrete connection for connID.
func (r *Registry) Connection(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"total_connections": len(r.connections),
		"channels":          len(r.channels),
	}
}

// Package realtime tracks live connections and room membership on this
// process and moves notifications from publishers to connected users through
// per-user outboxes flushed on a fixed cadence.
package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wellmesh/realtime_layer/internal/app/domain/realtime"
)

// Sender delivers wire payloads to a single client connection. Transports
// adapt their socket type to this interface.
type Sender interface {
	Send(ctx context.Context, payload map[string]interface{}) error
	Close() error
}

// ConnectionRegistry maps user identifiers to their live connection on this
// process. A user holds at most one connection per process; connecting again
// replaces the previous handle.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*boundConn
}

type boundConn struct {
	info   realtime.Connection
	sender Sender
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[string]*boundConn)}
}

// Connect binds sender to userID and returns the connection record. When the
// user already had a connection its sender is returned so the caller can
// close it.
func (r *ConnectionRegistry) Connect(userID string, sender Sender, meta map[string]string) (realtime.Connection, Sender) {
	now := time.Now().UTC()
	info := realtime.Connection{
		UserID:            userID,
		ConnectionID:      uuid.NewString(),
		ConnectedAt:       now,
		LastActivityAt:    now,
		TransportMetadata: meta,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var replaced Sender
	if prev, ok := r.conns[userID]; ok {
		replaced = prev.sender
	}
	r.conns[userID] = &boundConn{info: info, sender: sender}
	return info, replaced
}

// Disconnect removes the user's connection and returns its sender. The
// second result is false when the user had no connection.
func (r *ConnectionRegistry) Disconnect(userID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[userID]
	if !ok {
		return nil, false
	}
	delete(r.conns, userID)
	return conn.sender, true
}

// DisconnectConn removes the user's connection only when connectionID still
// matches the bound one. A transport whose connection was replaced uses it
// to tear down without clobbering the successor binding.
func (r *ConnectionRegistry) DisconnectConn(userID, connectionID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[userID]
	if !ok || conn.info.ConnectionID != connectionID {
		return nil, false
	}
	delete(r.conns, userID)
	return conn.sender, true
}

// Sender returns the live sender for userID.
func (r *ConnectionRegistry) Sender(userID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[userID]
	if !ok {
		return nil, false
	}
	return conn.sender, true
}

// Connection returns the connection record for userID.
func (r *ConnectionRegistry) Connection(userID string) (realtime.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[userID]
	if !ok {
		return realtime.Connection{}, false
	}
	return conn.info, true
}

// IsConnected reports whether userID has a connection on this process.
func (r *ConnectionRegistry) IsConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.conns[userID]
	return ok
}

// Touch refreshes the user's last-activity timestamp.
func (r *ConnectionRegistry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[userID]; ok {
		conn.info.LastActivityAt = time.Now().UTC()
	}
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// Users returns the connected user identifiers in lexical order.
func (r *ConnectionRegistry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.conns))
	for userID := range r.conns {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

package server

import (
	"errors"
	"sync"
)

// ErrConnNotFound is returned when a conn_id has no registered connection.
var ErrConnNotFound = errors.New("connection not found")

// Connection is one public-facing TCP/HTTP connection waiting to be bridged
// through a Transfer stream (spec.md §4.C). Public-side bytes arrive on
// Inbound only after the Connection is registered: the HTTP listener sends
// the whole dumped request as one chunk, a TCP bridge sends each chunk as
// it is read.
type Connection struct {
	ID            string
	Protocol      string // "http" or "tcp"
	EntrypointKey string
	Inbound       chan []byte   // bytes arriving from the public side, to be sent to the client
	Outbound      chan []byte   // bytes arriving from the client, to be written to the public side
	Ready         chan struct{} // closed once the client has dialed its local service (Initial->Working)
	Done          chan struct{}
	closeOnce     sync.Once
	readyOnce     sync.Once
}

// Close marks the connection finished and unblocks anything selecting on
// Done. It never panics on repeated calls.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.Done)
	})
}

// MarkReady signals that the client sent its Ready frame and the
// forwarding path (draining Inbound to the client) may start (spec.md
// §4.E, the Initial->Working transition). Safe to call more than once.
func (c *Connection) MarkReady() {
	c.readyOnce.Do(func() {
		close(c.Ready)
	})
}

// IsReady reports whether MarkReady has already run, without blocking.
func (c *Connection) IsReady() bool {
	select {
	case <-c.Ready:
		return true
	default:
		return false
	}
}

// NewConnection allocates a Connection with bounded inbound/outbound
// channels, matching the fixed ChannelCapacity used throughout the control
// plane (spec.md §5).
func NewConnection(id, proto, entrypointKey string, capacity int) *Connection {
	return &Connection{
		ID:            id,
		Protocol:      proto,
		EntrypointKey: entrypointKey,
		Inbound:       make(chan []byte, capacity),
		Outbound:      make(chan []byte, capacity),
		Ready:         make(chan struct{}),
		Done:          make(chan struct{}),
	}
}

// ConnectionRegistry maps conn_id to its in-flight Connection (spec.md
// §4.C). It is a thin sync.Map wrapper, matching the teacher's
// SessionRegistry concurrency idiom.
type ConnectionRegistry struct {
	conns sync.Map // map[string]*Connection
}

// NewConnectionRegistry creates an empty Connection Registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{}
}

// Insert adds a Connection, keyed by its ID.
func (r *ConnectionRegistry) Insert(c *Connection) {
	r.conns.Store(c.ID, c)
}

// Get retrieves a Connection by conn_id.
func (r *ConnectionRegistry) Get(connID string) (*Connection, error) {
	v, ok := r.conns.Load(connID)
	if !ok {
		return nil, ErrConnNotFound
	}
	return v.(*Connection), nil
}

// Remove deletes a Connection from the registry and closes it.
func (r *ConnectionRegistry) Remove(connID string) {
	if v, ok := r.conns.LoadAndDelete(connID); ok {
		v.(*Connection).Close()
	}
}

// Count returns the number of tracked connections.
func (r *ConnectionRegistry) Count() int {
	n := 0
	r.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

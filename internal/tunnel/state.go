// Package tunnel implements the tunnel session: the single owned mutable
// view of the current transport connection, and the two operations built
// on top of it (opening an outbound substream, accepting inbound ones),
// plus the exit-side handler for substreams the peer opens on us.
//
// State is written exclusively by the reconnection supervisor and read by
// every SOCKS5 request handler; readers never hold a lock across a
// blocking call, only across the snapshot itself.
package tunnel

import (
	"sync"

	"github.com/nightglass/meshtun/internal/transport"
)

// State is the shared, single-owner view of "the current transport
// connection". At most one connection is current at a time; Generation is
// strictly non-decreasing and bumps on every successful (re)connect.
type State struct {
	mu         sync.RWMutex
	conn       transport.Connection
	generation int64

	// reconnected is closed and replaced each time Set installs a new
	// connection, so anyone blocked waiting on it wakes exactly once per
	// transition.
	reconnected chan struct{}
}

// NewState returns an empty State with no current connection.
func NewState() *State {
	return &State{reconnected: make(chan struct{})}
}

// Snapshot returns the current connection (nil if none) and the
// generation it was installed at.
func (s *State) Snapshot() (transport.Connection, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn, s.generation
}

// Generation returns the current generation without the connection.
func (s *State) Generation() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Set installs conn as the current connection, bumps the generation, and
// wakes anyone waiting on a reconnect.
func (s *State) Set(conn transport.Connection) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = conn
	s.generation++
	close(s.reconnected)
	s.reconnected = make(chan struct{})
	return s.generation
}

// Clear drops stale as the current connection if it still is one, leaving
// State with no current connection. It does not bump the generation: that
// only happens when a new connection is actually installed.
func (s *State) Clear(stale transport.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == stale {
		s.conn = nil
	}
}

func (s *State) waitReconnect() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnected
}

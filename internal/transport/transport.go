// Package transport defines the narrow capability set the tunnel session
// and supervisor need from a peer-to-peer transport, so the core can be
// exercised against an in-memory fake without a real network.
//
// Concrete implementations live in subpackages: kcpsmux wraps a real
// KCP+smux+TLS stack, memtransport is an in-process fake for tests.
package transport

import (
	"context"
	"io"
	"time"
)

// PeerHandle identifies a remote peer: a stable identifier plus optional
// address hints where it might be directly reachable.
type PeerHandle struct {
	ID    string
	Hints []string
}

// Stream is a bidirectional substream multiplexed on a Connection. Closing
// it resets the substream; callers that want an orderly half-close should
// send a protocol-level Close frame before calling Close.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Connection is a live link to one remote peer, over which substreams are
// opened or accepted.
type Connection interface {
	// OpenStream opens a new outbound substream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream blocks until the peer opens a substream, or ctx is done,
	// or the connection closes.
	AcceptStream(ctx context.Context) (Stream, error)

	// RemotePeer is the identifier of the peer at the other end, as
	// established during connection setup. kcpsmux takes it from the peer
	// certificate's CommonName, which is checked but not proven (see its
	// package doc).
	RemotePeer() string

	// Direct reports whether this connection reaches the peer without an
	// intermediary relay.
	Direct() bool

	// Latency is the transport's current round-trip estimate.
	Latency() time.Duration

	// Closed reports whether the connection has torn down.
	Closed() bool

	io.Closer
}

// Endpoint is a local transport identity capable of dialing out to known
// peers and accepting inbound connections from unknown ones.
type Endpoint interface {
	// Dial establishes a Connection to peer, using hints as candidate
	// direct addresses when non-empty.
	Dial(ctx context.Context, peer PeerHandle) (Connection, error)

	// Accept blocks until an inbound connection arrives, or ctx is done, or
	// the endpoint closes.
	Accept(ctx context.Context) (Connection, error)

	// LocalID is this endpoint's own authenticated identifier, derived from
	// the secret it was created with.
	LocalID() string

	io.Closer
}

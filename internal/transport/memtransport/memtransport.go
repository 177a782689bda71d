// Package memtransport is an in-process fake of internal/transport, used to
// exercise the tunnel session and supervisor without a real network.
package memtransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nightglass/meshtun/internal/transport"
)

// Network is a shared registry of Endpoints that can dial one another by
// ID, standing in for real-world peer discovery.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

// NewNetwork creates an empty registry.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

// NewEndpoint registers and returns a new Endpoint with the given ID.
func (n *Network) NewEndpoint(id string) *Endpoint {
	e := &Endpoint{
		id:      id,
		network: n,
		inbox:   make(chan *conn, 8),
		done:    make(chan struct{}),
	}
	n.mu.Lock()
	n.endpoints[id] = e
	n.mu.Unlock()
	return e
}

func (n *Network) lookup(id string) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.endpoints[id]
	return e, ok
}

// Endpoint is a fake transport.Endpoint backed by a Network.
type Endpoint struct {
	id      string
	network *Network

	inbox chan *conn

	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Endpoint = (*Endpoint)(nil)

func (e *Endpoint) LocalID() string { return e.id }

// Dial connects to the peer named by peer.ID if it has been registered on
// the same Network and is still accepting.
func (e *Endpoint) Dial(ctx context.Context, peer transport.PeerHandle) (transport.Connection, error) {
	target, ok := e.network.lookup(peer.ID)
	if !ok {
		return nil, fmt.Errorf("memtransport: unknown peer %q", peer.ID)
	}

	mine, theirs := newConnPair(e.id, target.id)

	select {
	case target.inbox <- theirs:
	case <-target.done:
		return nil, fmt.Errorf("memtransport: peer %q is closed", peer.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return mine, nil
}

// Accept blocks until a peer dials this Endpoint.
func (e *Endpoint) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case c := <-e.inbox:
		return c, nil
	case <-e.done:
		return nil, errors.New("memtransport: endpoint closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

// link is the shared teardown state between the two conn values of a pair,
// so closing either side closes both without double-closing the channel.
type link struct {
	closeOnce sync.Once
	closed    chan struct{}
}

func (l *link) close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

// conn is a fake transport.Connection: two of them, linked by channels,
// stand in for the two ends of a peer-to-peer connection.
type conn struct {
	localID, remoteID string

	// outgoing carries streams this side opens, for the peer's
	// AcceptStream to receive.
	outgoing chan net.Conn
	// incoming is the peer's outgoing channel, i.e. what this side's
	// AcceptStream reads from.
	incoming chan net.Conn

	link *link
}

var _ transport.Connection = (*conn)(nil)

func newConnPair(aID, bID string) (*conn, *conn) {
	aToB := make(chan net.Conn, 8)
	bToA := make(chan net.Conn, 8)
	l := &link{closed: make(chan struct{})}

	a := &conn{localID: aID, remoteID: bID, outgoing: aToB, incoming: bToA, link: l}
	b := &conn{localID: bID, remoteID: aID, outgoing: bToA, incoming: aToB, link: l}
	return a, b
}

func (c *conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	mine, theirs := net.Pipe()
	select {
	case c.outgoing <- theirs:
		return mine, nil
	case <-c.link.closed:
		_ = mine.Close()
		_ = theirs.Close()
		return nil, errors.New("memtransport: connection closed")
	case <-ctx.Done():
		_ = mine.Close()
		_ = theirs.Close()
		return nil, ctx.Err()
	}
}

func (c *conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.incoming:
		return s, nil
	case <-c.link.closed:
		return nil, errors.New("memtransport: connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) RemotePeer() string { return c.remoteID }

func (c *conn) Direct() bool { return true }

func (c *conn) Latency() time.Duration { return 0 }

func (c *conn) Closed() bool {
	select {
	case <-c.link.closed:
		return true
	default:
		return false
	}
}

func (c *conn) Close() error {
	c.link.close()
	return nil
}

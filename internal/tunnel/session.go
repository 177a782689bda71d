package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nightglass/meshtun/internal/transport"
	"github.com/nightglass/meshtun/internal/wire"
)

// bufferedStream lets a substream's first frame be decoded through a
// bufio.Reader without losing any bytes the reader buffered past that
// frame's boundary: all later Reads go through the same bufio.Reader, which
// falls through to the underlying substream once its buffer drains.
type bufferedStream struct {
	transport.Stream
	r *bufio.Reader
}

func (b *bufferedStream) Read(p []byte) (int, error) { return b.r.Read(p) }

// ErrUnavailable is returned by OpenOutbound when no transport connection
// becomes current within the reconnect wait.
var ErrUnavailable = errors.New("tunnel: transport unavailable")

// reconnectWait bounds how long OpenOutbound suspends for a connection to
// appear, distinct from the supervisor's own unbounded retry.
const reconnectWait = 5 * time.Second

// Session is the request-facing API onto a State.
type Session struct {
	state *State
}

// NewSession wraps state for use by SOCKS5 request handlers.
func NewSession(state *State) *Session {
	return &Session{state: state}
}

// RequestRecord describes a successfully opened outbound substream, for
// the request logger to annotate.
type RequestRecord struct {
	Host      string
	Port      uint16
	Direct    bool
	Latency   time.Duration
	StartedAt time.Time
}

// OpenOutbound opens a new substream on the current connection, writes
// Connect{host,port}, and waits for the peer's one reply frame. Connected
// yields the substream; Error closes the substream and returns an error
// whose text carries the peer's message (there is no distinct error type or
// sentinel for it); any other frame is a protocol violation.
func (s *Session) OpenOutbound(ctx context.Context, host string, port uint16) (transport.Stream, RequestRecord, error) {
	conn, err := s.currentOrWait(ctx)
	if err != nil {
		return nil, RequestRecord{}, err
	}

	sub, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, RequestRecord{}, fmt.Errorf("tunnel: open substream: %w", err)
	}

	if err := wire.Encode(sub, wire.Connect(host, port)); err != nil {
		_ = sub.Close()
		return nil, RequestRecord{}, fmt.Errorf("tunnel: write Connect: %w", err)
	}

	rec := RequestRecord{
		Host:      host,
		Port:      port,
		Direct:    conn.Direct(),
		Latency:   conn.Latency(),
		StartedAt: time.Now(),
	}

	r := wire.NewReader(sub)
	reply, err := wire.Decode(r)
	if err != nil {
		_ = sub.Close()
		return nil, rec, fmt.Errorf("tunnel: read Connect reply: %w", err)
	}

	switch reply.Tag {
	case wire.TagConnected:
		return &bufferedStream{Stream: sub, r: r}, rec, nil
	case wire.TagError:
		_ = sub.Close()
		return nil, rec, fmt.Errorf("tunnel: exit error: %s", reply.ErrMessage)
	default:
		_ = sub.Close()
		return nil, rec, fmt.Errorf("%w: got %s as Connect reply", wire.ErrProtocolViolation, reply.Tag)
	}
}

// currentOrWait returns the current live connection, waiting up to
// reconnectWait for one to appear if none is current right now.
func (s *Session) currentOrWait(ctx context.Context) (transport.Connection, error) {
	if conn, _ := s.state.Snapshot(); conn != nil && !conn.Closed() {
		return conn, nil
	}

	wait := s.state.waitReconnect()
	timer := time.NewTimer(reconnectWait)
	defer timer.Stop()

	select {
	case <-wait:
		if conn, _ := s.state.Snapshot(); conn != nil {
			return conn, nil
		}
		return nil, ErrUnavailable
	case <-timer.C:
		return nil, ErrUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InboundConnect is a peer-initiated substream whose first frame has
// already been read and decoded as Connect, ready for the exit-side
// handler.
type InboundConnect struct {
	Stream transport.Stream
	Host   string
	Port   uint16
}

// AcceptInbound is a long-running producer bound to one connection's
// lifetime: it accepts substreams and decodes each one's first frame as
// Connect, publishing well-formed ones on out. A substream whose first
// frame isn't a valid Connect is a protocol violation local to that
// substream; it's reset and skipped, not fatal to the loop. AcceptInbound
// returns when conn stops accepting (closed, or ctx done).
func AcceptInbound(ctx context.Context, conn transport.Connection, out chan<- InboundConnect) error {
	for {
		sub, err := conn.AcceptStream(ctx)
		if err != nil {
			return err
		}

		r := wire.NewReader(sub)
		msg, err := wire.Decode(r)
		if err != nil || msg.Tag != wire.TagConnect {
			_ = sub.Close()
			continue
		}

		select {
		case out <- InboundConnect{Stream: &bufferedStream{Stream: sub, r: r}, Host: msg.Host, Port: msg.Port}:
		case <-ctx.Done():
			_ = sub.Close()
			return ctx.Err()
		}
	}
}

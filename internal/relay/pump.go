// Package relay bridges a local TCP half-connection to a remote tunnel
// substream, framing bytes in one direction and unframing them in the
// other, with ordered shutdown and byte accounting.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nightglass/meshtun/internal/wire"
)

const bufSize = 16 * 1024

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufSize)
		return &b
	},
}

// Stats reports bytes moved across a completed Pump run. Up is local-to-
// tunnel, Down is tunnel-to-local.
type Stats struct {
	Up   int64
	Down int64
}

// halfCloser is satisfied by *net.TCPConn; Pump uses it to signal EOF to the
// local peer without tearing down the read side too.
type halfCloser interface {
	CloseWrite() error
}

// Pump runs the bidirectional copy between conn and sub until both
// directions have terminated. It always closes conn and, if sub implements
// io.Closer, sub as well, before returning.
//
// Each half can terminate cleanly on its own (L->T on local EOF after
// sending Close, T->L on a received Close) without the other having
// finished; only an actual error on one half forces the other closed. ctx
// cancellation does the same, from the outside.
//
// It returns the peer's error message if the substream carried an Error
// frame, and wire.ErrProtocolViolation if either side sent a malformed or
// out-of-place frame.
func Pump(ctx context.Context, conn net.Conn, sub io.ReadWriter) (Stats, error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = conn.Close()
			if c, ok := sub.(io.Closer); ok {
				_ = c.Close()
			}
		})
	}
	defer closeBoth()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			closeBoth()
		case <-watchDone:
		}
	}()

	var stats Stats
	var g errgroup.Group

	g.Go(func() error {
		n, err := pumpLocalToTunnel(conn, sub)
		stats.Up = n
		if err != nil {
			closeBoth()
		}
		return err
	})

	g.Go(func() error {
		n, err := pumpTunnelToLocal(sub, conn)
		stats.Down = n
		if err != nil {
			closeBoth()
		}
		return err
	})

	return stats, g.Wait()
}

// pumpLocalToTunnel reads from conn and writes each non-empty read to sub as
// a Data frame, terminating with a Close frame on EOF.
func pumpLocalToTunnel(conn net.Conn, sub io.Writer) (int64, error) {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp

	var total int64
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			total += int64(n)
			data := make([]byte, n)
			copy(data, buf[:n])
			if werr := wire.Encode(sub, wire.DataMsg(data)); werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, wire.Encode(sub, wire.Close())
			}
			return total, err
		}
	}
}

// pumpTunnelToLocal reads frames from sub and applies them to conn: Data
// payloads are written through, Close half-closes conn's write side and
// ends the pump cleanly, Error is surfaced as an error.
func pumpTunnelToLocal(sub io.Reader, conn net.Conn) (int64, error) {
	r := wire.NewReader(sub)

	var total int64
	for {
		msg, err := wire.Decode(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}

		switch msg.Tag {
		case wire.TagData:
			n, werr := conn.Write(msg.Data)
			total += int64(n)
			if werr != nil {
				return total, werr
			}
		case wire.TagClose:
			halfClose(conn)
			return total, nil
		case wire.TagError:
			return total, fmt.Errorf("relay: peer error: %s", msg.ErrMessage)
		default:
			return total, fmt.Errorf("%w: unexpected %s frame mid-relay", wire.ErrProtocolViolation, msg.Tag)
		}
	}
}

func halfClose(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseWrite()
		return
	}
	_ = conn.Close()
}

package tunnel

import (
	"context"

	"github.com/nightglass/meshtun/internal/transport"
)

// ServeInbound is the long-running inbound-accept task the orchestrator
// spawns alongside the supervisor: it follows State across every
// reconnect, running AcceptInbound against whichever connection is
// currently live and publishing each well-formed peer-initiated Connect on
// out. It returns only when ctx is done.
//
// AcceptInbound for a connection that's since been replaced or lost simply
// errors out on its own (the transport's AcceptStream returns once the
// connection closes); ServeInbound doesn't need to detect that itself, only
// notice the next successful reconnect and move on to the new connection.
func ServeInbound(ctx context.Context, state *State, out chan<- InboundConnect) error {
	var last transport.Connection

	for {
		if conn, _ := state.Snapshot(); conn != nil && conn != last {
			last = conn
			subCtx, cancel := context.WithCancel(ctx)
			go func(c transport.Connection) {
				defer cancel()
				_ = AcceptInbound(subCtx, c, out)
			}(conn)
		}

		select {
		case <-state.waitReconnect():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

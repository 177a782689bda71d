package tunnel

import (
	"context"
	"net"
	"time"

	"github.com/nightglass/meshtun/internal/dialer"
	"github.com/nightglass/meshtun/internal/loopguard"
	"github.com/nightglass/meshtun/internal/relay"
	"github.com/nightglass/meshtun/internal/wire"
)

// dialTimeout bounds the exit-side TCP dial, independent of any timeout the
// caller's ctx already carries.
const dialTimeout = 10 * time.Second

// ExitHandler implements the exit side of one inbound Connect: check the
// loop guard, dial the destination, and either hand the substream to the
// relay pump or report failure back to the initiator. It always closes
// ic.Stream before returning.
//
// wrapConn, if non-nil, is applied to the dialed connection before the
// relay pump runs — the orchestrator's request logger uses this to attach
// its best-effort sniff of the first relayed buffer without exit.go itself
// depending on the logger.
//
// onDone, if non-nil, is called exactly once with the relay outcome after a
// successful dial (never for a rejected or failed dial), for request
// logging.
func ExitHandler(ctx context.Context, ic InboundConnect, guard *loopguard.Guard, dialCfg dialer.Config, wrapConn func(net.Conn) net.Conn, onDone func(relay.Stats, error)) {
	defer ic.Stream.Close()

	if !guard.Allowed(ic.Host, ic.Port) {
		_ = wire.Encode(ic.Stream, wire.Err("loop detected"))
		return
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := dialer.Dial(dctx, ic.Host, ic.Port, dialCfg)
	cancel()
	if err != nil {
		_ = wire.Encode(ic.Stream, wire.Err(err.Error()))
		return
	}

	if wrapConn != nil {
		conn = wrapConn(conn)
	}

	if err := wire.Encode(ic.Stream, wire.Connected()); err != nil {
		_ = conn.Close()
		if onDone != nil {
			onDone(relay.Stats{}, err)
		}
		return
	}

	stats, err := relay.Pump(ctx, conn, ic.Stream)
	if onDone != nil {
		onDone(stats, err)
	}
}

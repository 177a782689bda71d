// Package supervisor drives the reconnection state machine: it owns the
// single transport connection's lifecycle, dialing out, absorbing inbound
// connections, probing for loss, and retrying on a doubling backoff.
//
// Idle --connect_attempt--> Connecting
// Connecting --success--> Connected
// Connecting --failure--> Backoff(d)
// Backoff(d) --timer(d)--> Connecting
// Connected --transport closed--> Backoff(1s)
package supervisor

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nightglass/meshtun/internal/identity"
	"github.com/nightglass/meshtun/internal/transport"
	"github.com/nightglass/meshtun/internal/tunnel"
)

// healthProbeInterval is how often the current connection's liveness
// indicator is polled; the transport's own keepalive does the actual work,
// this just surfaces a dead connection to the state machine promptly.
const healthProbeInterval = 5 * time.Second

// initialBackoff is both the first retry delay after a failed connect and
// the delay entered directly on losing an already-established connection.
const initialBackoff = 1 * time.Second

// maxBackoff caps the doubling backoff schedule.
const maxBackoff = 60 * time.Second

// Config wires a Supervisor to its dependencies.
type Config struct {
	Endpoint transport.Endpoint
	State    *tunnel.State
	Identity *identity.Store

	// Initial seeds the first connect attempt: a ticket's peer handle if one
	// was given at startup, else the persisted last-known peer, else the
	// zero value, in which case the supervisor stays Idle until an inbound
	// connection arrives.
	Initial transport.PeerHandle
}

// Supervisor is the sole writer of the tunnel.State it was built with.
type Supervisor struct {
	endpoint transport.Endpoint
	state    *tunnel.State
	identity *identity.Store
	initial  transport.PeerHandle

	sf singleflight.Group

	lossCh chan transport.Connection
}

// New builds a Supervisor from cfg. Call Run to start it.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		endpoint: cfg.Endpoint,
		state:    cfg.State,
		identity: cfg.Identity,
		initial:  cfg.Initial,
		lossCh:   make(chan transport.Connection, 1),
	}
}

// Snapshot forwards to the underlying tunnel.State, so callers depend on the
// supervisor rather than reaching into shared mutable state directly.
func (sv *Supervisor) Snapshot() (transport.Connection, int64) {
	return sv.state.Snapshot()
}

// Run drives the state machine until ctx is done or the transport endpoint
// stops accepting. It spawns the inbound-accept loop, the health probe, and
// the connect/backoff loop as independent tasks: whichever returns first,
// for any reason, cancels a shared derived context so the other two follow
// it out rather than running forever waiting on each other.
func (sv *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan transport.Connection)

	wrap := func(fn func(context.Context) error) func() error {
		return func() error {
			defer cancel()
			return fn(ctx)
		}
	}

	var g errgroup.Group
	g.Go(wrap(func(ctx context.Context) error { return sv.acceptLoop(ctx, inbound) }))
	g.Go(wrap(func(ctx context.Context) error { return sv.healthProbeLoop(ctx) }))
	g.Go(wrap(func(ctx context.Context) error { return sv.connectLoop(ctx, inbound) }))
	return g.Wait()
}

// acceptLoop repeatedly accepts inbound peer connections and hands each to
// the connect loop; it never decides what to do with them.
func (sv *Supervisor) acceptLoop(ctx context.Context, inbound chan<- transport.Connection) error {
	for {
		conn, err := sv.endpoint.Accept(ctx)
		if err != nil {
			return err
		}
		select {
		case inbound <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()
		}
	}
}

// healthProbeLoop polls the current connection's liveness every
// healthProbeInterval and reports a dead one to the connect loop. No
// application-level ping is sent; the transport's own keepalive is what
// actually detects loss, this only surfaces it.
func (sv *Supervisor) healthProbeLoop(ctx context.Context) error {
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn, _ := sv.state.Snapshot()
			if conn != nil && conn.Closed() {
				sv.state.Clear(conn)
				select {
				case sv.lossCh <- conn:
				default: // already reported; connect loop hasn't consumed it yet
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// connectLoop is the state machine itself. target is the peer the next
// connect attempt dials; it's empty until either a seed is given or an
// inbound connection tells us who our peer is.
func (sv *Supervisor) connectLoop(ctx context.Context, inbound <-chan transport.Connection) error {
	target := sv.initial
	backoff := initialBackoff

	for {
		if target.ID == "" {
			// Idle: nothing to dial, wait for the peer to reach us first.
			select {
			case conn := <-inbound:
				sv.promote(conn, nil)
				target = transport.PeerHandle{ID: conn.RemotePeer()}
				backoff = initialBackoff
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		conn, err := sv.attemptConnect(ctx, target, inbound)
		if err != nil {
			return err
		}
		if conn == nil {
			// Dial failed; attemptConnect already logged why. Not fatal:
			// back off and retry, per the unbounded-retry rule.
			if err := sv.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff)
			continue
		}

		// Carry target's Hints forward only if conn really is target: an
		// inbound connection from a different peer preempting our dial
		// means we have no known hints for whoever just connected.
		target = carryHints(target, conn)
		backoff = initialBackoff

		if err := sv.waitForLoss(ctx, conn, inbound); err != nil {
			return err
		}

		// "Connected -> transport closed -> Backoff(1s)": always a flat 1s
		// wait here, independent of whatever the failed-dial schedule was.
		if err := sv.sleep(ctx, initialBackoff); err != nil {
			return err
		}
		backoff = initialBackoff
	}
}

func (sv *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attemptConnect dials target, racing the dial against an inbound
// connection that might preempt it; whichever completes first wins and the
// other is abandoned. A nil connection with a nil error means the dial
// failed transiently (already logged here); a non-nil error means ctx was
// canceled and the whole supervisor must stop.
func (sv *Supervisor) attemptConnect(ctx context.Context, target transport.PeerHandle, inbound <-chan transport.Connection) (transport.Connection, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		conn transport.Connection
		err  error
	}
	dialDone := make(chan result, 1)
	go func() {
		c, derr := sv.dial(dialCtx, target)
		dialDone <- result{c, derr}
	}()

	select {
	case in := <-inbound:
		cancel()
		<-dialDone // let the abandoned attempt unwind before reusing dialCtx's resources
		sv.promote(in, hintsIfMatch(target, in))
		return in, nil
	case res := <-dialDone:
		if res.err != nil {
			log.Printf("supervisor: connect to %s failed: %v", target.ID, res.err)
			return nil, nil
		}
		sv.promote(res.conn, target.Hints)
		return res.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// hintsIfMatch returns target.Hints only if conn actually authenticated as
// target.ID; an inbound connection that preempted a dial attempt may be
// from an entirely different peer, whose address we never learned.
func hintsIfMatch(target transport.PeerHandle, conn transport.Connection) []string {
	if conn.RemotePeer() == target.ID {
		return target.Hints
	}
	return nil
}

// carryHints rebuilds a PeerHandle for conn, keeping target.Hints only when
// conn is confirmed to be target — otherwise a redial to this handle would
// carry stale hints for the wrong peer.
func carryHints(target transport.PeerHandle, conn transport.Connection) transport.PeerHandle {
	return transport.PeerHandle{ID: conn.RemotePeer(), Hints: hintsIfMatch(target, conn)}
}

// dial performs the actual connect, deduped via singleflight so a retry
// triggered from one path never races a connect attempt already in flight
// from another.
func (sv *Supervisor) dial(ctx context.Context, target transport.PeerHandle) (transport.Connection, error) {
	ch := sv.sf.DoChan("connect", func() (any, error) {
		return sv.endpoint.Dial(ctx, target)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(transport.Connection), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// waitForLoss blocks while conn is current, returning nil once it's been
// reported lost (by the health probe) so the caller can re-enter the
// connect/backoff cycle. A redundant inbound connection arriving while conn
// is still current is logged and closed; the existing session is kept.
func (sv *Supervisor) waitForLoss(ctx context.Context, conn transport.Connection, inbound <-chan transport.Connection) error {
	for {
		select {
		case lost := <-sv.lossCh:
			if lost == conn {
				log.Printf("supervisor: lost connection to %s", conn.RemotePeer())
				return nil
			}
			// Stale report for a connection we've already replaced.
		case extra := <-inbound:
			log.Printf("supervisor: dropping redundant inbound connection from %s, already connected", extra.RemotePeer())
			_ = extra.Close()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// promote installs conn as the current connection and persists the peer
// handle, including hints, on entering Connected. Persistence happens only
// here, after the transport has already reported the connection ready
// (Dial/Accept returning success is that readiness signal), so a handle is
// never saved for a peer this node hasn't actually reached. hints is nil
// when conn arrived as an inbound connection this node never dialed, or
// when it preempted a dial to a different peer; the persisted peer handle
// is then undialable until another inbound connection teaches us an
// address, matching the Idle behavior a fresh start would have.
func (sv *Supervisor) promote(conn transport.Connection, hints []string) {
	gen := sv.state.Set(conn)
	sv.identity.SavePeer(identity.PeerHandle{ID: conn.RemotePeer(), Hints: hints})
	log.Printf("supervisor: connected to %s (generation %d, direct=%v)", conn.RemotePeer(), gen, conn.Direct())
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

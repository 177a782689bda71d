package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nightglass/meshtun/internal/dialer"
	"github.com/nightglass/meshtun/internal/identity"
	"github.com/nightglass/meshtun/internal/loopguard"
	"github.com/nightglass/meshtun/internal/netutil"
	"github.com/nightglass/meshtun/internal/relay"
	"github.com/nightglass/meshtun/internal/reqlog"
	"github.com/nightglass/meshtun/internal/socks5"
	"github.com/nightglass/meshtun/internal/supervisor"
	"github.com/nightglass/meshtun/internal/ticket"
	"github.com/nightglass/meshtun/internal/transport"
	"github.com/nightglass/meshtun/internal/transport/kcpsmux"
	"github.com/nightglass/meshtun/internal/tunnel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socks5Listen = pflag.String("socks5-listen", "127.0.0.1:1080", "Local SOCKS5 proxy listen address")
		port         = pflag.Int("port", 0, "Alias for --socks5-listen's port; overrides the port of --socks5-listen when set")
		tunnelListen = pflag.String("tunnel-listen", "0.0.0.0:41080", "UDP address to accept inbound tunnel connections on. Empty disables inbound connections.")
		peerTicket   = pflag.String("peer", "", "Ticket string for the remote peer to dial. Empty waits for an inbound connection or reuses the last known peer.")
		tunnelHints  = pflag.StringArray("tunnel-hint", nil, "host:port address hint advertised in this node's own ticket, for peers dialing us directly. Repeatable.")
		dataDir      = pflag.String("data-dir", ".", "Directory holding persisted identity and peer state")

		dialTimeout  = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for each exit-side TCP connect attempt (lookup and all attempts together are capped at 10s)")
		tcpKeepAlive = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		debugListen  = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		logFile      = pflag.String("log-file", "", "Path to write logs to. Empty logs to stderr.")
		verbose      = pflag.Bool("verbose", false, "Enable per-connection error logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *port != 0 {
		host, _, err := net.SplitHostPort(*socks5Listen)
		if err != nil {
			return fmt.Errorf("invalid --socks5-listen: %w", err)
		}
		*socks5Listen = net.JoinHostPort(host, strconv.Itoa(*port))
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open --log-file: %w", err)
		}
		log.SetOutput(f)
	}

	idStore, err := identity.Load(*dataDir)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	ownTicket, err := ticket.Encode(ticket.Ticket{PublicKey: idStore.PublicKey(), Hints: *tunnelHints})
	if err != nil {
		return fmt.Errorf("encode local ticket: %w", err)
	}
	log.Printf("local identity %s", idStore.ID())
	log.Printf("ticket for peers: %s", ownTicket)

	initial, err := resolveInitialPeer(*peerTicket, idStore)
	if err != nil {
		return fmt.Errorf("invalid --peer: %w", err)
	}

	ep, err := kcpsmux.New(kcpsmux.Config{
		Secret:     idStore.Secret(),
		LocalID:    idStore.ID(),
		ListenAddr: *tunnelListen,
	})
	if err != nil {
		return fmt.Errorf("tunnel endpoint: %w", err)
	}

	guard, err := loopguard.New(*socks5Listen)
	if err != nil {
		return fmt.Errorf("loop guard: %w", err)
	}

	dialCfg := dialer.Config{DialTimeout: *dialTimeout, KeepAlive: ka}
	reqLogger := reqlog.New(nil)

	state := tunnel.NewState()
	sess := tunnel.NewSession(state)
	sv := supervisor.New(supervisor.Config{
		Endpoint: ep,
		State:    state,
		Identity: idStore,
		Initial:  initial,
	})

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	context.AfterFunc(ctx, func() { _ = ep.Close() })

	g.Go(func() error { return sv.Run(ctx) })

	inboundCh := make(chan tunnel.InboundConnect)
	g.Go(func() error { return tunnel.ServeInbound(ctx, state, inboundCh) })

	g.Go(func() error {
		for {
			select {
			case ic := <-inboundCh:
				go serveExit(ctx, ic, guard, dialCfg, reqLogger)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Printf("debug listening on %s", *debugListen)
	}

	ln, err := netutil.ListenTCP("tcp", *socks5Listen, ka)
	if err != nil {
		return fmt.Errorf("socks5 listen: %w", err)
	}
	context.AfterFunc(ctx, func() { _ = ln.Close() })

	g.Go(func() error {
		for {
			c, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
					return fmt.Errorf("socks5 accept: %w", err)
				}
			}
			go serveSOCKS5(ctx, c, sess, reqLogger, *verbose, ln.Addr())
		}
	})
	log.Printf("socks5 proxy listening on %s", *socks5Listen)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	log.Print("shutting down")
	return err
}

// resolveInitialPeer decides who the supervisor should try first: the peer
// named by --peer if given, else the last peer this node successfully
// connected to, else the zero handle (stay Idle until an inbound connection
// arrives).
func resolveInitialPeer(peerTicket string, idStore *identity.Store) (transport.PeerHandle, error) {
	if peerTicket != "" {
		t, err := ticket.Decode(peerTicket)
		if err != nil {
			return transport.PeerHandle{}, err
		}
		return transport.PeerHandle{ID: hex.EncodeToString(t.PublicKey[:]), Hints: t.Hints}, nil
	}

	if h, ok := idStore.LoadPeer(); ok {
		return transport.PeerHandle{ID: h.ID, Hints: h.Hints}, nil
	}

	return transport.PeerHandle{}, nil
}

// serveExit runs the exit side of one peer-initiated Connect, wiring the
// request logger's start/end bookkeeping and first-buffer sniff around
// tunnel.ExitHandler.
func serveExit(ctx context.Context, ic tunnel.InboundConnect, guard *loopguard.Guard, dialCfg dialer.Config, reqLogger *reqlog.Logger) {
	rec := reqlog.Record{Host: ic.Host, Port: ic.Port, Direction: reqlog.Inbound}
	active := reqLogger.Start(rec)
	wrapConn := func(c net.Conn) net.Conn { return reqLogger.WrapForSniff(c, rec) }
	tunnel.ExitHandler(ctx, ic, guard, dialCfg, wrapConn, active.End)
}

// serveSOCKS5 drives one local client connection through the SOCKS5
// handshake and, on a successful CONNECT, relays it over a substream opened
// on the current tunnel session.
func serveSOCKS5(ctx context.Context, conn net.Conn, sess *tunnel.Session, reqLogger *reqlog.Logger, verbose bool, localAddr net.Addr) {
	defer conn.Close()

	if err := socks5.ServerNegotiateNoAuth(conn); err != nil {
		if verbose {
			log.Printf("socks5: negotiate: %v", err)
		}
		return
	}

	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		if verbose {
			log.Printf("socks5: request: %v", err)
		}
		return
	}

	if req.Cmd != socks5.CmdConnect {
		socks5.WriteCommandNotSupportedReply(conn)
		return
	}

	host, port, ok := socks5.Destination(req)
	if !ok {
		socks5.WriteAddrNotSupportedReply(conn)
		return
	}

	stream, sessRec, err := sess.OpenOutbound(ctx, host, port)
	if err != nil {
		writeOpenOutboundFailure(conn, err, verbose)
		return
	}
	defer stream.Close()

	if err := socks5.WriteSuccessReply(conn, localAddr); err != nil {
		if verbose {
			log.Printf("socks5: success reply: %v", err)
		}
		return
	}

	rec := reqlog.Record{Host: host, Port: port, Direction: reqlog.Outbound, Direct: sessRec.Direct, Latency: sessRec.Latency}
	active := reqLogger.Start(rec)

	stats, err := relay.Pump(ctx, conn, stream)
	active.End(stats, err)
}

// writeOpenOutboundFailure maps a failed OpenOutbound into the closest
// matching SOCKS5 REP code. The tunnel protocol only carries a
// human-readable string for an exit-side Error (see exit.go's wire.Err
// calls), so this is necessarily a best-effort classification of that
// string rather than a typed error.
func writeOpenOutboundFailure(conn net.Conn, err error, verbose bool) {
	switch {
	case errors.Is(err, tunnel.ErrUnavailable):
		socks5.WriteNetworkUnreachableReply(conn)
	case strings.Contains(err.Error(), "loop detected"):
		socks5.WriteNotAllowedReply(conn)
	case strings.Contains(err.Error(), "exit error"):
		socks5.WriteHostUnreachableReply(conn)
	default:
		socks5.WriteGeneralFailureReply(conn)
	}
	if verbose {
		log.Printf("socks5: open outbound %s: %v", conn.RemoteAddr(), err)
	}
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

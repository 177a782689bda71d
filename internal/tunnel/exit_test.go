package tunnel

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/nightglass/meshtun/internal/dialer"
	"github.com/nightglass/meshtun/internal/loopguard"
	"github.com/nightglass/meshtun/internal/relay"
	"github.com/nightglass/meshtun/internal/testutil"
	"github.com/nightglass/meshtun/internal/transport"
	"github.com/nightglass/meshtun/internal/transport/memtransport"
	"github.com/nightglass/meshtun/internal/wire"
)

func newGuard(t *testing.T) *loopguard.Guard {
	t.Helper()
	g, err := loopguard.New("127.0.0.1:1080")
	if err != nil {
		t.Fatal(err)
	}
	return g
}

// dialInboundConnect drives a caller substream through Connect, returning
// the caller's end of the substream and the InboundConnect ExitHandler would
// receive on the exit side.
func dialInboundConnect(t *testing.T, host string, port uint16) (caller transport.Stream, ic InboundConnect) {
	t.Helper()

	network := memtransport.NewNetwork()
	exitEP := network.NewEndpoint("exit")
	callerEP := network.NewEndpoint("caller")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acceptCh := make(chan transport.Connection, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := exitEP.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c
	}()

	callerConn, err := callerEP.Dial(ctx, transport.PeerHandle{ID: "exit"})
	if err != nil {
		t.Fatal(err)
	}

	var exitConn transport.Connection
	select {
	case exitConn = <-acceptCh:
	case err := <-errCh:
		t.Fatal(err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for Accept")
	}

	callerSub, err := callerConn.OpenStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := wire.Encode(callerSub, wire.Connect(host, port)); err != nil {
		t.Fatal(err)
	}

	exitSub, err := exitConn.AcceptStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := wire.Decode(wire.NewReader(exitSub))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Tag != wire.TagConnect {
		t.Fatalf("got tag %s, want Connect", msg.Tag)
	}

	return callerSub, InboundConnect{Stream: exitSub, Host: msg.Host, Port: msg.Port}
}

func TestExitHandlerRelaysOnSuccessfulDial(t *testing.T) {
	t.Parallel()

	ln, stop := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		buf := make([]byte, 5)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		_, _ = c.Write([]byte("world"))
	})
	defer stop()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	portInt, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	port := uint16(portInt)

	caller, ic := dialInboundConnect(t, host, port)
	defer caller.Close()

	done := make(chan struct{})
	var gotStats relay.Stats
	go func() {
		defer close(done)
		ExitHandler(context.Background(), ic, newGuard(t), dialer.DefaultConfig(), nil, func(s relay.Stats, _ error) {
			gotStats = s
		})
	}()

	r := wire.NewReader(caller)
	reply, err := wire.Decode(r)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Tag != wire.TagConnected {
		t.Fatalf("got tag %s, want Connected", reply.Tag)
	}

	if err := wire.Encode(caller, wire.DataMsg([]byte("hello"))); err != nil {
		t.Fatal(err)
	}

	frame, err := wire.Decode(r)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Tag != wire.TagData || string(frame.Data) != "world" {
		t.Fatalf("got %+v, want Data(world)", frame)
	}

	_ = caller.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ExitHandler did not return")
	}
	if gotStats.Up == 0 {
		t.Error("expected non-zero upstream byte count")
	}
}

func TestExitHandlerAppliesWrapConn(t *testing.T) {
	t.Parallel()

	ln, stop := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})
	defer stop()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	portInt, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	caller, ic := dialInboundConnect(t, host, uint16(portInt))
	defer caller.Close()

	var wrapped bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		ExitHandler(context.Background(), ic, newGuard(t), dialer.DefaultConfig(),
			func(c net.Conn) net.Conn { wrapped = true; return c },
			nil)
	}()

	if _, err := wire.Decode(wire.NewReader(caller)); err != nil {
		t.Fatal(err)
	}
	_ = caller.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ExitHandler did not return")
	}
	if !wrapped {
		t.Error("expected wrapConn to be called")
	}
}

func TestExitHandlerRejectsLoop(t *testing.T) {
	t.Parallel()

	caller, ic := dialInboundConnect(t, "127.0.0.1", 1080)
	defer caller.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ExitHandler(context.Background(), ic, newGuard(t), dialer.DefaultConfig(), nil, func(relay.Stats, error) {
			t.Error("onDone should not be called for a rejected dial")
		})
	}()

	reply, err := wire.Decode(wire.NewReader(caller))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Tag != wire.TagError {
		t.Fatalf("got tag %s, want Error", reply.Tag)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ExitHandler did not return")
	}
}

func TestExitHandlerReportsDialFailure(t *testing.T) {
	t.Parallel()

	caller, ic := dialInboundConnect(t, "127.0.0.1", 1)
	defer caller.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ExitHandler(ctx, ic, newGuard(t), dialer.Config{DialTimeout: time.Second}, nil, func(relay.Stats, error) {
			t.Error("onDone should not be called for a failed dial")
		})
	}()

	reply, err := wire.Decode(wire.NewReader(caller))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Tag != wire.TagError {
		t.Fatalf("got tag %s, want Error", reply.Tag)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ExitHandler did not return")
	}
}

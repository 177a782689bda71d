package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/nightglass/meshtun/internal/identity"
	"github.com/nightglass/meshtun/internal/transport"
	"github.com/nightglass/meshtun/internal/transport/memtransport"
	"github.com/nightglass/meshtun/internal/tunnel"
)

func newIdentity(t *testing.T) *identity.Store {
	t.Helper()
	store, err := identity.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestSupervisorConnectsToSeededPeerAndPersistsIt(t *testing.T) {
	t.Parallel()

	network := memtransport.NewNetwork()
	network.NewEndpoint("peer") // the remote side exists but never calls Accept; Dial alone succeeds.
	local := network.NewEndpoint("local")

	state := tunnel.NewState()
	idStore := newIdentity(t)

	sv := New(Config{
		Endpoint: local,
		State:    state,
		Identity: idStore,
		Initial:  transport.PeerHandle{ID: "peer"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- sv.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for {
		if conn, gen := sv.Snapshot(); conn != nil && gen == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("supervisor never reached generation 1")
		case <-time.After(10 * time.Millisecond):
		}
	}

	peer, ok := idStore.LoadPeer()
	if !ok || peer.ID != "peer" {
		t.Fatalf("expected persisted peer handle for 'peer', got %+v (ok=%v)", peer, ok)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestSupervisorPromotesInboundConnectionWhenIdle(t *testing.T) {
	t.Parallel()

	network := memtransport.NewNetwork()
	local := network.NewEndpoint("local")
	remote := network.NewEndpoint("remote")

	state := tunnel.NewState()
	idStore := newIdentity(t)

	sv := New(Config{
		Endpoint: local,
		State:    state,
		Identity: idStore,
		// No Initial: stays Idle until remote dials in.
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- sv.Run(ctx) }()

	if _, gen := sv.Snapshot(); gen != 0 {
		t.Fatalf("supervisor should be Idle (generation 0) with no Initial and no inbound yet, got generation %d", gen)
	}

	if _, err := remote.Dial(ctx, transport.PeerHandle{ID: "local"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		if conn, gen := sv.Snapshot(); conn != nil && gen == 1 {
			if conn.RemotePeer() != "remote" {
				t.Fatalf("promoted connection has RemotePeer() = %q, want remote", conn.RemotePeer())
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("supervisor never promoted the inbound connection")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestSupervisorReconnectsAfterLoss(t *testing.T) {
	t.Parallel()

	network := memtransport.NewNetwork()
	network.NewEndpoint("peer")
	local := network.NewEndpoint("local")

	state := tunnel.NewState()
	idStore := newIdentity(t)

	sv := New(Config{
		Endpoint: local,
		State:    state,
		Identity: idStore,
		Initial:  transport.PeerHandle{ID: "peer"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- sv.Run(ctx) }()

	var firstConn transport.Connection
	deadline := time.After(3 * time.Second)
	for {
		if conn, gen := sv.Snapshot(); conn != nil && gen == 1 {
			firstConn = conn
			break
		}
		select {
		case <-deadline:
			t.Fatal("supervisor never reached generation 1")
		case <-time.After(10 * time.Millisecond):
		}
	}

	_ = firstConn.Close()

	// healthProbeInterval is 5s; allow a full cycle plus margin for the
	// forced 1s post-loss backoff and a fresh dial.
	deadline = time.After(14 * time.Second)
	for {
		if conn, gen := sv.Snapshot(); conn != nil && gen == 2 && conn != firstConn {
			break
		}
		select {
		case <-deadline:
			t.Fatal("supervisor never reconnected after loss")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

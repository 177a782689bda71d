package relay

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nightglass/meshtun/internal/wire"
)

func TestPumpRelaysDataBothWaysAndTerminates(t *testing.T) {
	t.Parallel()

	client, local := net.Pipe()
	subLocal, subRemote := net.Pipe()

	done := make(chan struct{})
	var stats Stats
	var pumpErr error
	go func() {
		stats, pumpErr = Pump(context.Background(), local, subLocal)
		close(done)
	}()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	msg, err := wire.Decode(wire.NewReader(subRemote))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Tag != wire.TagData || string(msg.Data) != "hello" {
		t.Fatalf("got %+v, want Data \"hello\"", msg)
	}

	if err := wire.Encode(subRemote, wire.DataMsg([]byte("world"))); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "world" {
		t.Fatalf("got %q, want %q", buf, "world")
	}

	client.Close()

	closeMsg, err := wire.Decode(wire.NewReader(subRemote))
	if err != nil {
		t.Fatal(err)
	}
	if closeMsg.Tag != wire.TagClose {
		t.Fatalf("got %+v, want Close", closeMsg)
	}

	if err := wire.Encode(subRemote, wire.Close()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not terminate after both halves closed")
	}
	if pumpErr != nil {
		t.Fatalf("pump error: %v", pumpErr)
	}
	if stats.Up != 5 {
		t.Fatalf("stats.Up = %d, want 5", stats.Up)
	}
	if stats.Down != 5 {
		t.Fatalf("stats.Down = %d, want 5", stats.Down)
	}
}

func TestPumpAbortsOnErrorFrame(t *testing.T) {
	t.Parallel()

	client, local := net.Pipe()
	defer client.Close()
	subLocal, subRemote := net.Pipe()
	defer subRemote.Close()

	done := make(chan struct{})
	var pumpErr error
	go func() {
		_, pumpErr = Pump(context.Background(), local, subLocal)
		close(done)
	}()

	if err := wire.Encode(subRemote, wire.Err("exit dial failed")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not terminate after an Error frame")
	}
	if pumpErr == nil {
		t.Fatal("expected an error from the Error frame")
	}
}

func TestPumpCancelUnblocksBothHalves(t *testing.T) {
	t.Parallel()

	client, local := net.Pipe()
	defer client.Close()
	subLocal, subRemote := net.Pipe()
	defer subRemote.Close()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Pump(ctx, local, subLocal)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not terminate after context cancellation")
	}
}

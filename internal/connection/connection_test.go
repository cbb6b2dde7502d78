package connection

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pusherbroker/internal/apps"
)

func newTestConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	app := &apps.App{ID: "app1", Key: "key1", Secret: "secret1"}
	conn := New(context.Background(), serverSide, "1.1", app, "127.0.0.1", zerolog.Nop())
	t.Cleanup(func() { conn.Close(1000, "test done") })
	return conn, clientSide
}

func TestSubscribeUnsubscribeIdempotence(t *testing.T) {
	conn, _ := newTestConn(t)

	if !conn.Subscribe("room-1") {
		t.Fatalf("first subscribe should report newly added")
	}
	if conn.Subscribe("room-1") {
		t.Fatalf("second subscribe of the same channel should report already subscribed")
	}
	if !conn.IsSubscribed("room-1") {
		t.Fatalf("expected room-1 to be subscribed")
	}

	if !conn.Unsubscribe("room-1") {
		t.Fatalf("first unsubscribe should report removed")
	}
	if conn.Unsubscribe("room-1") {
		t.Fatalf("second unsubscribe of an absent channel should report false")
	}
	if conn.IsSubscribed("room-1") {
		t.Fatalf("expected room-1 to no longer be subscribed")
	}
}

func TestSubscriptionsSnapshotIsIndependent(t *testing.T) {
	conn, _ := newTestConn(t)
	conn.Subscribe("room-1")
	conn.Subscribe("room-2")

	snap := conn.Subscriptions()
	if len(snap) != 2 {
		t.Fatalf("want 2 subscriptions, got %d", len(snap))
	}

	conn.Subscribe("room-3")
	if len(snap) != 2 {
		t.Fatalf("snapshot should not observe later mutations, got %d entries", len(snap))
	}
}

func TestPrincipalDefaultsToUnauthenticated(t *testing.T) {
	conn, _ := newTestConn(t)
	if conn.PrincipalID() != "" {
		t.Fatalf("want empty principal by default, got %q", conn.PrincipalID())
	}
	conn.SetPrincipal("alice")
	if conn.PrincipalID() != "alice" {
		t.Fatalf("want alice, got %q", conn.PrincipalID())
	}
}

func TestSendDeliversFrameToReader(t *testing.T) {
	conn, clientSide := newTestConn(t)

	if !conn.Send([]byte(`{"event":"pusher:pong"}`)) {
		t.Fatalf("expected Send to succeed with room in the outbound buffer")
	}

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	if _, err := clientSide.Read(buf); err != nil {
		t.Fatalf("expected to read the sent frame, got error: %v", err)
	}
}

func TestSendIsNoOpAfterClose(t *testing.T) {
	conn, _ := newTestConn(t)
	conn.Close(1000, "done")

	if conn.Send([]byte("anything")) {
		t.Fatalf("expected Send on a closed connection to report failure")
	}
}

func TestSendEvictsSlowClientAfterRepeatedDrops(t *testing.T) {
	conn, _ := newTestConn(t)
	// No one ever reads clientSide, so writePump's first write blocks
	// forever on the unbuffered net.Pipe. Once the outbound channel fills,
	// every further Send hits the non-blocking default path and increments
	// the consecutive-failure counter until eviction fires.
	for i := 0; i < sendBufferSize*4; i++ {
		conn.Send([]byte("filler"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.State() == StateClosed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected slow client to be evicted (state closed), got %v", conn.State())
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, _ := newTestConn(t)
	conn.Close(1000, "first")
	conn.Close(1000, "second") // must not panic on double-close
	if conn.State() != StateClosed {
		t.Fatalf("want StateClosed, got %v", conn.State())
	}
}

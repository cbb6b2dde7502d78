package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/connection"
)

func newTestConn(t *testing.T, socketID string) (*connection.Conn, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	app := &apps.App{ID: "app1", Key: "key1", Secret: "secret1"}
	conn := connection.New(context.Background(), serverSide, socketID, app, "127.0.0.1", zerolog.Nop())
	t.Cleanup(func() { conn.Close(1000, "test done") })
	return conn, clientSide
}

func TestSubscribeIsIdempotent(t *testing.T) {
	r := New(nil)
	app := &apps.App{ID: "app1", Key: "key1", Secret: "secret1"}
	conn, _ := newTestConn(t, "sock-1")

	first, err := r.Subscribe(app, conn, "public-room", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.AlreadySubscribed {
		t.Fatalf("first subscribe must not report AlreadySubscribed")
	}

	second, err := r.Subscribe(app, conn, "public-room", "", "")
	if err != nil {
		t.Fatalf("unexpected error on re-subscribe: %v", err)
	}
	if !second.AlreadySubscribed {
		t.Fatalf("re-subscribe must report AlreadySubscribed")
	}
	if got := first.Channel.MemberCount(); got != 1 {
		t.Fatalf("want 1 member after idempotent re-subscribe, got %d", got)
	}
}

func TestPrivateChannelRejectsBadSignature(t *testing.T) {
	r := New(nil)
	app := &apps.App{ID: "app1", Key: "key1", Secret: "secret1"}
	conn, _ := newTestConn(t, "sock-1")

	_, err := r.Subscribe(app, conn, "private-room", "key1:deadbeef", "")
	if err != ErrAuthFailed {
		t.Fatalf("want ErrAuthFailed, got %v", err)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := New(nil)
	app := &apps.App{ID: "app1", Key: "key1", Secret: "secret1"}

	sender, senderPipe := newTestConn(t, "sender")
	other, otherPipe := newTestConn(t, "other")

	if _, err := r.Subscribe(app, sender, "public-room", "", ""); err != nil {
		t.Fatalf("subscribe sender: %v", err)
	}
	if _, err := r.Subscribe(app, other, "public-room", "", ""); err != nil {
		t.Fatalf("subscribe other: %v", err)
	}

	envelope := []byte(`{"event":"room.announce","channel":"public-room","data":"{}"}`)
	r.Broadcast(app.ID, "public-room", envelope, map[string]struct{}{"sender": {}})

	senderPipe.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 512)
	if _, err := senderPipe.Read(buf); err == nil {
		t.Fatalf("excluded sender should not receive the broadcast")
	}

	otherPipe.SetReadDeadline(time.Now().Add(time.Second))
	n, err := otherPipe.Read(buf)
	if err != nil {
		t.Fatalf("other member should receive the broadcast: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected a non-empty frame")
	}
}

func TestUnsubscribeDestroysEmptyChannel(t *testing.T) {
	r := New(nil)
	app := &apps.App{ID: "app1", Key: "key1", Secret: "secret1"}
	conn, _ := newTestConn(t, "sock-1")

	if _, err := r.Subscribe(app, conn, "public-room", "", ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if removed, _ := r.Unsubscribe(app.ID, conn, "public-room"); !removed {
		t.Fatalf("expected unsubscribe to report removed")
	}
	if _, ok := r.Find(app.ID, "public-room"); ok {
		t.Fatalf("expected channel to be destroyed once empty")
	}
}

func TestPresenceChannelRequiresUserID(t *testing.T) {
	r := New(nil)
	app := &apps.App{ID: "app1", Key: "key1", Secret: "secret1"}
	conn, _ := newTestConn(t, "sock-1")

	auth := validPresenceAuth(app, conn.SocketID, "presence-room", `{}`)
	_, err := r.Subscribe(app, conn, "presence-room", auth, `{}`)
	if err == nil {
		t.Fatalf("expected error for channel_data missing user_id")
	}
}

func TestPresenceMemberAddedOnlyOncePerUser(t *testing.T) {
	r := New(nil)
	app := &apps.App{ID: "app1", Key: "key1", Secret: "secret1"}

	connA, _ := newTestConn(t, "sock-a")
	connB, _ := newTestConn(t, "sock-b")

	channelData := `{"user_id":"u1"}`
	authA := validPresenceAuth(app, connA.SocketID, "presence-room", channelData)
	authB := validPresenceAuth(app, connB.SocketID, "presence-room", channelData)

	resA, err := r.Subscribe(app, connA, "presence-room", authA, channelData)
	if err != nil {
		t.Fatalf("subscribe A: %v", err)
	}
	if resA.MemberAddedFor == nil {
		t.Fatalf("expected member_added for first connection of u1")
	}

	resB, err := r.Subscribe(app, connB, "presence-room", authB, channelData)
	if err != nil {
		t.Fatalf("subscribe B: %v", err)
	}
	if resB.MemberAddedFor != nil {
		t.Fatalf("second connection for the same user_id must not re-fire member_added")
	}
}

func validPresenceAuth(app *apps.App, socketID, channelName, channelData string) string {
	message := socketID + ":" + channelName + ":" + channelData
	return app.Key + ":" + hexHMAC(app.Secret, message)
}

// hexHMAC duplicates the hex-HMAC-SHA256 VerifySignature expects, kept
// local to the test so fixtures don't depend on VerifySignature itself.
func hexHMAC(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPresencePayloadMarshalsCleanly(t *testing.T) {
	r := New(nil)
	app := &apps.App{ID: "app1", Key: "key1", Secret: "secret1"}
	conn, _ := newTestConn(t, "sock-1")

	channelData := `{"user_id":"u1","user_info":{"name":"alice"}}`
	auth := validPresenceAuth(app, conn.SocketID, "presence-room", channelData)
	res, err := r.Subscribe(app, conn, "presence-room", auth, channelData)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := json.Marshal(res.PresencePayload); err != nil {
		t.Fatalf("presence payload does not marshal: %v", err)
	}
}

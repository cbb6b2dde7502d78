package admission

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/channel"
	"github.com/adred-codev/pusherbroker/internal/connection"
)

func testApp() *apps.App {
	return &apps.App{ID: "app1", Key: "key1", Secret: "shh-secret"}
}

func testRegistry(app *apps.App) apps.Registry {
	r := apps.NewConfigRegistry(nil)
	if err := r.Create(app); err != nil {
		panic(err)
	}
	return r
}

func TestResolveAppRejectsMissingAndUnknownKeys(t *testing.T) {
	a := New(Config{AppRegistry: testRegistry(testApp()), Logger: zerolog.Nop()})

	if _, err := a.resolveApp(""); err == nil {
		t.Fatalf("expected error for empty app key")
	}
	_, err := a.resolveApp("NonWorkingKey")
	if err == nil {
		t.Fatalf("expected error for unknown app key")
	}
	if want := "Could not find app key `NonWorkingKey`."; err.Message != want {
		t.Fatalf("want message %q, got %q", want, err.Message)
	}
	app, err := a.resolveApp("key1")
	if err != nil || app.ID != "app1" {
		t.Fatalf("resolveApp(key1) = %v, %v", app, err)
	}
}

func TestClientAddressPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5000"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := clientAddress(r); got != "203.0.113.9" {
		t.Fatalf("want 203.0.113.9, got %s", got)
	}
}

func TestClientAddressFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5000"

	if got := clientAddress(r); got != "10.0.0.1" {
		t.Fatalf("want 10.0.0.1, got %s", got)
	}
}

func TestResolvePrincipalAcceptsValidToken(t *testing.T) {
	app := testApp()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-42"})
	signed, err := token.SignedString([]byte(app.Secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/?token="+signed, nil)
	principal, ok := resolvePrincipal(r, app)
	if !ok || principal != "user-42" {
		t.Fatalf("want user-42, true; got %q, %v", principal, ok)
	}
}

func TestResolvePrincipalRejectsBadSignature(t *testing.T) {
	app := testApp()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-42"})
	signed, err := token.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/?token="+signed, nil)
	if _, ok := resolvePrincipal(r, app); ok {
		t.Fatalf("expected bad-signature token to be rejected")
	}
}

func TestResolvePrincipalMissingTokenIsNotAFailure(t *testing.T) {
	app := testApp()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	principal, ok := resolvePrincipal(r, app)
	if ok || principal != "" {
		t.Fatalf("want false, \"\"; got %v, %q", ok, principal)
	}
}

func TestSocketIDGeneratorProducesDistinctDottedIDs(t *testing.T) {
	g := newSocketIDGenerator()
	first := g.next()
	second := g.next()
	if first == second {
		t.Fatalf("expected distinct socket ids, got %q twice", first)
	}
	for _, id := range []string{first, second} {
		parts := strings.Split(id, ".")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			t.Fatalf("expected a dotted <int>.<int> socket id, got %q", id)
		}
	}
}

func newPipedConn(t *testing.T, app *apps.App, socketID string) *connection.Conn {
	t.Helper()
	serverSide, _ := net.Pipe()
	return connection.New(context.Background(), serverSide, socketID, app, "127.0.0.1", zerolog.Nop())
}

func TestOnCloseDeregistersAndUnsubscribes(t *testing.T) {
	app := testApp()
	channels := channel.New(nil)
	a := New(Config{AppRegistry: testRegistry(app), Channels: channels, Logger: zerolog.Nop()})

	conn := newPipedConn(t, app, "1.1")
	channels.RegisterConnection(app.ID, conn)
	if _, err := channels.Subscribe(app, conn, "room-1", "", ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if got := channels.GlobalConnectionsCount(app.ID); got != 1 {
		t.Fatalf("want 1 registered connection, got %d", got)
	}

	a.onClose(conn)

	if got := channels.GlobalConnectionsCount(app.ID); got != 0 {
		t.Fatalf("want 0 registered connections after onClose, got %d", got)
	}
	if conn.PrincipalID() != "" {
		t.Fatalf("want principal cleared after onClose")
	}
}

func TestOnCloseIsSafeWithNilStatsAndTelemetry(t *testing.T) {
	app := testApp()
	channels := channel.New(nil)
	a := New(Config{AppRegistry: testRegistry(app), Channels: channels, Logger: zerolog.Nop()})

	conn := newPipedConn(t, app, "2.2")
	channels.RegisterConnection(app.ID, conn)

	done := make(chan struct{})
	go func() {
		a.onClose(conn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("onClose did not return in time")
	}
}

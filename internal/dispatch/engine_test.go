package dispatch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/connection"
	"github.com/adred-codev/pusherbroker/internal/handler"
)

type recordedReply struct {
	event, channel string
	payload        any
}

type fakeSink struct {
	replies chan recordedReply
}

func newFakeSink() *fakeSink {
	return &fakeSink{replies: make(chan recordedReply, 8)}
}

func (f *fakeSink) Reply(conn *connection.Conn, event, channelName string, payload any) {
	f.replies <- recordedReply{event: event, channel: channelName, payload: payload}
}
func (f *fakeSink) Broadcast(app *apps.App, channelName, event string, payload any, senderSocketID string, includingSelf bool) {
}
func (f *fakeSink) Whisper(app *apps.App, socketIDs []string, channelName, event string, payload any) {
}

func (f *fakeSink) awaitReply(t *testing.T) recordedReply {
	t.Helper()
	select {
	case r := <-f.replies:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a reply")
		return recordedReply{}
	}
}

type echoController struct{ authOptional bool }

func (c *echoController) Prefix() string { return "echo" }
func (c *echoController) MethodNamed(name string) (Method, bool) {
	switch name {
	case "Ping":
		return func(ctx *Context, data []byte) (any, error) { return map[string]any{"pong": true}, nil }, true
	case "Fail":
		return func(ctx *Context, data []byte) (any, error) { return nil, errBoom }, true
	default:
		return nil, false
	}
}
func (c *echoController) AuthOptional() bool { return c.authOptional }

var errBoom = testErr("boom")

type testErr string

func (e testErr) Error() string { return string(e) }

func newTestConn(t *testing.T) *connection.Conn {
	t.Helper()
	serverSide, _ := net.Pipe()
	app := &apps.App{ID: "app1", Key: "key1", Secret: "secret1"}
	conn := connection.New(context.Background(), serverSide, "sock-1", app, "127.0.0.1", zerolog.Nop())
	t.Cleanup(func() { conn.Close(1000, "test done") })
	return conn
}

func newTestEngine(ctrl *echoController) (*Engine, *fakeSink) {
	resolver := handler.NewResolver()
	resolver.Register(ctrl.Prefix(), ctrl)
	sink := newFakeSink()
	pool := NewWorkerPool(2, 8, zerolog.Nop())
	return NewEngine(resolver, pool, sink, nil, zerolog.Nop()), sink
}

func TestDispatchUnknownNamespaceRepliesWithError(t *testing.T) {
	ctrl := &echoController{authOptional: true}
	engine, sink := newTestEngine(ctrl)
	defer engine.pool.Close()

	conn := newTestConn(t)
	engine.Dispatch(conn, conn.App, "mystery.ping", "", nil)

	r := sink.awaitReply(t)
	if r.event != "mystery.ping:error" {
		t.Fatalf("want mystery.ping:error, got %s", r.event)
	}
}

func TestDispatchSuccessPathReturnsAutomaticResponse(t *testing.T) {
	ctrl := &echoController{authOptional: true}
	engine, sink := newTestEngine(ctrl)
	defer engine.pool.Close()

	conn := newTestConn(t)
	engine.Dispatch(conn, conn.App, "echo.ping", "", nil)

	r := sink.awaitReply(t)
	if r.event != "echo.ping:response" {
		t.Fatalf("want echo.ping:response, got %s", r.event)
	}
}

func TestDispatchHandlerErrorBecomesErrorEnvelope(t *testing.T) {
	ctrl := &echoController{authOptional: true}
	engine, sink := newTestEngine(ctrl)
	defer engine.pool.Close()

	conn := newTestConn(t)
	engine.Dispatch(conn, conn.App, "echo.fail", "", nil)

	r := sink.awaitReply(t)
	if r.event != "echo.fail:error" {
		t.Fatalf("want echo.fail:error, got %s", r.event)
	}
}

func TestDispatchRejectsUnauthenticatedWhenAuthRequired(t *testing.T) {
	ctrl := &echoController{authOptional: false}
	engine, sink := newTestEngine(ctrl)
	defer engine.pool.Close()

	conn := newTestConn(t)
	// No SetPrincipal call: connection is unauthenticated.
	engine.Dispatch(conn, conn.App, "echo.ping", "", nil)

	r := sink.awaitReply(t)
	if r.event != "echo.ping:error" {
		t.Fatalf("want echo.ping:error for unauthenticated dispatch, got %s", r.event)
	}
}

func TestDispatchAllowsAuthenticatedPrincipal(t *testing.T) {
	ctrl := &echoController{authOptional: false}
	engine, sink := newTestEngine(ctrl)
	defer engine.pool.Close()

	conn := newTestConn(t)
	conn.SetPrincipal("alice")
	engine.Dispatch(conn, conn.App, "echo.ping", "", nil)

	r := sink.awaitReply(t)
	if r.event != "echo.ping:response" {
		t.Fatalf("want echo.ping:response, got %s", r.event)
	}
}

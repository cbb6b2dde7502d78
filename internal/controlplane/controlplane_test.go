package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/channel"
	"github.com/adred-codev/pusherbroker/internal/config"
	"github.com/adred-codev/pusherbroker/internal/connection"
)

func startTestListener(t *testing.T) (string, *channel.Registry, *apps.App) {
	t.Helper()
	app := &apps.App{ID: "app1", Key: "key1", Secret: "secret1"}
	registry := apps.NewConfigRegistry([]config.AppConfig{})
	if err := registry.Create(app); err != nil {
		t.Fatalf("create app: %v", err)
	}
	channels := channel.New(nil)

	socketPath := filepath.Join(t.TempDir(), "control.sock")
	listener := New(socketPath, registry, channels, zerolog.Nop())

	stop := make(chan struct{})
	ready := make(chan struct{})
	go func() {
		go func() {
			for {
				if _, err := net.Dial("unix", socketPath); err == nil {
					close(ready)
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
		_ = listener.Serve(stop)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("control socket never became dialable")
	}

	t.Cleanup(func() { close(stop) })
	return socketPath, channels, app
}

func dialAndRoundTrip(t *testing.T, socketPath string, req map[string]any) map[string]any {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := conn.Write(append(raw, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestControlSocketRejectsUnknownApp(t *testing.T) {
	socketPath, _, _ := startTestListener(t)

	resp := dialAndRoundTrip(t, socketPath, map[string]any{
		"event": "news", "channel": "room-1", "app_id": "does-not-exist",
	})
	if resp["success"] != false || resp["error"] != "unknown app_id" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestControlSocketWarnsOnEmptyChannel(t *testing.T) {
	socketPath, _, app := startTestListener(t)

	resp := dialAndRoundTrip(t, socketPath, map[string]any{
		"event": "news", "channel": "empty-room", "app_id": app.ID,
	})
	if resp["success"] != true || resp["warning"] != "No channel subscribers" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestControlSocketBroadcastsToSubscribers(t *testing.T) {
	socketPath, channels, app := startTestListener(t)

	serverSide, clientSide := net.Pipe()
	conn := connection.New(context.Background(), serverSide, "1.1", app, "127.0.0.1", zerolog.Nop())
	defer conn.Close(1000, "done")
	channels.RegisterConnection(app.ID, conn)
	if _, err := channels.Subscribe(app, conn, "room-1", "", ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := clientSide.Read(buf)
		received <- buf[:n]
	}()

	resp := dialAndRoundTrip(t, socketPath, map[string]any{
		"event": "news", "channel": "room-1", "data": map[string]any{"headline": "hi"}, "app_id": app.ID,
	})
	if resp["success"] != true {
		t.Fatalf("unexpected response: %+v", resp)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber never received the broadcast")
	}
}

func TestControlSocketBroadcastsWithoutAppID(t *testing.T) {
	socketPath, channels, app := startTestListener(t)

	serverSide, clientSide := net.Pipe()
	conn := connection.New(context.Background(), serverSide, "1.1", app, "127.0.0.1", zerolog.Nop())
	defer conn.Close(1000, "done")
	channels.RegisterConnection(app.ID, conn)
	if _, err := channels.Subscribe(app, conn, "public-chat", "", ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := clientSide.Read(buf)
		received <- buf[:n]
	}()

	// Mirrors the seed scenario's literal request frame: no app_id at all.
	resp := dialAndRoundTrip(t, socketPath, map[string]any{
		"event": "notify", "channel": "public-chat", "data": map[string]any{"text": "hi"},
	})
	if resp["success"] != true {
		t.Fatalf("unexpected response: %+v", resp)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber never received the broadcast")
	}
}

func TestControlSocketRejectsMalformedLine(t *testing.T) {
	socketPath, _, _ := startTestListener(t)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["success"] != false {
		t.Fatalf("want success=false for malformed line, got %+v", resp)
	}
}

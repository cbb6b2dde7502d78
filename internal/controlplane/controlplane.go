// Package controlplane implements the Local Broadcast Listener
// (SPEC_FULL.md §4.7): a Unix-domain-socket server accepting
// newline-delimited JSON broadcast commands from local peer processes.
// Grounded on ws/internal/shared/pump_read.go's per-connection read-loop
// shape, re-framed from WebSocket frames to newline-delimited JSON, and
// on the rate.Limiter usage in ws/internal/shared/limits/resource_guard.go
// for per-client throttling.
package controlplane

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/channel"
	"github.com/adred-codev/pusherbroker/internal/logging"
)

const (
	socketFileMode  = 0666
	rateLimit       = 50  // commands/sec sustained per connection
	rateBurst       = 100 // commands burst per connection
	readBufferLimit = 1 << 20
)

// request is one control-socket command frame (§4.7). app_id is optional:
// a local peer process broadcasting into a single-tenant deployment never
// needs to name the app explicitly.
type request struct {
	Event          string   `json:"event"`
	Channel        string   `json:"channel"`
	Data           any      `json:"data"`
	Sockets        []string `json:"sockets,omitempty"`
	ExcludeSockets []string `json:"exclude_sockets,omitempty"`
	AppID          string   `json:"app_id,omitempty"`
}

// response is one control-socket reply frame (§4.7).
type response struct {
	Success bool   `json:"success"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Listener is the Local Broadcast Listener (C7).
type Listener struct {
	path        string
	appRegistry apps.Registry
	channels    *channel.Registry
	logger      zerolog.Logger

	ln net.Listener
}

// New constructs a Listener bound to path, not yet listening.
func New(path string, appRegistry apps.Registry, channels *channel.Registry, logger zerolog.Logger) *Listener {
	return &Listener{path: path, appRegistry: appRegistry, channels: channels, logger: logger}
}

// Serve removes a stale socket file, binds, and accepts connections until
// stop is closed. Per §4.7's failure model, a bind failure (permission
// error, a path segment that isn't a directory) is logged and returned to
// the caller to disable only this feature; it must never fail the broker.
func (l *Listener) Serve(stop <-chan struct{}) error {
	if l.path == "" {
		return errors.New("controlplane: empty socket path")
	}

	if _, err := os.Stat(l.path); err == nil {
		if rmErr := os.Remove(l.path); rmErr != nil {
			l.logger.Warn().Err(rmErr).Str("path", l.path).Msg("control socket: failed removing stale socket file")
		}
	}

	ln, err := net.Listen("unix", l.path)
	if err != nil {
		l.logger.Error().Err(err).Str("path", l.path).Msg("control socket: listen failed, feature disabled")
		return err
	}
	if chmodErr := os.Chmod(l.path, socketFileMode); chmodErr != nil {
		l.logger.Warn().Err(chmodErr).Msg("control socket: chmod failed")
	}
	l.ln = ln

	go func() {
		<-stop
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				l.logger.Warn().Err(err).Msg("control socket: accept error")
				return err
			}
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer logging.RecoverPanic(l.logger, "controlplane-conn", nil)
	defer conn.Close()

	limiter := rate.NewLimiter(rate.Limit(rateLimit), rateBurst)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), readBufferLimit)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		if !limiter.Allow() {
			_ = enc.Encode(response{Success: false, Error: "rate limit exceeded"})
			continue
		}
		l.handleLine(scanner.Bytes(), enc)
	}
}

func (l *Listener) handleLine(line []byte, enc *json.Encoder) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil || req.Event == "" {
		_ = enc.Encode(response{Success: false, Error: "malformed request or missing event"})
		return
	}

	app, ch, found := l.resolveChannel(req)
	if app == nil {
		_ = enc.Encode(response{Success: false, Error: "unknown app_id"})
		return
	}
	if !found {
		_ = enc.Encode(response{Success: true, Warning: "No channel subscribers"})
		return
	}

	envelope, err := json.Marshal(map[string]any{
		"event":   req.Event,
		"channel": req.Channel,
		"data":    req.Data,
	})
	if err != nil {
		_ = enc.Encode(response{Success: false, Error: "failed encoding broadcast payload"})
		return
	}

	if len(req.Sockets) > 0 {
		l.whisper(ch, req.Sockets, envelope)
	} else {
		except := toSet(req.ExcludeSockets)
		l.channels.Broadcast(app.ID, req.Channel, envelope, except)
	}

	_ = enc.Encode(response{Success: true})
}

// resolveChannel locates the app and channel a control-socket request
// targets. app_id is optional per §4.7: the request frame shape in the
// seed scenarios carries no app_id at all, so when it's absent the sole
// configured app is used, or, with several apps configured, the first one
// that already has the named channel open.
func (l *Listener) resolveChannel(req request) (*apps.App, *channel.Channel, bool) {
	if req.AppID != "" {
		app, err := l.appRegistry.FindByID(req.AppID)
		if err != nil {
			return nil, nil, false
		}
		ch, ok := l.channels.Find(app.ID, req.Channel)
		return app, ch, ok
	}

	all := l.appRegistry.All()
	if len(all) == 1 {
		ch, ok := l.channels.Find(all[0].ID, req.Channel)
		return all[0], ch, ok
	}
	for _, app := range all {
		if ch, ok := l.channels.Find(app.ID, req.Channel); ok {
			return app, ch, true
		}
	}
	if len(all) > 0 {
		return all[0], nil, false
	}
	return nil, nil, false
}

func (l *Listener) whisper(ch *channel.Channel, socketIDs []string, envelope []byte) {
	targets := make(map[string]struct{}, len(socketIDs))
	for _, id := range socketIDs {
		targets[id] = struct{}{}
	}
	for _, member := range ch.Members() {
		if _, ok := targets[member.SocketID]; ok {
			member.Send(envelope)
		}
	}
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// Close stops accepting new control-socket connections.
func (l *Listener) Close() {
	if l.ln != nil {
		_ = l.ln.Close()
	}
}

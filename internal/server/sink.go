package server

import (
	"encoding/json"

	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/channel"
	"github.com/adred-codev/pusherbroker/internal/connection"
)

// replySink implements dispatch.Sink by encoding each envelope as a
// Pusher wire frame and routing it through the Channel Registry or
// directly at a connection. Dispatch Engine replies carry object data
// (§6.1's error/response shape), never the double-JSON string encoding
// reserved for protocol.Machine's connection_established/
// subscription_succeeded/member_added/member_removed frames.
type replySink struct {
	channels *channel.Registry
}

func newReplySink(channels *channel.Registry) *replySink {
	return &replySink{channels: channels}
}

func (s *replySink) Reply(conn *connection.Conn, event, channelName string, payload any) {
	conn.Send(encodeFrame(event, channelName, payload))
}

func (s *replySink) Broadcast(app *apps.App, channelName, event string, payload any, senderSocketID string, includingSelf bool) {
	envelope := encodeFrame(event, channelName, payload)
	var except map[string]struct{}
	if !includingSelf {
		except = map[string]struct{}{senderSocketID: {}}
	}
	s.channels.Broadcast(app.ID, channelName, envelope, except)
}

func (s *replySink) Whisper(app *apps.App, socketIDs []string, channelName, event string, payload any) {
	ch, ok := s.channels.Find(app.ID, channelName)
	if !ok {
		return
	}
	targets := make(map[string]struct{}, len(socketIDs))
	for _, id := range socketIDs {
		targets[id] = struct{}{}
	}
	envelope := encodeFrame(event, channelName, payload)
	for _, member := range ch.Members() {
		if _, ok := targets[member.SocketID]; ok {
			member.Send(envelope)
		}
	}
}

// encodeFrame matches protocol.buildFrame's shape ({"event","channel","data"}
// with data as a plain JSON object) without importing the unexported
// helper from package protocol.
func encodeFrame(event, channelName string, payload any) []byte {
	data := json.RawMessage("{}")
	if payload != nil {
		if inner, err := json.Marshal(payload); err == nil {
			data = inner
		}
	}
	out := struct {
		Event   string          `json:"event"`
		Channel string          `json:"channel,omitempty"`
		Data    json.RawMessage `json:"data,omitempty"`
	}{Event: event, Channel: channelName, Data: data}
	b, _ := json.Marshal(out)
	return b
}

package protocol

import (
	"encoding/json"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pusherbroker/internal/brokererror"
	"github.com/adred-codev/pusherbroker/internal/channel"
	"github.com/adred-codev/pusherbroker/internal/connection"
	"github.com/adred-codev/pusherbroker/internal/dispatch"
	"github.com/adred-codev/pusherbroker/internal/logging"
)

// pongWait bounds how long the read loop tolerates silence before the
// underlying read deadline trips and the connection is treated as dead.
const pongWait = 120 * time.Second

// activityTimeoutSeconds is advertised in connection_established so
// well-behaved clients know to ping at roughly half this interval.
const activityTimeoutSeconds = 30

// Machine is the Protocol State Machine (C4): one instance is shared by
// every connection; per-connection state lives on *connection.Conn.
type Machine struct {
	channels *channel.Registry
	dispatch *dispatch.Engine
	logger   zerolog.Logger
}

// NewMachine wires the state machine to the Channel Registry it delegates
// subscribe/unsubscribe/broadcast to and the Dispatch Engine it delegates
// non-reserved events to.
func NewMachine(channels *channel.Registry, engine *dispatch.Engine, logger zerolog.Logger) *Machine {
	return &Machine{channels: channels, dispatch: engine, logger: logger}
}

// Established builds the pusher.connection_established frame sent
// immediately after admission succeeds (§4.4, §6.1).
func (m *Machine) Established(conn *connection.Conn) []byte {
	return buildStringEncodedFrame(eventConnectionEstablished, "", map[string]any{
		"socket_id":        conn.SocketID,
		"activity_timeout": activityTimeoutSeconds,
	})
}

// AdmissionError builds the pusher.error frame sent before closing a
// connection that failed admission (§4.4 transition table).
func AdmissionError(err *brokererror.Error) []byte {
	return buildFrame(eventError, "", map[string]any{
		"message": err.Message,
		"code":    err.Code,
	})
}

// ReadPump is the per-connection read loop, one goroutine per connection,
// grounded on ws/internal/shared/pump_read.go's wsutil.ReadClientData
// loop. It returns when the connection closes; callers run onClose after.
func (m *Machine) ReadPump(conn *connection.Conn) {
	defer logging.RecoverPanic(m.logger, "protocol-readpump", map[string]any{"socket_id": conn.SocketID})

	sock := conn.Socket()
	sock.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetState(connection.StateOpen)

	for {
		raw, op, err := wsutil.ReadClientData(sock)
		if err != nil {
			return
		}
		sock.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpClose:
			return
		case ws.OpText:
			m.handleFrame(conn, raw)
		}
	}
}

// handleFrame routes one decoded text frame per the §4.4 transition table.
func (m *Machine) handleFrame(conn *connection.Conn, raw []byte) {
	// Ping fast path: bypass full JSON decode and dispatch entirely.
	if isPingFrame(raw) {
		conn.TouchPong()
		conn.Send(pongFrame)
		return
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		conn.Send(buildFrame(eventError, "", map[string]any{"message": "Invalid JSON", "code": 0}))
		return
	}

	switch frame.Event {
	case eventPing, eventPingAlt:
		conn.TouchPong()
		conn.Send(pongFrame)
	case eventSubscribe, eventSubscribeAlt:
		m.handleSubscribe(conn, frame.Data)
	case eventUnsubscribe, eventUnsubscribeAlt:
		m.handleUnsubscribe(conn, frame.Data)
	default:
		if isClientEvent(frame.Event) {
			m.handleClientEvent(conn, frame)
			return
		}
		m.handleDispatchable(conn, frame)
	}
}

func isClientEvent(event string) bool {
	return len(event) > len(clientEventPrefix) && event[:len(clientEventPrefix)] == clientEventPrefix
}

func (m *Machine) handleSubscribe(conn *connection.Conn, raw json.RawMessage) {
	var data subscribeData
	if err := json.Unmarshal(raw, &data); err != nil || data.Channel == "" {
		conn.Send(buildFrame(eventError, "", map[string]any{"message": "Invalid subscribe payload", "code": 0}))
		return
	}

	result, err := m.channels.Subscribe(conn.App, conn, data.Channel, data.Auth, data.ChannelData)
	if err != nil {
		conn.Send(buildFrame(eventSubscriptionError, data.Channel, map[string]any{
			"message": "Subscription auth failed",
		}))
		return
	}

	if result.AlreadySubscribed {
		return
	}

	var payload any = map[string]any{}
	if result.PresencePayload != nil {
		payload = result.PresencePayload
	}
	conn.Send(buildStringEncodedFrame(eventSubscriptionSucceeded, data.Channel, payload))

	if result.MemberAddedFor != nil {
		m.channels.Broadcast(conn.App.ID, data.Channel,
			buildStringEncodedFrame(eventMemberAdded, data.Channel, result.MemberAddedFor),
			map[string]struct{}{conn.SocketID: {}})
	}
}

func (m *Machine) handleUnsubscribe(conn *connection.Conn, raw json.RawMessage) {
	var data unsubscribeData
	if err := json.Unmarshal(raw, &data); err != nil || data.Channel == "" {
		return
	}

	removed, removedPresence := m.channels.Unsubscribe(conn.App.ID, conn, data.Channel)
	if !removed {
		return
	}

	if removedPresence != nil {
		m.channels.Broadcast(conn.App.ID, data.Channel,
			buildStringEncodedFrame(eventMemberRemoved, data.Channel, removedPresence),
			map[string]struct{}{conn.SocketID: {}})
	}
}

// handleClientEvent implements the client-* relay row of the transition
// table: only permitted if the app enables client messages and the sender
// is currently subscribed to the named channel; always excludes the
// sender and never reaches the Dispatch Engine.
func (m *Machine) handleClientEvent(conn *connection.Conn, frame inboundFrame) {
	channelName := frame.Channel
	if channelName == "" {
		return
	}
	if !conn.App.ClientMessagesEnabled {
		return
	}
	if !conn.IsSubscribed(channelName) {
		conn.Send(buildFrame(frame.Event+":error", channelName, map[string]any{
			"message": "Subscription not established",
		}))
		return
	}

	envelope := buildFrame(frame.Event, channelName, json.RawMessage(frame.Data))
	m.channels.Broadcast(conn.App.ID, channelName, envelope, map[string]struct{}{conn.SocketID: {}})
}

// handleDispatchable implements the non-reserved event row: requires an
// established subscription on the named channel before delegating to the
// Dispatch Engine, per the transition table's
// "message on not-subscribed channel" row.
func (m *Machine) handleDispatchable(conn *connection.Conn, frame inboundFrame) {
	channelName := frame.Channel
	if channelName != "" && !conn.IsSubscribed(channelName) {
		conn.Send(buildFrame(frame.Event+":error", channelName, map[string]any{
			"message": "Subscription not established",
		}))
		return
	}
	m.dispatch.Dispatch(conn, conn.App, frame.Event, channelName, frame.Data)
}

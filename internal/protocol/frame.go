// Package protocol implements the Protocol State Machine (SPEC_FULL.md
// §4.4): frame parsing, ping/pong, subscribe/unsubscribe, client-*
// relaying, and delegation of everything else to the Dispatch Engine.
// Grounded on ws/internal/shared/pump_read.go's read-loop shape and
// ws/internal/shared/handlers_ws.go's message-routing switch, generalized
// from that teacher's bespoke frame types to the Pusher wire envelope.
package protocol

import (
	"bytes"
	"encoding/json"
)

// inboundFrame is the generic shape of every client->server frame. data is
// left as json.RawMessage since its schema depends on event: an object for
// pusher:subscribe, absent for pusher:ping, arbitrary for dispatched and
// client-* events.
type inboundFrame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Channel string          `json:"channel,omitempty"`
}

// outboundFrame is the generic server->client envelope. Data carries the
// payload verbatim as a JSON object/value; only the handful of protocol
// meta-events §6.1 shows as double-encoded strings use
// buildStringEncodedFrame instead.
type outboundFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// marshalPayload renders payload as a JSON value, defaulting to an empty
// object when nil.
func marshalPayload(payload any) json.RawMessage {
	if payload == nil {
		return json.RawMessage("{}")
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	inner, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage("{}")
	}
	return inner
}

// buildFrame builds an envelope whose data is an object, matching the
// error/response/client-event shapes in §6.1 and the seed scenarios
// (e.g. S4's "data":{"message":"Hi"}).
func buildFrame(event, channel string, payload any) []byte {
	out := outboundFrame{Event: event, Channel: channel, Data: marshalPayload(payload)}
	b, _ := json.Marshal(out)
	return b
}

// buildStringEncodedFrame double-encodes payload: the outer envelope's
// "data" field is itself a JSON string, matching §6.1's
// connection_established example. Reserved only for the protocol
// meta-events Pusher's wire format defines this way
// (connection_established, subscription_succeeded, member_added,
// member_removed) — everything else uses buildFrame's object shape.
func buildStringEncodedFrame(event, channel string, payload any) []byte {
	inner := marshalPayload(payload)
	encoded, err := json.Marshal(string(inner))
	if err != nil {
		encoded = []byte(`"{}"`)
	}
	out := outboundFrame{Event: event, Channel: channel, Data: encoded}
	b, _ := json.Marshal(out)
	return b
}

// subscribeData is pusher:subscribe's data object shape.
type subscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// unsubscribeData is pusher:unsubscribe's data object shape.
type unsubscribeData struct {
	Channel string `json:"channel"`
}

// Reserved event name constants (§6.1, §4.4).
const (
	eventPing                   = "pusher:ping"
	eventPingAlt                = "pusher.ping"
	eventPong                   = "pusher:pong"
	eventPongAlt                = "pusher.pong"
	eventSubscribe              = "pusher:subscribe"
	eventSubscribeAlt           = "pusher.subscribe"
	eventUnsubscribe            = "pusher:unsubscribe"
	eventUnsubscribeAlt         = "pusher.unsubscribe"
	eventConnectionEstablished  = "pusher.connection_established"
	eventSubscriptionSucceeded  = "pusher_internal:subscription_succeeded"
	eventSubscriptionError      = "pusher:subscription_error"
	eventMemberAdded            = "pusher_internal:member_added"
	eventMemberRemoved          = "pusher_internal:member_removed"
	// eventError uses the dot form, matching the seed scenarios' literal
	// "pusher.error" (the other reserved events are inconsistent between
	// colon and dot; this one aligns with what S1/S3 actually put on the
	// wire rather than §6.1's prose example).
	eventError        = "pusher.error"
	clientEventPrefix = "client-"
)

// pongFrame is pre-serialised once at package init: the ping fast path
// (§4.4.1) must not pay JSON-encode cost per pong.
var pongFrame = mustBuildFrame(eventPongAlt, "", nil)

func mustBuildFrame(event, channel string, payload any) []byte {
	return buildFrame(event, channel, payload)
}

// isPingFrame does the raw-bytes prefix check §4.4.1 mandates, avoiding a
// full JSON decode for the hottest frame type. A ping whose "event" key is
// not the first key falls through to the full decode path instead.
func isPingFrame(raw []byte) bool {
	return containsEventLiteral(raw, eventPing) || containsEventLiteral(raw, eventPingAlt)
}

// containsEventLiteral reports whether the frame starts with
// `{"event":"<name>"` (after leading whitespace) without a full unmarshal.
func containsEventLiteral(raw []byte, name string) bool {
	return bytes.HasPrefix(bytes.TrimLeft(raw, " \t\r\n"), []byte(`{"event":"`+name+`"`))
}

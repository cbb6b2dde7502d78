// Package replication implements the optional cross-node relay described
// in SPEC_FULL.md §4.10: when enabled, a local broadcast is also
// published to NATS so other broker processes replay it into their own
// local members. Grounded on go-server/pkg/nats/client.go's connection
// option set and Subscribe/Publish wrapper shape, adapted from that
// teacher's fixed Odin subject builders to a subject keyed by app and
// channel, and from its byte-passthrough handler to one that decodes an
// origin tag before replaying (to prevent an infinite relay loop between
// nodes).
package replication

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pusherbroker/internal/channel"
)

// envelope wraps a broadcast payload with the publishing node's identity
// so a subscriber can recognize and discard its own echo.
type envelope struct {
	Origin  string          `json:"origin"`
	AppID   string          `json:"app_id"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Relay is the NATS-backed implementation of channel.Relay (§4.10).
type Relay struct {
	conn     *nats.Conn
	nodeID   string
	channels *channel.Registry
	logger   zerolog.Logger
}

// Config configures a Relay.
type Config struct {
	URL           string
	NodeID        string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        zerolog.Logger
}

// Connect dials NATS and returns a Relay not yet wired to any registry;
// callers construct the Channel Registry with Connect's result via
// channel.New(relay), then call SetRegistry so inbound replayed messages
// can reach local members, breaking the otherwise-circular construction
// order between the two.
func Connect(cfg Config) (*Relay, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("replication: connecting to NATS: %w", err)
	}
	return &Relay{conn: conn, nodeID: cfg.NodeID, logger: cfg.Logger}, nil
}

// SetRegistry binds the Channel Registry inbound replayed messages are
// replayed into. Must be called once, before SubscribeAll.
func (r *Relay) SetRegistry(channels *channel.Registry) {
	r.channels = channels
}

// Publish implements channel.Relay: publishes envelope to this
// app/channel's subject, tagged with this node's identity.
func (r *Relay) Publish(appID, channelName string, envelopeBytes []byte) {
	msg := envelope{Origin: r.nodeID, AppID: appID, Channel: channelName, Payload: envelopeBytes}
	b, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn().Err(err).Msg("replication: failed marshaling envelope")
		return
	}
	if err := r.conn.Publish(subject(appID, channelName), b); err != nil {
		r.logger.Warn().Err(err).Str("app_id", appID).Str("channel", channelName).Msg("replication: publish failed")
	}
}

// SubscribeAll listens on every app/channel subject and replays inbound
// messages from other nodes into local channel membership via
// BroadcastLocalOnly, which never re-publishes (preventing the infinite
// relay loop Publish's origin tag alone wouldn't stop on a 3+ node mesh).
func (r *Relay) SubscribeAll() error {
	_, err := r.conn.Subscribe("broker.>", r.handleInbound)
	return err
}

func (r *Relay) handleInbound(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return
	}
	if env.Origin == r.nodeID {
		return
	}
	r.channels.BroadcastLocalOnly(env.AppID, env.Channel, env.Payload, nil)
}

func subject(appID, channelName string) string {
	return "broker." + appID + "." + channelName
}

// Close drains and closes the NATS connection.
func (r *Relay) Close() {
	r.conn.Close()
}

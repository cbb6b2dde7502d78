// Package room is a reference dispatch controller demonstrating the
// three reply shapes the Dispatch Engine supports: a plain return value
// (automatic success), a handler-driven broadcast, and a targeted
// whisper. Grounded on the request-type switch in
// ws/internal/shared/handlers_message.go's handleClientMessage,
// reshaped from one big switch into one method per event name per
// SPEC_FULL.md §4.6's resolver contract.
package room

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pusherbroker/internal/dispatch"
)

// Controller answers events under the "room" namespace: room.announce,
// room.whisper-to, room.ping.
type Controller struct {
	logger zerolog.Logger
}

// New builds a room Controller.
func New(logger zerolog.Logger) *Controller {
	return &Controller{logger: logger}
}

func (c *Controller) Prefix() string { return "room" }

func (c *Controller) MethodNamed(name string) (dispatch.Method, bool) {
	switch name {
	case "Announce":
		return c.announce, true
	case "WhisperTo":
		return c.whisperTo, true
	case "Ping":
		return c.ping, true
	default:
		return nil, false
	}
}

type announceRequest struct {
	Message string `json:"message"`
}

// announce broadcasts to every other member of the dispatching
// connection's channel and leaves the automatic success(value) envelope
// to acknowledge the sender (§4.5 step 9).
func (c *Controller) announce(ctx *dispatch.Context, data []byte) (any, error) {
	var req announceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed announce payload: %w", err)
	}
	if req.Message == "" {
		return nil, fmt.Errorf("message must not be empty")
	}

	ctx.Broadcast(map[string]any{
		"from":    ctx.Principal,
		"message": req.Message,
		"at":      time.Now().UnixMilli(),
	}, "", false)

	return map[string]any{"delivered": true}, nil
}

type whisperRequest struct {
	SocketIDs []string `json:"socket_ids"`
	Message   string   `json:"message"`
}

// whisperTo calls Success itself and returns dispatch.Handled, suppressing
// the automatic success envelope per §4.5 step 10.
func (c *Controller) whisperTo(ctx *dispatch.Context, data []byte) (any, error) {
	var req whisperRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed whisper payload: %w", err)
	}
	if len(req.SocketIDs) == 0 {
		return nil, fmt.Errorf("socket_ids must not be empty")
	}

	ctx.Whisper(map[string]any{
		"from":    ctx.Principal,
		"message": req.Message,
	}, req.SocketIDs, "")

	ctx.Success(map[string]any{"whispered_to": len(req.SocketIDs)})
	return dispatch.Handled, nil
}

// ping is a minimal liveness probe for the dispatch path itself,
// independent of the protocol-level ping/pong fast path in package
// protocol.
func (c *Controller) ping(ctx *dispatch.Context, data []byte) (any, error) {
	return map[string]any{"pong": time.Now().UnixMilli()}, nil
}

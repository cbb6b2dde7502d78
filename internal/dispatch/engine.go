// Package dispatch implements the Dispatch Engine (SPEC_FULL.md §4.5): for
// a non-protocol event it resolves a controller via the Handler Resolver,
// runs it in an isolated task, and merges its reply envelopes back into
// the connection stream in order. Grounded on the dispatch-by-namespace
// shape of ws/internal/shared/handlers_message.go, generalized from a
// fixed switch into resolver-backed lookup, and on ws/worker_pool.go for
// the bounded-concurrency isolation mechanism that substitutes for the
// source's fork-per-dispatch model (§9).
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/connection"
	"github.com/adred-codev/pusherbroker/internal/handler"
)

// HandlerTimeout is the §4.5 "no terminal envelope within 60 seconds"
// bound.
const HandlerTimeout = 60 * time.Second

// Sink is how the Engine delivers envelopes back onto the wire. It is
// implemented at the server-wiring layer, which has both the Connection
// and the Channel Registry in scope; Engine itself depends on neither
// directly beyond connection.Conn for addressing the originating
// connection.
type Sink interface {
	// Reply sends event/payload to conn only.
	Reply(conn *connection.Conn, event string, channelName string, payload any)
	// Broadcast sends event/payload to channelName's members, excluding
	// the sender unless includingSelf.
	Broadcast(app *apps.App, channelName, event string, payload any, senderSocketID string, includingSelf bool)
	// Whisper sends event/payload to the subset of live connections named
	// by socketIDs.
	Whisper(app *apps.App, socketIDs []string, channelName, event string, payload any)
}

// Telemetry receives best-effort forwarding of handler exceptions (§4.5
// step 12). Nil is valid; the engine then just logs.
type Telemetry interface {
	HandlerError(event string, err error)
}

// Engine is the Dispatch Engine (C5).
type Engine struct {
	resolver  *handler.Resolver
	pool      *WorkerPool
	sink      Sink
	telemetry Telemetry
	logger    zerolog.Logger
}

// NewEngine wires a resolver, a worker pool sized for the deployment, a
// reply sink, and an optional telemetry forwarder.
func NewEngine(resolver *handler.Resolver, pool *WorkerPool, sink Sink, telemetry Telemetry, logger zerolog.Logger) *Engine {
	return &Engine{resolver: resolver, pool: pool, sink: sink, telemetry: telemetry, logger: logger}
}

// Dispatch handles one non-protocol event for conn, per §4.5 steps 1-12.
// It returns as soon as the isolated task is queued on the worker pool;
// onMessage (the caller, in package protocol) never waits for the handler
// itself to run, satisfying the concurrency model's point 1. Queuing
// blocks only while the pool's job queue is full (see Submit).
func (e *Engine) Dispatch(conn *connection.Conn, app *apps.App, event, channelName string, data []byte) {
	namespace, methodPart, ok := splitEvent(event)
	if !ok {
		e.sink.Reply(conn, event+":error", channelName, errorPayload("Event could not be associated"))
		return
	}

	resolved, found := e.resolver.Resolve(namespace)
	if !found {
		e.sink.Reply(conn, event+":error", channelName, errorPayload("Event could not be associated"))
		return
	}

	ctrl, ok := resolved.(Controller)
	if !ok {
		e.sink.Reply(conn, event+":error", channelName, errorPayload("Event could not be associated"))
		return
	}

	methodName := handler.KebabToPascal(methodPart)
	method, found := ctrl.MethodNamed(methodName)
	if !found {
		e.sink.Reply(conn, event+":error", channelName, errorPayload("Event could not be handled"))
		return
	}

	e.pool.Submit(func() {
		e.run(conn, app, ctrl, method, event, channelName, data)
	})
}

func (e *Engine) run(conn *connection.Conn, app *apps.App, ctrl Controller, method Method, event, channelName string, data []byte) {
	dctx, cancel := context.WithTimeout(conn.Context(), HandlerTimeout)
	defer cancel()

	var terminalOnce sync.Once
	timer := time.AfterFunc(HandlerTimeout, func() {
		terminalOnce.Do(func() {
			e.sink.Reply(conn, event+":error", channelName, errorPayload(event+" timeout"))
		})
	})
	defer timer.Stop()

	emit := func(env Envelope) {
		switch env.Kind {
		case KindSuccess:
			terminalOnce.Do(func() {
				e.sink.Reply(conn, event+":response", channelName, env.Payload)
			})
		case KindError:
			terminalOnce.Do(func() {
				e.sink.Reply(conn, event+":error", channelName, env.Payload)
			})
		case KindProgress:
			e.sink.Reply(conn, event+":progress", channelName, env.Payload)
		case KindBroadcast:
			e.sink.Broadcast(app, env.Channel, event, env.Payload, conn.SocketID, env.IncludingSelf)
		case KindWhisper:
			e.sink.Whisper(app, env.SocketIDs, env.Channel, event, env.Payload)
		}
	}

	ctx := NewContext(dctx, conn.SocketID, app, conn.PrincipalID(), channelName, event, emit)

	if booter, ok := ctrl.(Booter); ok {
		if booter.Boot(ctx) {
			return
		}
	}

	if ctx.Principal == "" {
		optional, isOptional := ctrl.(OptionalAuth)
		if !isOptional || !optional.AuthOptional() {
			terminalOnce.Do(func() {
				e.sink.Reply(conn, event+":error", channelName, errorPayload("Unauthorized"))
			})
			return
		}
	}

	if booted, ok := ctrl.(BootedHook); ok {
		if booted.Booted(ctx) {
			return
		}
	}

	result, err := e.invoke(method, ctx, data, event)

	if err != nil {
		if e.telemetry != nil {
			e.telemetry.HandlerError(event, err)
		}
		terminalOnce.Do(func() {
			e.sink.Reply(conn, event+":error", channelName, reportedErrorPayload(err))
		})
	} else if result != nil && result != Handled {
		terminalOnce.Do(func() {
			e.sink.Reply(conn, event+":response", channelName, result)
		})
	}

	if unbooter, ok := ctrl.(Unbooter); ok {
		unbooter.Unboot(ctx)
	}
}

// invoke recovers a panicking handler body and converts it into the same
// error path a returned error would take (§4.5 step 12 "any thrown
// condition").
func (e *Engine) invoke(method Method, ctx *Context, data []byte, event string) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("event", event).Interface("panic", r).Msg("handler panic recovered")
			err = fmt.Errorf("%v", r)
		}
	}()
	return method(ctx, data)
}

func splitEvent(event string) (namespace, method string, ok bool) {
	idx := strings.Index(event, ".")
	if idx < 0 {
		return "", "", false
	}
	return event[:idx], event[idx+1:], true
}

func errorPayload(message string) map[string]any {
	return map[string]any{"message": message}
}

func reportedErrorPayload(err error) map[string]any {
	return map[string]any{"message": err.Error(), "meta": map[string]any{"reported": true}}
}

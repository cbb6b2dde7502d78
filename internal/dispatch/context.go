package dispatch

import (
	"context"

	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/handler"
)

// Method is the signature every controller method implements. A handler
// may call Context's emit helpers any number of times before returning;
// its return value is then interpreted per §4.5 steps 9-10: a non-nil,
// non-Handled value becomes an automatic success(value); nil or Handled
// emits nothing further; a non-nil error becomes error(msg).
type Method func(ctx *Context, data []byte) (any, error)

// Controller is the full contract a dispatch target implements: the
// handler.Controller naming contract plus method lookup. Concrete
// controller types satisfy this structurally; the Resolver only ever
// needs to know about handler.Controller.
type Controller interface {
	handler.Controller
	// MethodNamed returns the handler for a dispatched method name
	// (kebab-to-pascal of the part after the first '.'), or false if this
	// controller doesn't implement it.
	MethodNamed(name string) (Method, bool)
}

// OptionalAuth is implemented by controllers that want the default
// "authenticated principal required" gate (§4.5 step 5) turned off.
type OptionalAuth interface {
	AuthOptional() bool
}

// Context is the explicit, narrow "dispatch context" SPEC_FULL.md §9
// calls for in place of the source's fork+shared-memory isolation: it is
// constructed fresh (one *Context per dispatch) from a connection snapshot
// at dispatch time and handed only to that dispatch's handler, so
// concurrent dispatches never share mutable ambient state (the isolation
// contract, §4.5).
type Context struct {
	ctx context.Context

	SocketID  string
	App       *apps.App
	Principal string
	Channel   string
	Event     string

	emit func(Envelope)
}

// NewContext builds a dispatch Context. emit is called for every envelope
// the handler produces via the Progress/Broadcast/Whisper/Error helpers.
func NewContext(parent context.Context, socketID string, app *apps.App, principal, channelName, event string, emit func(Envelope)) *Context {
	return &Context{
		ctx:       parent,
		SocketID:  socketID,
		App:       app,
		Principal: principal,
		Channel:   channelName,
		Event:     event,
		emit:      emit,
	}
}

// Done returns the cancellation signal from the owning connection; a
// handler body that selects on this can abandon work early if the
// connection closes mid-dispatch.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// Progress emits a <event>:progress envelope. May be called any number of
// times, always before a terminal envelope.
func (c *Context) Progress(payload any) { c.emit(Envelope{Kind: KindProgress, Payload: payload}) }

// Error emits a <event>:error envelope directly, bypassing the automatic
// conversion of a returned error.
func (c *Context) Error(payload any) { c.emit(Envelope{Kind: KindError, Payload: payload}) }

// Success emits a <event>:response envelope directly. A handler that
// calls Success itself should return (dispatch.Handled, nil) to suppress
// the automatic success envelope described in §4.5 step 10.
func (c *Context) Success(payload any) { c.emit(Envelope{Kind: KindSuccess, Payload: payload}) }

// Broadcast emits to all members of channelName (or the dispatch's own
// channel if channelName is ""), excluding the sender unless
// includingSelf is set (§4.5 step 8).
func (c *Context) Broadcast(payload any, channelName string, includingSelf bool) {
	if channelName == "" {
		channelName = c.Channel
	}
	c.emit(Envelope{Kind: KindBroadcast, Payload: payload, Channel: channelName, IncludingSelf: includingSelf})
}

// Whisper emits to the subset of live connections named by socketIDs.
func (c *Context) Whisper(payload any, socketIDs []string, channelName string) {
	if channelName == "" {
		channelName = c.Channel
	}
	c.emit(Envelope{Kind: KindWhisper, Payload: payload, Channel: channelName, SocketIDs: socketIDs})
}

// Booter is the optional boot hook (§4.5 step 4): returning true halts
// dispatch silently before the auth gate.
type Booter interface {
	Boot(ctx *Context) bool
}

// BootedHook is the optional booted hook (§4.5 step 6): returning true
// halts dispatch silently after the auth gate.
type BootedHook interface {
	Booted(ctx *Context) bool
}

// Unbooter is the optional best-effort cleanup hook (§4.5 step 11); it
// never halts anything.
type Unbooter interface {
	Unboot(ctx *Context)
}

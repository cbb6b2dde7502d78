// Package connection implements the Connection Object (SPEC_FULL.md §4.3):
// a single-writer, ordered sink of outbound JSON text frames per client.
// The outbound buffering and pooling strategy is grounded on
// ws/internal/shared/connection.go's Client/ConnectionPool and
// ws/internal/shared/pump_write.go's dedicated writer goroutine.
package connection

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/logging"
)

const (
	sendBufferSize    = 256
	writeDeadline     = 10 * time.Second
	maxConsecutiveErr = 3
)

// State is the connection's position in the C4 protocol state machine.
type State int32

const (
	StatePending State = iota
	StateOpen
	StateClosing
	StateClosed
)

// Conn represents one client connection. It owns the socket, the outbound
// send buffer, and the subscription set consulted by the Channel Registry.
type Conn struct {
	SocketID      string
	App           *apps.App
	RemoteAddress string
	Principal     atomic.Value // string; empty means unauthenticated

	conn net.Conn

	state      atomic.Int32
	lastPongAt atomic.Int64 // unix nanos

	send       chan []byte
	closeOnce  sync.Once
	closed     chan struct{}
	consecFail atomic.Int32

	subsMu sync.RWMutex
	subs   map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	logger zerolog.Logger
}

// Pool reuses *Conn allocations across high-churn connect/disconnect
// cycles, the same strategy the teacher applies to its Client struct.
var Pool = sync.Pool{
	New: func() any { return &Conn{} },
}

// New acquires a Conn from the pool, attaches it to sock, and starts its
// writer goroutine. Callers must call Close when the connection ends.
func New(parent context.Context, sock net.Conn, socketID string, app *apps.App, remoteAddr string, logger zerolog.Logger) *Conn {
	c := Pool.Get().(*Conn)
	c.SocketID = socketID
	c.App = app
	c.RemoteAddress = remoteAddr
	c.conn = sock
	c.send = make(chan []byte, sendBufferSize)
	c.closed = make(chan struct{})
	c.subs = make(map[string]struct{})
	c.logger = logger
	c.state.Store(int32(StatePending))
	c.lastPongAt.Store(time.Now().UnixNano())
	c.consecFail.Store(0)
	c.Principal.Store("")
	c.closeOnce = sync.Once{}
	c.ctx, c.cancel = context.WithCancel(parent)

	go c.writePump()
	return c
}

// Context is cancelled when the connection closes; dispatches targeting
// this connection should select on it to abandon in-flight work.
func (c *Conn) Context() context.Context { return c.ctx }

// Socket returns the underlying transport, for the protocol state
// machine's read pump (the only caller that needs raw read access; all
// writes go through Send).
func (c *Conn) Socket() net.Conn { return c.conn }

// SetState transitions the connection's protocol state (§4.4).
func (c *Conn) SetState(s State) { c.state.Store(int32(s)) }

// State returns the connection's current protocol state.
func (c *Conn) State() State { return State(c.state.Load()) }

// TouchPong records a pong/ping-equivalent liveness signal.
func (c *Conn) TouchPong() { c.lastPongAt.Store(time.Now().UnixNano()) }

// LastPongAt returns the last liveness timestamp.
func (c *Conn) LastPongAt() time.Time {
	return time.Unix(0, c.lastPongAt.Load())
}

// SetPrincipal records the resolved principal (opaque identity string).
func (c *Conn) SetPrincipal(p string) { c.Principal.Store(p) }

// PrincipalID returns the resolved principal, or "" if unauthenticated.
func (c *Conn) PrincipalID() string { return c.Principal.Load().(string) }

// Subscribe records channelName in this connection's subscription set.
// Returns false if it was already present (idempotence check for C2).
func (c *Conn) Subscribe(channelName string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, ok := c.subs[channelName]; ok {
		return false
	}
	c.subs[channelName] = struct{}{}
	return true
}

// Unsubscribe removes channelName from the subscription set. Returns false
// if it wasn't present.
func (c *Conn) Unsubscribe(channelName string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, ok := c.subs[channelName]; !ok {
		return false
	}
	delete(c.subs, channelName)
	return true
}

// IsSubscribed reports whether channelName is in the subscription set.
func (c *Conn) IsSubscribed(channelName string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	_, ok := c.subs[channelName]
	return ok
}

// Subscriptions returns a snapshot of the subscribed channel names, used
// by onClose to drive Channel Registry teardown.
func (c *Conn) Subscriptions() []string {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for name := range c.subs {
		out = append(out, name)
	}
	return out
}

// Send enqueues a frame for delivery. Non-blocking: if the outbound buffer
// is full the frame is dropped; after maxConsecutiveErr consecutive drops
// the connection is evicted via Close(1008, ...), matching the slow-client
// eviction in src/server.go's broadcast() (Close does not put the 1008 code
// on the wire; see Close). If the sink is already closed, Send is a silent
// no-op per §4.3.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- frame:
		c.consecFail.Store(0)
		return true
	default:
		if c.consecFail.Add(1) >= maxConsecutiveErr {
			c.logger.Warn().Str("socket_id", c.SocketID).Msg("evicting slow client after repeated outbound drops")
			c.Close(1008, "slow client")
		}
		return false
	}
}

func (c *Conn) writePump() {
	defer logging.RecoverPanic(c.logger, "writePump", map[string]any{"socket_id": c.SocketID})
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := wsutil.WriteServerMessage(c.conn, 1 /* ws.OpText */, frame); err != nil {
				c.Close(1006, "write error")
				return
			}
		}
	}
}

// Close tears the connection down exactly once: cancels its context, stops
// the writer goroutine, and closes the underlying socket. No WebSocket close
// frame is written: code and reason are not sent to the peer.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.SetState(StateClosing)
		close(c.closed)
		c.cancel()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.SetState(StateClosed)
	})
}

// Release returns the Conn to the pool for reuse. Call only after Close
// and after the owning server has finished all teardown bookkeeping.
func (c *Conn) Release() {
	c.SocketID = ""
	c.App = nil
	c.RemoteAddress = ""
	c.conn = nil
	c.send = nil
	c.closed = nil
	c.subs = nil
	c.ctx = nil
	c.cancel = nil
	Pool.Put(c)
}

// Package admission implements onOpen/onClose (SPEC_FULL.md §4.8): the
// upgrade handler sequencing grounded on
// ws/internal/shared/handlers_ws.go's handleWebSocket (origin/capacity
// checks before ws.UpgradeHTTP, X-Forwarded-For extraction via
// getClientIP), generalized from that teacher's single-tenant admission
// to this broker's per-app key/origin/capacity policy.
package admission

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/brokererror"
	"github.com/adred-codev/pusherbroker/internal/channel"
	"github.com/adred-codev/pusherbroker/internal/connection"
	"github.com/adred-codev/pusherbroker/internal/protocol"
	"github.com/adred-codev/pusherbroker/internal/stats"
)

// Telemetry receives the admission-lifecycle events step 9/onClose step 3
// call for (§4.8). Nil is valid.
type Telemetry interface {
	NewConnection(appID, socketID string)
	ConnectionClosed(appID, socketID string)
}

// Admitter runs onOpen/onClose for inbound WebSocket upgrades.
type Admitter struct {
	appRegistry apps.Registry
	channels    *channel.Registry
	machine     *protocol.Machine
	stats       stats.Sink
	telemetry   Telemetry
	socketSeq   *socketIDGenerator
	logger      zerolog.Logger

	maxGlobalConns int64 // 0 = no process-wide ceiling beyond per-app capacity
}

// Config configures an Admitter.
type Config struct {
	AppRegistry    apps.Registry
	Channels       *channel.Registry
	Machine        *protocol.Machine
	Stats          stats.Sink
	Telemetry      Telemetry
	MaxGlobalConns int64
	Logger         zerolog.Logger
}

// New builds an Admitter.
func New(cfg Config) *Admitter {
	return &Admitter{
		appRegistry:    cfg.AppRegistry,
		channels:       cfg.Channels,
		machine:        cfg.Machine,
		stats:          cfg.Stats,
		telemetry:      cfg.Telemetry,
		socketSeq:      newSocketIDGenerator(),
		maxGlobalConns: cfg.MaxGlobalConns,
		logger:         cfg.Logger,
	}
}

// ServeHTTP is the WebSocket upgrade endpoint. It runs the full onOpen
// sequence, then blocks in the connection's read pump until close, then
// runs onClose. One call = one connection's lifetime.
func (a *Admitter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	appKey := r.URL.Query().Get("appKey")
	remoteAddr := clientAddress(r)

	app, brokerErr := a.resolveApp(appKey)

	if brokerErr == nil {
		if !a.channels.AcceptsNewConnections(app.ID) {
			http.Error(w, "server draining", http.StatusServiceUnavailable)
			return
		}

		origin := r.Header.Get("Origin")
		if origin != "" && !app.AllowsOrigin(origin) {
			brokerErr = brokererror.Admission(brokererror.CodeOriginNotAllowed, "Origin not allowed")
		} else if app.Capacity != nil && a.channels.GlobalConnectionsCount(app.ID) >= int64(*app.Capacity) {
			brokerErr = brokererror.Admission(brokererror.CodeConnectionsOverCapacity, "Over capacity")
		}
		if brokerErr == nil && a.maxGlobalConns > 0 {
			var total int64
			for _, other := range a.appRegistry.All() {
				total += a.channels.GlobalConnectionsCount(other.ID)
			}
			if total >= a.maxGlobalConns {
				brokerErr = brokererror.Admission(brokererror.CodeConnectionsOverCapacity, "Over capacity")
			}
		}
	}

	sock, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		a.logger.Warn().Err(err).Str("app_key", appKey).Msg("websocket upgrade failed")
		return
	}

	if brokerErr != nil {
		a.rejectAfterUpgrade(sock, brokerErr)
		return
	}

	socketID := a.socketSeq.next()
	conn := connection.New(r.Context(), sock, socketID, app, remoteAddr, a.logger)
	conn.SetState(connection.StatePending)

	if principal, ok := resolvePrincipal(r, app); ok {
		conn.SetPrincipal(principal)
	}

	conn.Send(a.machine.Established(conn))

	a.channels.RegisterConnection(app.ID, conn)
	if a.stats != nil {
		a.stats.IncrConnections(app.ID)
	}
	if a.telemetry != nil {
		a.telemetry.NewConnection(app.ID, socketID)
	}

	a.machine.ReadPump(conn)

	a.onClose(conn)
}

// onClose runs the §4.8 onClose sequence: unsubscribe everywhere,
// telemetry, deregistration, state release. The conn.Close call at the end
// cancels conn.Context(), which abandons any in-flight dispatches
// targeting this connection.
func (a *Admitter) onClose(conn *connection.Conn) {
	conn.SetPrincipal("")
	a.channels.UnsubscribeFromAll(conn.App.ID, conn)

	if a.stats != nil {
		a.stats.DecrConnections(conn.App.ID)
	}
	if a.telemetry != nil {
		a.telemetry.ConnectionClosed(conn.App.ID, conn.SocketID)
	}

	a.channels.DeregisterConnection(conn.App.ID, conn.SocketID)
	conn.Close(1000, "closed")
	conn.Release()
}

func (a *Admitter) resolveApp(appKey string) (*apps.App, *brokererror.Error) {
	app, err := a.appRegistry.FindByKey(appKey)
	if err != nil {
		return nil, brokererror.Admission(brokererror.CodeUnknownAppKey, fmt.Sprintf("Could not find app key `%s`.", appKey))
	}
	return app, nil
}

// rejectAfterUpgrade sends a pusher.error frame over an already-upgraded
// socket per the §4.4 "Pending -> admission fail -> Closed" transition,
// then closes it. Origin and capacity checks can only be reported this
// way because the wire protocol has no pre-handshake error channel.
func (a *Admitter) rejectAfterUpgrade(sock net.Conn, brokerErr *brokererror.Error) {
	frame := protocol.AdmissionError(brokerErr)
	_ = wsutil.WriteServerMessage(sock, ws.OpText, frame)
	_ = sock.Close()
}

// clientAddress prefers the first X-Forwarded-For entry, falling back to
// the transport peer address, per §4.8 step 2.
func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// resolvePrincipal implements §4.8.1: an optional ?token=<jwt> query
// parameter verified against the resolved app's secret. A missing or
// invalid token is not an admission failure.
func resolvePrincipal(r *http.Request, app *apps.App) (string, bool) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		return "", false
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(app.Secret), nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", false
	}
	return sub, true
}

// socketIDGenerator produces Pusher-shaped "seq.seq" socket ids, matching
// the real Pusher wire format well enough for client libraries that parse
// it, without needing a central counter service.
type socketIDGenerator struct {
	counter atomic.Int64
}

func newSocketIDGenerator() *socketIDGenerator {
	g := &socketIDGenerator{}
	g.counter.Store(time.Now().UnixNano() % 100000)
	return g
}

func (g *socketIDGenerator) next() string {
	n := g.counter.Add(1)
	return strconv.FormatInt(n/100000+1, 10) + "." + strconv.FormatInt(n%100000+1, 10)
}

package channel

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/connection"
)

// ErrAuthFailed is returned by Subscribe when a private/presence channel's
// signature doesn't verify.
var ErrAuthFailed = errors.New("invalid channel signature")

// Relay is the optional cross-node broadcast hook described in
// SPEC_FULL.md §4.10. A Registry constructed without one behaves exactly
// as the spec's "no cross-node coordination in the core" non-goal
// requires.
type Relay interface {
	Publish(appID, channelName string, envelope []byte)
}

type appState struct {
	channels    sync.Map // name -> *Channel
	connections sync.Map // socketID -> *connection.Conn
	connCount   atomic.Int64
	acceptNew   atomic.Bool
}

// Registry is the process-wide Channel Registry (C2), one per broker
// process, shared by every connection.
type Registry struct {
	apps  sync.Map // appID -> *appState
	relay Relay
}

// New constructs an empty registry. relay may be nil.
func New(relay Relay) *Registry {
	return &Registry{relay: relay}
}

func (r *Registry) state(appID string) *appState {
	if v, ok := r.apps.Load(appID); ok {
		return v.(*appState)
	}
	fresh := &appState{}
	fresh.acceptNew.Store(true)
	v, _ := r.apps.LoadOrStore(appID, fresh)
	return v.(*appState)
}

// FindOrCreate returns the named channel for appID, creating it if absent.
func (r *Registry) FindOrCreate(appID, name string) *Channel {
	st := r.state(appID)
	v, _ := st.channels.LoadOrStore(name, newChannel(appID, name))
	return v.(*Channel)
}

// Find returns the named channel if it currently exists.
func (r *Registry) Find(appID, name string) (*Channel, bool) {
	v, ok := r.apps.Load(appID)
	if !ok {
		return nil, false
	}
	st := v.(*appState)
	ch, ok := st.channels.Load(name)
	if !ok {
		return nil, false
	}
	return ch.(*Channel), true
}

// RegisterConnection adds conn to appID's local connection set, used for
// global_connections_count and local_connections(). Call once on
// successful admission, before Subscribe is ever called for this
// connection.
func (r *Registry) RegisterConnection(appID string, conn *connection.Conn) {
	st := r.state(appID)
	st.connections.Store(conn.SocketID, conn)
	st.connCount.Add(1)
}

// DeregisterConnection removes conn from appID's local connection set.
// Call from onClose after UnsubscribeFromAll.
func (r *Registry) DeregisterConnection(appID string, socketID string) {
	v, ok := r.apps.Load(appID)
	if !ok {
		return
	}
	st := v.(*appState)
	if _, existed := st.connections.LoadAndDelete(socketID); existed {
		st.connCount.Add(-1)
	}
}

// GlobalConnectionsCount returns the number of live connections for appID,
// consulted by the admission capacity check (§4.8 step 5).
func (r *Registry) GlobalConnectionsCount(appID string) int64 {
	v, ok := r.apps.Load(appID)
	if !ok {
		return 0
	}
	return v.(*appState).connCount.Load()
}

// LocalConnections enumerates every connection on this node for appID.
func (r *Registry) LocalConnections(appID string) []*connection.Conn {
	v, ok := r.apps.Load(appID)
	if !ok {
		return nil
	}
	st := v.(*appState)
	var out []*connection.Conn
	st.connections.Range(func(_, val any) bool {
		out = append(out, val.(*connection.Conn))
		return true
	})
	return out
}

// AcceptsNewConnections reports whether appID is currently accepting
// connections (false during a soft drain).
func (r *Registry) AcceptsNewConnections(appID string) bool {
	v, ok := r.apps.Load(appID)
	if !ok {
		return true // never-seen app: nothing has declined it yet
	}
	return v.(*appState).acceptNew.Load()
}

// DeclineNewConnections flips appID (or, if appID is "", every known app)
// to reject new connections, used by the restart/shutdown drain sequence.
func (r *Registry) DeclineNewConnections(appID string) {
	if appID != "" {
		r.state(appID).acceptNew.Store(false)
		return
	}
	r.apps.Range(func(_, v any) bool {
		v.(*appState).acceptNew.Store(false)
		return true
	})
}

// SubscribeResult carries what the caller (C4) needs to emit back to the
// connection after a Subscribe call.
type SubscribeResult struct {
	AlreadySubscribed bool
	Channel           *Channel
	PresencePayload   map[string]any // non-nil only for presence channels
	MemberAddedFor    *PresenceMember
}

// Subscribe validates auth for private/presence channels, adds conn to
// the channel's membership, and reports what events the caller must emit.
// Idempotent: re-subscribing an already-subscribed connection returns
// AlreadySubscribed=true and performs no mutation or emission (invariant,
// property 1).
func (r *Registry) Subscribe(app *apps.App, conn *connection.Conn, channelName, auth, channelData string) (*SubscribeResult, error) {
	if conn.IsSubscribed(channelName) {
		ch := r.FindOrCreate(app.ID, channelName)
		return &SubscribeResult{AlreadySubscribed: true, Channel: ch}, nil
	}

	kind := KindOf(channelName)
	var presence *PresenceMember
	if kind.RequiresAuth() {
		message := conn.SocketID + ":" + channelName
		if kind == KindPresence {
			message += ":" + channelData
		}
		if !VerifySignature(app, auth, message) {
			return nil, ErrAuthFailed
		}
		if kind == KindPresence {
			pm, err := parsePresenceData(channelData)
			if err != nil {
				return nil, err
			}
			presence = pm
		}
	}

	ch := r.FindOrCreate(app.ID, channelName)
	added, firstForUser := ch.addMember(conn, presence)
	if added {
		conn.Subscribe(channelName)
	}

	result := &SubscribeResult{Channel: ch}
	if kind == KindPresence {
		result.PresencePayload = ch.PresencePayload()
		if firstForUser {
			result.MemberAddedFor = presence
		}
	}
	return result, nil
}

// Unsubscribe removes conn from channelName's membership. Idempotent: a
// connection not currently subscribed produces no error and no emission
// signal (removed=false).
func (r *Registry) Unsubscribe(appID string, conn *connection.Conn, channelName string) (removed bool, memberRemovedFor *PresenceMember) {
	ch, ok := r.Find(appID, channelName)
	if !ok {
		conn.Unsubscribe(channelName)
		return false, nil
	}

	okRemoved, removedPresence, lastForUser, empty := ch.removeMember(conn.SocketID)
	if !okRemoved {
		return false, nil
	}
	conn.Unsubscribe(channelName)

	if empty {
		r.destroyChannel(appID, channelName)
	}

	if ch.Kind == KindPresence && lastForUser {
		return true, removedPresence
	}
	return true, nil
}

func (r *Registry) destroyChannel(appID, channelName string) {
	v, ok := r.apps.Load(appID)
	if !ok {
		return
	}
	v.(*appState).channels.Delete(channelName)
}

// UnsubscribeFromAll tears down every subscription conn currently holds,
// invoked from onClose (§4.8).
func (r *Registry) UnsubscribeFromAll(appID string, conn *connection.Conn) {
	for _, name := range conn.Subscriptions() {
		r.Unsubscribe(appID, conn, name)
	}
}

// Broadcast delivers envelope to every member of channelName except those
// whose socket_id is in except, iterating the stable membership snapshot
// taken at call start (§5.4, property 3). If relay is configured, the
// envelope is also published for other nodes to relay locally.
func (r *Registry) Broadcast(appID, channelName string, envelope []byte, except map[string]struct{}) {
	ch, ok := r.Find(appID, channelName)
	if !ok {
		return
	}
	for _, member := range ch.Members() {
		if _, excluded := except[member.SocketID]; excluded {
			continue
		}
		member.Send(envelope)
	}
	if r.relay != nil {
		r.relay.Publish(appID, channelName, envelope)
	}
}

// BroadcastLocalOnly is used by the replication Relay's inbound path: it
// must not re-publish back out, or every broker process would echo every
// broadcast forever.
func (r *Registry) BroadcastLocalOnly(appID, channelName string, envelope []byte, except map[string]struct{}) {
	ch, ok := r.Find(appID, channelName)
	if !ok {
		return
	}
	for _, member := range ch.Members() {
		if _, excluded := except[member.SocketID]; excluded {
			continue
		}
		member.Send(envelope)
	}
}

func parsePresenceData(channelData string) (*PresenceMember, error) {
	if channelData == "" {
		return nil, errors.New("presence channel_data missing")
	}
	pm, err := decodePresenceMember(channelData)
	if err != nil {
		return nil, errors.New("presence channel_data malformed")
	}
	return pm, nil
}

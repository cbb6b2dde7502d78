// Package channel implements the Channel Registry (SPEC_FULL.md §4.2): the
// per-app map of channel name to Channel, presence membership, and the
// stable-snapshot broadcast primitive the concurrency model requires
// (§5.4). The copy-on-write snapshot is grounded on
// ws/internal/shared/connection.go's SubscriptionIndex, inverted here from
// "connection -> channels" to "channel -> connections".
package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/connection"
)

var errPresenceMissingUserID = errors.New("presence channel_data missing user_id")

// Kind is the channel variant inferred from its name prefix (§3).
type Kind int

const (
	KindPublic Kind = iota
	KindPrivate
	KindPresence
)

const (
	PrivatePrefix  = "private-"
	PresencePrefix = "presence-"
)

// KindOf infers a channel's kind from its name.
func KindOf(name string) Kind {
	switch {
	case strings.HasPrefix(name, PresencePrefix):
		return KindPresence
	case strings.HasPrefix(name, PrivatePrefix):
		return KindPrivate
	default:
		return KindPublic
	}
}

// RequiresAuth reports whether subscribing to this kind requires a valid
// HMAC signature.
func (k Kind) RequiresAuth() bool { return k == KindPrivate || k == KindPresence }

// PresenceMember is the per-member extra data a presence channel carries.
type PresenceMember struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

type member struct {
	conn     *connection.Conn
	presence *PresenceMember // nil for public/private channels
}

// Channel is one named membership set scoped to one app.
type Channel struct {
	Name  string
	Kind  Kind
	AppID string

	mu       sync.Mutex           // serializes mutation; reads go through snapshot
	snapshot atomic.Value         // map[socketID]*member
	byUserID map[string]int       // presence only: user_id -> live connection count
}

func newChannel(appID, name string) *Channel {
	c := &Channel{Name: name, Kind: KindOf(name), AppID: appID}
	c.snapshot.Store(map[string]*member{})
	if c.Kind == KindPresence {
		c.byUserID = make(map[string]int)
	}
	return c
}

func (c *Channel) currentSnapshot() map[string]*member {
	return c.snapshot.Load().(map[string]*member)
}

// addMember inserts conn (and presence data) if not already present.
// Returns (added, firstForUser) where firstForUser is only meaningful for
// presence channels: true iff this is the first live connection for that
// user_id, which is when member_added must fire.
func (c *Channel) addMember(conn *connection.Conn, presence *PresenceMember) (added bool, firstForUser bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.currentSnapshot()
	if _, exists := old[conn.SocketID]; exists {
		return false, false
	}

	next := make(map[string]*member, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[conn.SocketID] = &member{conn: conn, presence: presence}
	c.snapshot.Store(next)

	if c.Kind == KindPresence && presence != nil {
		c.byUserID[presence.UserID]++
		firstForUser = c.byUserID[presence.UserID] == 1
	}
	return true, firstForUser
}

// removeMember deletes conn's membership. Returns (removed, removedPresence,
// lastForUser, empty) where lastForUser mirrors addMember's firstForUser
// and empty reports whether the channel has zero members after removal
// (signal to destroy it, per invariant 1).
func (c *Channel) removeMember(socketID string) (removed bool, removedPresence *PresenceMember, lastForUser bool, empty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.currentSnapshot()
	m, exists := old[socketID]
	if !exists {
		return false, nil, false, len(old) == 0
	}

	next := make(map[string]*member, len(old)-1)
	for k, v := range old {
		if k != socketID {
			next[k] = v
		}
	}
	c.snapshot.Store(next)

	if c.Kind == KindPresence && m.presence != nil {
		c.byUserID[m.presence.UserID]--
		if c.byUserID[m.presence.UserID] <= 0 {
			delete(c.byUserID, m.presence.UserID)
			lastForUser = true
		}
	}
	return true, m.presence, lastForUser, len(next) == 0
}

// Members returns a stable snapshot of current connections. Iterating it
// after further addMember/removeMember calls observes the old set, which
// is exactly the "broadcast iterates a stable snapshot" guarantee (§5.4).
func (c *Channel) Members() []*connection.Conn {
	snap := c.currentSnapshot()
	out := make([]*connection.Conn, 0, len(snap))
	for _, m := range snap {
		out = append(out, m.conn)
	}
	return out
}

// MemberCount returns the number of live members.
func (c *Channel) MemberCount() int {
	return len(c.currentSnapshot())
}

// PresencePayload builds the {"presence":{"ids","hash","count"}} payload
// sent on subscription_succeeded for presence channels (§6.1).
func (c *Channel) PresencePayload() map[string]any {
	snap := c.currentSnapshot()
	ids := make([]string, 0, len(snap))
	hash := make(map[string]json.RawMessage, len(snap))
	seen := make(map[string]bool)
	for _, m := range snap {
		if m.presence == nil || seen[m.presence.UserID] {
			continue
		}
		seen[m.presence.UserID] = true
		ids = append(ids, m.presence.UserID)
		hash[m.presence.UserID] = m.presence.UserInfo
	}
	return map[string]any{
		"presence": map[string]any{
			"ids":   ids,
			"hash":  hash,
			"count": len(ids),
		},
	}
}

// decodePresenceMember parses the subscribe-time channel_data string into
// a PresenceMember. channel_data arrives as a JSON-encoded string per
// §6.1, e.g. "{\"user_id\":\"1\",\"user_info\":{...}}".
func decodePresenceMember(channelData string) (*PresenceMember, error) {
	var pm PresenceMember
	if err := json.Unmarshal([]byte(channelData), &pm); err != nil {
		return nil, err
	}
	if pm.UserID == "" {
		return nil, errPresenceMissingUserID
	}
	return &pm, nil
}

// VerifySignature checks a subscribe auth string "<key>:<hexhmac>" against
// App.secret, per §6.2. message is "<socket_id>:<channel>" for private
// channels and "<socket_id>:<channel>:<channel_data>" for presence.
func VerifySignature(app *apps.App, auth, message string) bool {
	parts := strings.SplitN(auth, ":", 2)
	if len(parts) != 2 {
		return false
	}
	if parts[0] != app.Key {
		return false
	}
	expected := hmac.New(sha256.New, []byte(app.Secret))
	expected.Write([]byte(message))
	expectedHex := hex.EncodeToString(expected.Sum(nil))
	return hmac.Equal([]byte(expectedHex), []byte(parts[1]))
}

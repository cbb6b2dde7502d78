package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/channel"
)

// registerAdminRoutes wires the minimal admin/API surface §6.4.1 names:
// trigger-event, fetch-channel, and fetch-channels, each behind the
// canonical-string HMAC signature from adminauth.go.
func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/apps/", s.handleAppsRoute)
}

func (s *Server) handleAppsRoute(w http.ResponseWriter, r *http.Request) {
	// /apps/{appID}/events or /apps/{appID}/channels[/{name}]
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 {
		http.NotFound(w, r)
		return
	}
	appID := parts[1]
	app, err := s.cfg.AppRegistry.FindByID(appID)
	if err != nil {
		http.Error(w, "unknown app", http.StatusUnauthorized)
		return
	}

	body, _ := io.ReadAll(r.Body)
	if !verifyAdminSignature(app, r, r.URL.Path, body) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	switch {
	case len(parts) == 3 && parts[2] == "events" && r.Method == http.MethodPost:
		s.handleTriggerEvent(w, r, app, body)
	case len(parts) == 3 && parts[2] == "channels" && r.Method == http.MethodGet:
		s.handleListChannels(w, app)
	case len(parts) == 4 && parts[2] == "channels" && r.Method == http.MethodGet:
		s.handleChannelSnapshot(w, app, parts[3])
	default:
		http.NotFound(w, r)
	}
}

type triggerEventRequest struct {
	Name           string   `json:"name"`
	Channel        string   `json:"channel"`
	Data           any      `json:"data"`
	ExcludeSockets []string `json:"exclude_sockets,omitempty"`
}

// handleTriggerEvent is the signed equivalent of the control socket's
// broadcast command (§4.7), reachable over HTTP instead of the local
// Unix socket, for callers outside the broker's host.
func (s *Server) handleTriggerEvent(w http.ResponseWriter, r *http.Request, app *apps.App, body []byte) {
	var req triggerEventRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Name == "" || req.Channel == "" {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	envelope := encodeFrame(req.Name, req.Channel, req.Data)
	var except map[string]struct{}
	if len(req.ExcludeSockets) > 0 {
		except = make(map[string]struct{}, len(req.ExcludeSockets))
		for _, id := range req.ExcludeSockets {
			except[id] = struct{}{}
		}
	}
	s.cfg.Channels.Broadcast(app.ID, req.Channel, envelope, except)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{}`))
}

type channelSummary struct {
	Name        string   `json:"name"`
	MemberCount int      `json:"subscription_count"`
	PresenceIDs []string `json:"presence_ids,omitempty"`
}

func (s *Server) handleChannelSnapshot(w http.ResponseWriter, app *apps.App, name string) {
	ch, ok := s.cfg.Channels.Find(app.ID, name)
	if !ok {
		http.NotFound(w, nil)
		return
	}
	summary := channelSummary{Name: ch.Name, MemberCount: ch.MemberCount()}
	if ch.Kind == channel.KindPresence {
		if presence, ok := ch.PresencePayload()["presence"].(map[string]any); ok {
			summary.PresenceIDs, _ = presence["ids"].([]string)
		}
	}
	writeJSON(w, summary)
}

func (s *Server) handleListChannels(w http.ResponseWriter, app *apps.App) {
	// The Channel Registry only enumerates channels it currently holds;
	// presenting that list requires walking LocalConnections' subscription
	// sets since Registry doesn't expose a direct channel enumeration.
	seen := map[string]*channelSummary{}
	for _, conn := range s.cfg.Channels.LocalConnections(app.ID) {
		for _, name := range conn.Subscriptions() {
			if _, ok := seen[name]; ok {
				continue
			}
			if ch, ok := s.cfg.Channels.Find(app.ID, name); ok {
				seen[name] = &channelSummary{Name: ch.Name, MemberCount: ch.MemberCount()}
			}
		}
	}
	out := make([]channelSummary, 0, len(seen))
	for _, cs := range seen {
		out = append(out, *cs)
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(b)
}

// Package apps implements the App Registry (SPEC_FULL.md §4.1): resolution
// and validation of the client-supplied app key/secret, and the per-app
// policy (capacity, allowed origins, client-messages, statistics) that
// downstream components consult.
package apps

import (
	"errors"
	"strings"
	"sync"

	"github.com/adred-codev/pusherbroker/internal/config"
)

// ErrNotFound is returned by the lookup methods when no app matches.
var ErrNotFound = errors.New("app not found")

// App is the read-only tenant record from SPEC_FULL.md §3. Values are
// immutable for the lifetime of any connection bound to them.
type App struct {
	ID                    string
	Key                   string
	Secret                string
	Name                  string
	Capacity              *int // nil = unlimited
	ClientMessagesEnabled bool
	StatisticsEnabled     bool
	AllowedOrigins        map[string]struct{} // empty = any origin allowed
}

// AllowsOrigin reports whether origin passes this app's origin policy. An
// empty AllowedOrigins set means "any origin". Comparison is by host only
// (scheme-insensitive): a configured "test.origin.com" matches an incoming
// "Origin: https://test.origin.com" header.
func (a *App) AllowsOrigin(origin string) bool {
	if len(a.AllowedOrigins) == 0 {
		return true
	}
	_, ok := a.AllowedOrigins[originHost(origin)]
	return ok
}

// originHost strips scheme and path from an origin value, leaving just the
// host[:port], lowercased. Works whether or not a scheme is present, so
// config entries can be written with or without one.
func originHost(origin string) string {
	o := strings.TrimSpace(origin)
	if idx := strings.Index(o, "://"); idx >= 0 {
		o = o[idx+3:]
	}
	if idx := strings.Index(o, "/"); idx >= 0 {
		o = o[:idx]
	}
	return strings.ToLower(o)
}

// Registry is the C1 contract: find_by_id/find_by_key/find_by_secret/all/create.
type Registry interface {
	FindByID(id string) (*App, error)
	FindByKey(key string) (*App, error)
	FindBySecret(secret string) (*App, error)
	All() []*App
	Create(app *App) error
}

// ConfigRegistry is the in-memory implementation backed by Config.Apps,
// guarded by a RWMutex so Create (used by tests and an eventual admin API)
// is safe alongside concurrent connection-admission reads.
type ConfigRegistry struct {
	mu      sync.RWMutex
	byID    map[string]*App
	byKey   map[string]*App
	bySecr  map[string]*App
	ordered []*App
}

// NewConfigRegistry seeds a registry from the loaded configuration's
// apps[] list.
func NewConfigRegistry(cfgApps []config.AppConfig) *ConfigRegistry {
	r := &ConfigRegistry{
		byID:   make(map[string]*App),
		byKey:  make(map[string]*App),
		bySecr: make(map[string]*App),
	}
	for _, ca := range cfgApps {
		app := fromConfig(ca)
		r.index(app)
	}
	return r
}

func fromConfig(ca config.AppConfig) *App {
	origins := make(map[string]struct{}, len(ca.AllowedOrigins))
	for _, o := range ca.AllowedOrigins {
		origins[originHost(o)] = struct{}{}
	}
	return &App{
		ID:                    ca.ID,
		Key:                   ca.Key,
		Secret:                ca.Secret,
		Name:                  ca.ID,
		Capacity:              ca.Capacity,
		ClientMessagesEnabled: ca.ClientMessagesEnabled,
		StatisticsEnabled:     ca.StatisticsEnabled,
		AllowedOrigins:        origins,
	}
}

func (r *ConfigRegistry) index(app *App) {
	r.byID[app.ID] = app
	r.byKey[app.Key] = app
	r.bySecr[app.Secret] = app
	r.ordered = append(r.ordered, app)
}

func (r *ConfigRegistry) FindByID(id string) (*App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if app, ok := r.byID[id]; ok {
		return app, nil
	}
	return nil, ErrNotFound
}

func (r *ConfigRegistry) FindByKey(key string) (*App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if app, ok := r.byKey[key]; ok {
		return app, nil
	}
	return nil, ErrNotFound
}

func (r *ConfigRegistry) FindBySecret(secret string) (*App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if app, ok := r.bySecr[secret]; ok {
		return app, nil
	}
	return nil, ErrNotFound
}

func (r *ConfigRegistry) All() []*App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*App, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Create registers a new app at runtime. The core never calls this itself
// (app creation is out-of-band per §4.1); it exists for tests and an
// eventual admin API.
func (r *ConfigRegistry) Create(app *App) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[app.Key]; exists {
		return errors.New("app key already registered")
	}
	r.index(app)
	return nil
}

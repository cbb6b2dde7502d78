// Package handler implements the Handler Resolver (SPEC_FULL.md §4.6).
// Go has no runtime class lookup by constructed string name, so resolution
// is against an explicit registration table populated at process start,
// keyed by each controller's own Prefix(); the folder-segmentation rule
// becomes a fallback over shorter '-'-delimited prefixes of that table
// rather than a namespace lookup. The cache itself (including
// negative lookups) follows the same sync.Map-backed caching style the
// teacher uses in ws/internal/shared/connection.go's SubscriptionIndex.
package handler

import (
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

// Controller is the minimal shape the Resolver itself needs: something
// that can name the event namespace it answers to. Package dispatch
// defines the richer interface (method lookup, auth opt-out) that real
// controllers also implement; the Resolver only needs Prefix() to index
// and return them, so it depends on nothing from package dispatch and no
// cycle exists between the two.
type Controller interface {
	// Prefix returns the event namespace this controller answers to.
	// Discover skips a controller whose Prefix is empty; no prefix is
	// derived from its Go type name.
	Prefix() string
}

type cacheEntry struct {
	ctrl  Controller
	found bool
}

// Resolver maps an event prefix to a Controller, with negative-lookup
// caching. The spec permits but does not require a hot-reload mode that
// disables caching; this implementation always caches, since there is no
// compiled-code invalidation concern in a statically compiled Go binary.
type Resolver struct {
	mu    sync.RWMutex
	table map[string]Controller

	cache sync.Map // prefix -> cacheEntry

	hits   atomic.Int64
	misses atomic.Int64
}

// NewResolver constructs an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{table: make(map[string]Controller)}
}

// Register binds prefix to ctrl explicitly, overriding whatever prefix
// ctrl.Prefix() would derive.
func (r *Resolver) Register(prefix string, ctrl Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[prefix] = ctrl
	r.cache.Delete(prefix)
}

// Discover registers every controller in ctrls under its own Prefix().
func (r *Resolver) Discover(ctrls []Controller) {
	for _, c := range ctrls {
		prefix := c.Prefix()
		if prefix == "" {
			continue
		}
		r.Register(prefix, c)
	}
}

// Resolve looks up the controller for eventPrefix, trying direct lookup
// first then the folder-segmentation strategy for multi-part prefixes
// (§4.6 strategy 2), and caches the outcome including "not found".
func (r *Resolver) Resolve(eventPrefix string) (Controller, bool) {
	if v, ok := r.cache.Load(eventPrefix); ok {
		entry := v.(cacheEntry)
		if entry.found {
			r.hits.Add(1)
		} else {
			r.misses.Add(1)
		}
		return entry.ctrl, entry.found
	}

	ctrl, found := r.resolveUncached(eventPrefix)
	r.cache.Store(eventPrefix, cacheEntry{ctrl: ctrl, found: found})
	if found {
		r.hits.Add(1)
	} else {
		r.misses.Add(1)
	}
	return ctrl, found
}

func (r *Resolver) resolveUncached(eventPrefix string) (Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ctrl, ok := r.table[eventPrefix]; ok {
		return ctrl, true
	}

	// Folder-segmentation strategy: for "a-b-c", try progressively
	// shallower splits ("a-b"+"c", "a"+"b-c", "a"+"b"+"c" folded into one
	// table lookup keyed by the full segmented path) by re-joining
	// candidate prefixes the same table was registered under. Since our
	// table is flat (no real filesystem folders), this degrades to trying
	// each '-'-delimited prefix of decreasing length as a standalone key,
	// which is the Go-native analog of "decreasing folder depth".
	parts := strings.Split(eventPrefix, "-")
	for i := len(parts) - 1; i > 0; i-- {
		candidate := strings.Join(parts[:i], "-")
		if ctrl, ok := r.table[candidate]; ok {
			return ctrl, true
		}
	}

	return nil, false
}

// Preload forces resolution (and caching) of every prefix currently
// registered directly, without waiting for first dispatch.
func (r *Resolver) Preload() {
	r.mu.RLock()
	prefixes := make([]string, 0, len(r.table))
	for p := range r.table {
		prefixes = append(prefixes, p)
	}
	r.mu.RUnlock()

	for _, p := range prefixes {
		r.Resolve(p)
	}
}

// ClearCache drops all cached resolutions, including negative lookups.
// Required by the spec for tests to be able to reset resolver state
// between cases (§9 "Global mutable state").
func (r *Resolver) ClearCache() {
	r.cache.Range(func(k, _ any) bool {
		r.cache.Delete(k)
		return true
	})
}

// Stats reports how many Resolve calls found a controller (Hits) and how
// many did not (Misses), whether or not the answer came from the cache.
type Stats struct {
	Hits   int64
	Misses int64
}

func (r *Resolver) Stats() Stats {
	return Stats{Hits: r.hits.Load(), Misses: r.misses.Load()}
}

// KebabToPascal converts "foo-bar" to "FooBar", the naming rule §4.6
// strategy 1 describes for deriving a controller name from an event
// prefix.
func KebabToPascal(kebab string) string {
	parts := strings.Split(kebab, "-")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		r := []rune(p)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}

// PascalToKebab is KebabToPascal's inverse ("RoomActivity" ->
// "room-activity"). The resolver itself does not call it.
func PascalToKebab(pascal string) string {
	var b strings.Builder
	for i, r := range pascal {
		if unicode.IsUpper(r) && i > 0 {
			b.WriteByte('-')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

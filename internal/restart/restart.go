// Package restart implements the Restart & Shutdown marker store
// (SPEC_FULL.md §4.9): a periodically-polled durable marker that triggers
// a soft drain or hard stop through the Drainer interface. The OS-signal
// path (SIGINT/SIGTERM) lives in cmd/broker, not here. Grounded on the graceful
// shutdown shape of ws/main.go's signal handling, generalized from a
// single process-exit path into a drain-vs-stop decision driven by a
// file the broker polls.
package restart

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Marker is the restart signal's durable payload.
type Marker struct {
	Time time.Time `json:"time"`
	Soft bool      `json:"soft"`
}

// Store is the marker persistence contract; FileStore is the only
// implementation, but the interface keeps the polling loop and the
// broker-restart CLI decoupled from the storage medium.
type Store interface {
	Read() (Marker, error)
	Write(Marker) error
}

// ErrNoMarker is returned by Read when the marker file doesn't exist yet
// (a broker that has never been signalled to restart).
var ErrNoMarker = errors.New("restart: no marker present")

// FileStore persists the marker as JSON at Path.
type FileStore struct {
	Path string
}

// NewFileStore builds a FileStore rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (f *FileStore) Read() (Marker, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Marker{}, ErrNoMarker
		}
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(b, &m); err != nil {
		return Marker{}, err
	}
	return m, nil
}

func (f *FileStore) Write(m Marker) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(f.Path, b, 0644)
}

// Drainer is whatever the broker's server wiring implements to carry out
// a restart: decline new connections, then either drain gracefully or
// stop immediately.
type Drainer interface {
	DeclineNewConnections()
	DrainConnections()
	StopImmediately()
}

const pollInterval = 10 * time.Second

// Watcher polls Store for a marker transition and drives Drainer
// accordingly (§4.9). It uses os.Stat's mtime as a cheap pre-check before
// reading and parsing the file on every tick.
type Watcher struct {
	store   Store
	drainer Drainer
	logger  zerolog.Logger

	lastSeen  time.Time
	lastModAt time.Time
}

// NewWatcher builds a Watcher. Call Run in its own goroutine.
func NewWatcher(store Store, drainer Drainer, logger zerolog.Logger) *Watcher {
	return &Watcher{store: store, drainer: drainer, logger: logger}
}

// Run polls until stop is closed.
func (w *Watcher) Run(path string, stop <-chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.tick(path)
		}
	}
}

func (w *Watcher) tick(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return // no marker yet, or transient stat failure; try again next tick
	}
	if !info.ModTime().After(w.lastModAt) {
		return
	}
	w.lastModAt = info.ModTime()

	marker, err := w.store.Read()
	if err != nil {
		w.logger.Warn().Err(err).Msg("restart: failed reading marker after mtime change")
		return
	}
	if !marker.Time.After(w.lastSeen) {
		return
	}
	w.lastSeen = marker.Time

	w.logger.Info().Bool("soft", marker.Soft).Msg("restart marker observed, initiating shutdown")
	w.drainer.DeclineNewConnections()
	if marker.Soft {
		w.drainer.DrainConnections()
	} else {
		w.drainer.StopImmediately()
	}
}

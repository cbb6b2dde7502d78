package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pusherbroker/internal/admission"
	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/channel"
	"github.com/adred-codev/pusherbroker/internal/controlplane"
	"github.com/adred-codev/pusherbroker/internal/dispatch"
	"github.com/adred-codev/pusherbroker/internal/handler"
	"github.com/adred-codev/pusherbroker/internal/logging"
	"github.com/adred-codev/pusherbroker/internal/protocol"
	"github.com/adred-codev/pusherbroker/internal/stats"
)

// Config wires every component's dependencies into a Server. Callers
// (cmd/broker) construct each layer and hand the assembled pieces here;
// Server owns only process lifecycle (listen/accept/shutdown), matching
// ws/server.go's NewServer/Start/Shutdown shape.
type Config struct {
	Addr string

	AppRegistry apps.Registry
	Channels    *channel.Registry
	Resolver    *handler.Resolver
	Stats       stats.Sink
	Controllers []handler.Controller

	BroadcastSocketEnabled bool
	BroadcastSocketPath    string

	MaxGlobalConns int64

	DispatchWorkers  int
	DispatchQueueLen int

	Logger zerolog.Logger
}

// Server owns the TCP listener, the HTTP mux (WebSocket upgrade, admin
// API, health, metrics), the dispatch worker pool, and the optional
// control-socket listener.
type Server struct {
	cfg      Config
	listener net.Listener
	http     *http.Server
	control  *controlplane.Listener
	pool     *dispatch.WorkerPool
	admitter *admission.Admitter
	logger   zerolog.Logger

	controlStop chan struct{}
	wg          sync.WaitGroup
}

// New assembles the full dependency graph: Dispatch Engine over the
// Resolver and reply Sink, the Protocol State Machine over the Dispatch
// Engine and Channel Registry, and the Admitter over all of it.
func New(cfg Config) *Server {
	cfg.Resolver.Discover(cfg.Controllers)

	sink := newReplySink(cfg.Channels)
	workers := cfg.DispatchWorkers
	if workers <= 0 {
		workers = 32
	}
	queueLen := cfg.DispatchQueueLen
	if queueLen <= 0 {
		queueLen = 1024
	}
	pool := dispatch.NewWorkerPool(workers, queueLen, cfg.Logger)
	engine := dispatch.NewEngine(cfg.Resolver, pool, sink, nil, cfg.Logger)
	machine := protocol.NewMachine(cfg.Channels, engine, cfg.Logger)

	admitter := admission.New(admission.Config{
		AppRegistry:    cfg.AppRegistry,
		Channels:       cfg.Channels,
		Machine:        machine,
		Stats:          cfg.Stats,
		MaxGlobalConns: cfg.MaxGlobalConns,
		Logger:         cfg.Logger,
	})

	s := &Server{cfg: cfg, pool: pool, admitter: admitter, logger: cfg.Logger}

	if cfg.BroadcastSocketEnabled {
		s.control = controlplane.New(cfg.BroadcastSocketPath, cfg.AppRegistry, cfg.Channels, cfg.Logger)
	}

	return s
}

// Start binds the listener and launches the accept loop, admin HTTP
// surface, and optional control socket. It returns once listening has
// succeeded; Serve errors after that point are logged, not returned,
// matching ws/server.go's Start/background-goroutine split.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.admitter.ServeHTTP)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	s.registerAdminRoutes(mux)

	s.http = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer logging.RecoverPanic(s.logger, "http-accept-loop", nil)
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http accept loop exited")
		}
	}()

	if s.control != nil {
		s.controlStop = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer logging.RecoverPanic(s.logger, "control-socket-listener", nil)
			if err := s.control.Serve(s.controlStop); err != nil {
				s.logger.Warn().Err(err).Msg("control socket disabled")
			}
		}()
	}

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("broker listening")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

// DeclineNewConnections implements restart.Drainer: stop admitting new
// connections for every known app.
func (s *Server) DeclineNewConnections() {
	for _, app := range s.cfg.AppRegistry.All() {
		s.cfg.Channels.DeclineNewConnections(app.ID)
	}
}

// DrainConnections implements restart.Drainer's soft path: close every
// local connection for every app, running each through its normal
// onClose teardown, then stop the accept loop.
func (s *Server) DrainConnections() {
	for _, app := range s.cfg.AppRegistry.All() {
		for _, conn := range s.cfg.Channels.LocalConnections(app.ID) {
			conn.Close(1001, "server restarting")
		}
	}
	s.StopImmediately()
}

// StopImmediately implements restart.Drainer's hard path: stop the
// accept loop without waiting for in-flight connections.
func (s *Server) StopImmediately() {
	s.Shutdown(context.Background())
}

// Shutdown stops the HTTP server, the control socket, and the dispatch
// worker pool, waiting for background goroutines to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.controlStop != nil {
		close(s.controlStop)
	}
	if s.control != nil {
		s.control.Close()
	}
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.pool.Close()
	s.wg.Wait()
	return err
}

// Command broker runs the Pusher-protocol-compatible WebSocket broker:
// it loads configuration, wires every internal component per
// SPEC_FULL.md, and serves connections until a restart marker or an OS
// signal asks it to drain and exit. Grounded on ws/main.go's flag
// setup, signal handling, and component-construction order.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/pusherbroker/internal/apps"
	"github.com/adred-codev/pusherbroker/internal/channel"
	"github.com/adred-codev/pusherbroker/internal/config"
	"github.com/adred-codev/pusherbroker/internal/handler"
	"github.com/adred-codev/pusherbroker/internal/handlers/room"
	"github.com/adred-codev/pusherbroker/internal/logging"
	"github.com/adred-codev/pusherbroker/internal/platform"
	"github.com/adred-codev/pusherbroker/internal/replication"
	"github.com/adred-codev/pusherbroker/internal/restart"
	"github.com/adred-codev/pusherbroker/internal/server"
	"github.com/adred-codev/pusherbroker/internal/stats"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "broker:", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("broker", pflag.ExitOnError)
	v := viper.New()
	config.BindFlags(fs, v)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(v, fs.Lookup("config").Value.String())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.InitGlobal(logging.Config{
		Level:  logging.Level(cfg.LogLevel),
		Format: logging.Format(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	cpuMonitor := platform.NewCPUMonitor(15 * time.Second)
	cpuMonitor.Start()
	defer cpuMonitor.Stop()

	maxGlobalConns := int64(0)
	if memLimit, err := platform.MemoryLimit(); err == nil && memLimit > 0 {
		maxGlobalConns = int64(platform.MaxConnectionsForMemory(memLimit))
		logger.Info().Int64("max_global_connections", maxGlobalConns).Msg("derived connection ceiling from cgroup memory limit")
	}

	appRegistry := apps.NewConfigRegistry(cfg.Apps)

	var sinks []stats.Sink
	promSink := stats.NewPrometheusSink(prometheus.DefaultRegisterer)
	sinks = append(sinks, promSink)
	if cfg.KafkaStatsEnabled {
		kafkaSink, err := stats.NewKafkaSink(stats.KafkaSinkConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaStatsTopic,
			Logger:  logger,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("statistics: kafka sink disabled, failed to connect")
		} else {
			sinks = append(sinks, kafkaSink)
			defer kafkaSink.Close()
		}
	}
	// Left as a nil interface when statistics are disabled, so the
	// admitter's nil check skips every counter.
	var statsSink stats.Sink
	if cfg.Statistics.Enabled {
		statsSink = stats.NewMultiSink(sinks...)
	}

	var relay *replication.Relay
	if cfg.NATSEnabled {
		relay, err = replication.Connect(replication.Config{
			URL:           cfg.NATSURL,
			NodeID:        nodeID(),
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
			Logger:        logger,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("replication: disabled, failed to connect to NATS")
			relay = nil
		}
	}

	channels := channel.New(relayOrNil(relay))
	if relay != nil {
		relay.SetRegistry(channels)
		if err := relay.SubscribeAll(); err != nil {
			logger.Warn().Err(err).Msg("replication: failed subscribing to relay subjects")
		}
		defer relay.Close()
	}

	resolver := handler.NewResolver()

	srv := server.New(server.Config{
		Addr:                   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		AppRegistry:            appRegistry,
		Channels:               channels,
		Resolver:               resolver,
		Stats:                  statsSink,
		Controllers:            registeredControllers(logger),
		BroadcastSocketEnabled: cfg.BroadcastSocketEnabled,
		BroadcastSocketPath:    cfg.BroadcastSocketPath,
		MaxGlobalConns:         maxGlobalConns,
		Logger:                 logger,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	restartStore := restart.NewFileStore(cfg.RestartMarkerPath)
	watcher := restart.NewWatcher(restartStore, srv, logger)
	watcherStop := make(chan struct{})
	go func() {
		defer logging.RecoverPanic(logger, "restart-watcher", nil)
		watcher.Run(cfg.RestartMarkerPath, watcherStop)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	close(watcherStop)

	// SIGTERM/SIGINT follow the process-default --soft mode, with the same
	// drain/stop calls the restart marker watcher uses: DrainConnections
	// closes every live connection then stops the listener and worker pool;
	// StopImmediately stops them without the connection close pass.
	srv.DeclineNewConnections()
	if cfg.Soft {
		srv.DrainConnections()
	} else {
		srv.StopImmediately()
	}
	return nil
}

// registeredControllers lists every handler.Controller the broker ships
// with. Deployments embedding this broker as a library would instead
// build their own list and pass it to server.Config.Controllers.
func registeredControllers(logger zerolog.Logger) []handler.Controller {
	return []handler.Controller{
		room.New(logger),
	}
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "broker-node"
	}
	return host
}

func relayOrNil(r *replication.Relay) channel.Relay {
	if r == nil {
		return nil
	}
	return r
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"basewatch/internal/api"
	"basewatch/internal/config"
	"basewatch/internal/engine"
	"basewatch/internal/ingest"
	"basewatch/internal/logging"
	"basewatch/internal/mesh"
	"basewatch/internal/storage"
	"basewatch/internal/store"
)

// Version is set at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json); defaults apply when empty")
	duration := flag.Duration("duration", 0, "monitoring phase duration after the baseline is established (0 = run until stopped)")
	autostart := flag.Bool("autostart", true, "begin a detection run at startup")
	flag.Parse()

	if err := run(*configPath, *duration, *autostart); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, duration time.Duration, autostart bool) error {
	var mgr *config.Manager
	var err error
	if configPath != "" {
		mgr, err = config.NewManager(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		mgr = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := mgr.Get()

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("basewatch starting", "version", version, "node_id", cfg.NodeID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A registry open failure is survivable: the engine falls back to
	// RAM-only with the hard ceiling and no persistence.
	st, err := store.Open(cfg.Registry.DataPath, cfg.Detection.StoreMaxDevices, logger)
	if err != nil {
		logger.Warn("registry unavailable, running RAM-only", "path", cfg.Registry.DataPath, "err", err)
		st = nil
	}
	defer func() {
		if st != nil {
			_ = st.Close()
		}
	}()

	var sink mesh.Sink
	if cfg.Mesh.Enabled {
		tcp := mesh.NewTCPSink(cfg.Mesh.Addr)
		defer tcp.Close()
		sink = tcp
	} else {
		sink = mesh.LogSink{Logger: logger}
	}

	eng := engine.New(cfg, st, sink, logger)

	audit, err := storage.NewStore(cfg.Audit)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	if audit != nil {
		if err := audit.Init(ctx); err != nil {
			return fmt.Errorf("initializing audit store: %w", err)
		}
		defer audit.Close()
		go recordAnomalies(ctx, eng, audit, cfg.NodeID, logger)
		go recordStats(ctx, eng, audit, cfg.NodeID, logger)
	}

	parser := ingest.NewParser()
	ingest.StartREST(ctx, mgr, eng.Queue(), logger)
	ingest.StartTCPStream(ctx, mgr, parser, eng.Queue(), logger)
	ingest.StartKafka(ctx, mgr, parser, eng.Queue(), logger)
	api.Start(ctx, mgr, eng, logger, version)

	if autostart {
		if err := eng.Start(duration); err != nil {
			return err
		}
	}

	// A completed run leaves the node serving its API and ingest sources;
	// only a signal shuts the process down.
	<-ctx.Done()
	logger.Info("shutdown signal received")
	eng.Stop()
	select {
	case <-eng.Done():
	case <-time.After(5 * time.Second):
		logger.Warn("detection worker did not stop in time")
	}

	logger.Info("basewatch stopped")
	return nil
}

// recordAnomalies drains the bounded notification queue into the audit
// store. Failures are logged and dropped; the queue must keep moving.
func recordAnomalies(ctx context.Context, eng *engine.Engine, audit storage.Store, nodeID string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case hit := <-eng.Notifications().C():
			if err := audit.SaveAnomaly(ctx, nodeID, hit); err != nil && ctx.Err() == nil {
				logger.Warn("audit anomaly write failed", "addr", hit.Addr.String(), "err", err)
			}
		}
	}
}

func recordStats(ctx context.Context, eng *engine.Engine, audit storage.Store, nodeID string, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !eng.Running() {
				continue
			}
			if err := audit.SaveStats(ctx, nodeID, eng.Stats()); err != nil && ctx.Err() == nil {
				logger.Warn("audit stats write failed", "err", err)
			}
		}
	}
}

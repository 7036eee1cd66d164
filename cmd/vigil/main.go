// Package main — cmd/vigil/main.go
//
// vigil agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/vigil/config.yaml.
//  2. Initialise structured logger (zap, JSON by default).
//  3. Build every component (assembly.Build): store, sandbox, auth, queue,
//     tailer, broadcaster, error handler, rate limiter, audit sink,
//     pipeline, transport.
//  4. Start every component in dependency order.
//  5. Register SIGHUP handler for config hot-reload (non-destructive
//     fields only).
//  6. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Shut down the transport HTTP server.
//  3. Wait for the pipeline and tailer to drain (max 5s).
//  4. Flush and close the audit sink.
//  5. Close the store.
//  6. Flush logger.
//  7. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vigil/vigil/internal/assembly"
	"github.com/vigil/vigil/internal/config"
)

func main() {
	configPath := flag.String("config", "/etc/vigil/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("vigil %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("vigil starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sys, err := assembly.Build(cfg, log)
	if err != nil {
		log.Fatal("component assembly failed", zap.Error(err))
	}
	log.Info("components assembled",
		zap.String("storage_path", cfg.Storage.DBPath),
		zap.String("transport_addr", cfg.Transport.ListenAddr),
		zap.String("metrics_addr", cfg.Observability.MetricsAddr))

	if err := sys.Start(ctx); err != nil {
		log.Fatal("component startup failed", zap.Error(err))
	}
	log.Info("vigil started")

	// SIGHUP hot-reload.
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			sys.Reload(newCfg)
		}
	}()

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	sys.Stop(5 * time.Second)

	log.Info("vigil shutdown complete")
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

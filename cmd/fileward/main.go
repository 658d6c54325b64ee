// Package main — cmd/fileward/main.go
//
// fileward daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config from fileward.yaml.
//  2. Initialise structured logger (zap).
//  3. Build the orchestrator: open audit ledger, load user exclusions,
//     compile the YARA ruleset, build the quarantine/vault stores, the
//     capture pipeline, and the scheduler.
//  4. Reconcile orphaned vault entries.
//  5. Start the vault processor worker pool.
//  6. Start the filesystem watcher and capture pipeline.
//  7. Start the scheduled scanner evaluator.
//  8. Start the installation-mode watchdog (lazily, on first Activate).
//  9. Start the Prometheus metrics server.
// 10. Start the operator control-plane socket.
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM): cancel the root context, drain the
// vault queue and all worker pools with a 30s grace, close the ledger, flush
// the logger, exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fileward/fileward/internal/config"
	"github.com/fileward/fileward/internal/events"
	"github.com/fileward/fileward/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "fileward.yaml", "Path to fileward.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	silent := flag.Bool("silent", false, "Run without a UI collaborator (events recorded in memory only)")
	flag.Parse()

	if *version {
		fmt.Printf("fileward %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("fileward starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sink events.Sink = events.NewRecording()
	if !*silent {
		log.Info("no UI collaborator wired; recording events in memory (pass -silent to suppress this notice)")
	}

	// ── Step 3: Build the orchestrator ────────────────────────────────────
	orch, err := orchestrator.New(cfg, log, sink)
	if err != nil {
		log.Fatal("orchestrator build failed", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ── Steps 4-10: Run owns reconciliation, worker pools, watcher,
	// scheduler, metrics server, and operator socket, in that order ───────
	if err := orch.Run(ctx); err != nil {
		log.Error("orchestrator run error", zap.Error(err))
	}

	log.Info("fileward shutdown complete")
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

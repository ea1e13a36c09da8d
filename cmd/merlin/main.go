// Merlin - Real-time fraud scoring for every transaction.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/merlin/internal/analyzer"
	"github.com/opensource-finance/merlin/internal/api"
	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/cache"
	"github.com/opensource-finance/merlin/internal/detector"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/reference"
	"github.com/opensource-finance/merlin/internal/repository"
	"github.com/opensource-finance/merlin/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("MERLIN_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting merlin",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for distributed deployment via environment
	if os.Getenv("MERLIN_DISTRIBUTED") == "true" {
		cfg = domain.ProConfig()
		slog.Info("running in distributed mode")
	}

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"rules", len(cfg.Detector.EnabledRules),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize verdict cache backend
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize analyzer registry against the country reference table
	registry, err := analyzer.DefaultRegistry(reference.Default())
	if err != nil {
		slog.Error("failed to initialize analyzers", "error", err)
		os.Exit(1)
	}
	slog.Info("analyzers initialized", "count", len(registry.Names()))

	// Load persisted rule overrides before building the detector
	if err := loadRulesFromDatabase(ctx, repo, &cfg.Detector); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}

	// Initialize Detector
	det, err := detector.New(cfg.Detector, registry, repo, busImpl, cacheImpl)
	if err != nil {
		slog.Error("failed to initialize detector", "error", err)
		os.Exit(1)
	}
	slog.Info("detector initialized",
		"global_threshold", det.GlobalThreshold(),
		"soft_deadline", cfg.Detector.SoftDeadline,
	)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if os.Getenv("MERLIN_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, det)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started")
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, det, repo, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("merlin is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		asyncWorker.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("merlin shutdown complete")
}

// loadRulesFromDatabase folds persisted rule overrides into the detector
// configuration. Builtin rules keep their defaults for anything not stored;
// stored custom rules are appended.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, cfg *domain.DetectorConfig) error {
	stored, err := repo.ListRules(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // start from defaults; rules can be configured via the API
	}
	if len(stored) == 0 {
		return nil
	}

	slog.Info("loading rules from database", "count", len(stored))

	builtin := make(map[string]bool)
	for _, name := range domain.BuiltinRuleNames() {
		builtin[name] = true
	}

	if cfg.Thresholds == nil {
		cfg.Thresholds = make(map[string]float64)
	}
	for _, rule := range stored {
		if builtin[rule.Name] {
			cfg.Thresholds[rule.Name] = rule.Threshold
			continue
		}
		if rule.IsCustom() {
			cfg.CustomRules = append(cfg.CustomRules, rule)
		}
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +------------------------------------------+")
	fmt.Println("  |               MERLIN                     |")
	fmt.Println("  |      Fraud Detection Engine              |")
	fmt.Println("  |   Every transaction, scored in flight.   |")
	fmt.Println("  +------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /v1/analyze         - Score a transaction")
	fmt.Println("    GET    /v1/results/{id}    - Get a verdict by ID")
	fmt.Println("    GET    /v1/results         - List recent verdicts")
	fmt.Println("    GET    /v1/rules           - List rules")
	fmt.Println("    POST   /v1/rules           - Add a custom rule")
	fmt.Println("    PATCH  /v1/rules/{name}    - Tune a rule")
	fmt.Println("    DELETE /v1/rules/{name}    - Remove a custom rule")
	fmt.Println("    PUT    /v1/threshold       - Set the global threshold")
	fmt.Println()
}

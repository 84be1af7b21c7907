// Kestrel - Credit proposal decisioning and FIDC routing.
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
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/decisionlog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
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
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"ledger", cfg.Ledger.Type,
		"eventbus", cfg.EventBus.Type,
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

	// Initialize capacity Ledger
	ledgerImpl, err := ledger.New(cfg.Ledger)
	if err != nil {
		slog.Error("failed to initialize ledger", "error", err)
		os.Exit(1)
	}
	defer ledgerImpl.Close()
	slog.Info("capacity ledger initialized", "type", cfg.Ledger.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize rule Evaluator
	evaluator := rules.NewEvaluator()

	// Initialize counterparty/arrangement Registry
	reg, err := registry.New()
	if err != nil {
		slog.Error("failed to initialize registry", "error", err)
		os.Exit(1)
	}

	// Load configuration from the database per tenant (no hardcoded
	// defaults - configure via the API).
	tenantID := os.Getenv("KESTREL_TENANT")
	if tenantID == "" {
		tenantID = "default"
	}
	if err := loadConfigFromDatabase(ctx, repo, tenantID, evaluator, reg); err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("decision configuration loaded",
		"tenant_id", tenantID,
		"rules_count", evaluator.RulesCount(),
		"counterparty_count", reg.CounterpartyCount(),
		"arrangement_count", reg.ArrangementCount(),
	)

	// Initialize decision log Recorder and pipeline Processor
	recorder := decisionlog.NewRecorder(repo, busImpl)
	processor := decision.NewProcessor(evaluator, reg, ledgerImpl, recorder)
	slog.Info("decision processor initialized")

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, processor)

		tenantIDs := []string{tenantID}
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			tenantIDs = strings.Split(envTenants, ",")
		}

		if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, ledgerImpl, evaluator, reg, processor, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadConfigFromDatabase loads rules, counterparties, and arrangements
// from the database into the hot configuration.
func loadConfigFromDatabase(ctx context.Context, repo domain.Repository, tenantID string, evaluator *rules.Evaluator, reg *registry.Registry) error {
	dbRules, err := repo.ListRules(ctx, tenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
	} else if len(dbRules) > 0 {
		if err := evaluator.LoadRules(dbRules); err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}
	}

	cps, err := repo.ListCounterparties(ctx, tenantID)
	if err != nil {
		slog.Warn("failed to list counterparties from database", "error", err)
	} else if len(cps) > 0 {
		if err := reg.ReloadCounterparties(cps); err != nil {
			return fmt.Errorf("failed to load counterparties: %w", err)
		}
	}

	arrs, err := repo.ListArrangements(ctx, tenantID)
	if err != nil {
		slog.Warn("failed to list arrangements from database", "error", err)
	} else if len(arrs) > 0 {
		if err := reg.ReloadArrangements(arrs); err != nil {
			return fmt.Errorf("failed to load arrangements: %w", err)
		}
	}

	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║   Proposal Decisioning & FIDC Routing     ║")
	fmt.Println("  ║      Every proposal, the right buyer.     ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate               - Decide and route a proposal")
	fmt.Println("    POST /evaluate/preview       - Dry-run without reserving capacity")
	fmt.Println("    GET  /decisions/{id}         - Get a decision log entry")
	fmt.Println("    GET  /decisions?proposalId=  - List decisions for a proposal")
	fmt.Println("    GET  /rules                  - List business rules")
	fmt.Println("    POST /rules                  - Create a business rule")
	fmt.Println("    POST /rules/reload           - Hot-reload rules from database")
	fmt.Println("    GET  /counterparties         - List counterparties")
	fmt.Println("    POST /counterparties         - Create a counterparty")
	fmt.Println("    GET  /arrangements           - List orchestration rules")
	fmt.Println("    POST /arrangements           - Create an orchestration rule")
	fmt.Println("    GET  /health                 - Health check")
	fmt.Println()
}

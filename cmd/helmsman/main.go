package main

import (
	"context"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tannerhall/helmsman/internal/api"
	"github.com/tannerhall/helmsman/internal/archive"
	"github.com/tannerhall/helmsman/internal/bandit"
	"github.com/tannerhall/helmsman/internal/config"
	"github.com/tannerhall/helmsman/internal/orchestrator"
	"github.com/tannerhall/helmsman/internal/platform"
	"github.com/tannerhall/helmsman/internal/store"
	"github.com/tannerhall/helmsman/internal/strategy"
	"github.com/tannerhall/helmsman/internal/workflow"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("helmsman: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"catalog_path", cfg.CatalogPath,
		"bandit_strategy", cfg.BanditStrategy,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	catalog, err := strategy.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatalf("failed to load strategy catalog: %v", err)
	}

	banditCfg := bandit.DefaultConfig()
	if cfg.MinPulls > 0 {
		banditCfg.MinPullsBeforeExploitation = cfg.MinPulls
	}
	if cfg.SafetyThreshold != 0 {
		banditCfg.SafetyThreshold = cfg.SafetyThreshold
	}
	if cfg.ExplorationParam > 0 {
		banditCfg.ExplorationParam = cfg.ExplorationParam
	}

	strat, err := bandit.NewStrategy(cfg.BanditStrategy, banditCfg.ExplorationParam, cfg.Epsilon)
	if err != nil {
		log.Fatalf("failed to build bandit strategy: %v", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	selector := bandit.NewSelector(strat, banditCfg, rng, store.ArmPersister{Store: db}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, e := range catalog.Strategies {
		if err := selector.RegisterArm(ctx, catalog.ContextKey, e.ID, e.Description, e.RiskScore); err != nil {
			log.Fatalf("failed to register arm %q: %v", e.ID, err)
		}
	}
	logger.Info("strategy catalog loaded",
		"context_key", catalog.ContextKey,
		"arms", len(catalog.Strategies),
	)

	engine := workflow.NewEngine(workflow.Config{
		MaxConcurrent:   cfg.MaxConcurrentWorkflows,
		MaxRetries:      cfg.MaxRetries,
		DefaultTimeout:  cfg.WorkflowTimeout,
		MonitorInterval: cfg.MonitorInterval,
		RetentionPeriod: cfg.RetentionPeriod,
	}, logger)

	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrentImprovements: cfg.MaxConcurrentImprovements,
		ComplianceThreshold:       cfg.ComplianceThreshold,
		RollbackThreshold:         cfg.RollbackThreshold,
		StabilizationInterval:     cfg.StabilizationInterval,
		WorkflowTimeout:           cfg.WorkflowTimeout,
	},
		selector,
		engine,
		archive.New(db, logger),
		catalog,
		newValidator(cfg, logger),
		newMetrics(cfg, logger),
		newApplier(cfg, logger),
		logger,
	)

	srv := api.NewServer(cfg.ListenAddr, orch, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		engine.Monitor(ctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// Let in-flight cycles finish archiving before the store closes.
	orch.Wait()
	logger.Info("helmsman: stopped")
}

func newValidator(cfg config.Config, logger *slog.Logger) orchestrator.ComplianceValidator {
	if cfg.ValidatorURL != "" {
		return &platform.HTTPValidator{URL: cfg.ValidatorURL}
	}
	logger.Warn("no validator configured, approving all proposals")
	return platform.LocalValidator{}
}

func newMetrics(cfg config.Config, logger *slog.Logger) orchestrator.MetricsProvider {
	if cfg.MetricsURL != "" {
		return &platform.HTTPMetrics{URL: cfg.MetricsURL}
	}
	logger.Warn("no metrics endpoint configured, improvement will measure zero")
	return platform.LocalMetrics{}
}

func newApplier(cfg config.Config, logger *slog.Logger) orchestrator.ChangeApplier {
	if cfg.ApplierURL != "" {
		return &platform.HTTPApplier{BaseURL: cfg.ApplierURL}
	}
	logger.Warn("no applier configured, changes are a no-op")
	return platform.LocalApplier{}
}

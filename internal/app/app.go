// Package app wires the runner's stores, provider and engine from configuration.
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/runner/internal/adapter/provider"
	"github.com/xiaot623/gogo/runner/internal/config"
	"github.com/xiaot623/gogo/runner/internal/engine"
	"github.com/xiaot623/gogo/runner/internal/faults"
	"github.com/xiaot623/gogo/runner/internal/metrics"
	"github.com/xiaot623/gogo/runner/internal/repository"
	"github.com/xiaot623/gogo/runner/internal/runmanager"
)

// App holds the wired components of one runner process.
type App struct {
	Config   *config.Config
	Logger   *logrus.Logger
	Store    *repository.SQLiteStore
	Runs     repository.RunStateStore
	Registry *prometheus.Registry
	Engine   *engine.Engine

	closers []io.Closer
}

// Build opens the stores and constructs the engine.
func Build(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize store
	store, err := repository.NewSQLiteStore(cfg.DatabaseURL,
		repository.WithRunStateTTL(cfg.RunStateTTL), repository.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store)

	// Run state backend
	switch cfg.RunStateBackend {
	case config.BackendBolt:
		bolt, err := repository.NewBoltRunStateStore(cfg.RunStateBoltPath,
			repository.WithRunStateTTL(cfg.RunStateTTL), repository.WithLogger(logger))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open run state store: %w", err)
		}
		a.Runs = bolt
		a.closers = append(a.closers, bolt)
	case config.BackendSQLite, "":
		a.Runs = store
	default:
		a.Close()
		return nil, fmt.Errorf("unknown run state backend %q", cfg.RunStateBackend)
	}

	// Fault classification policy
	classifier, err := loadClassifier(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	mt := metrics.New(a.Registry)
	manager := runmanager.New(a.Runs, cfg.InstanceID, logger,
		runmanager.WithHeartbeatInterval(cfg.HeartbeatInterval),
		runmanager.WithMetrics(mt),
	)

	a.Engine = engine.New(engine.ConfigFrom(cfg), engine.Deps{
		Manager:    manager,
		Ledger:     store,
		Jobs:       store,
		Provider:   provider.NewProvider(cfg.ProviderURL, cfg.ProviderAPIKey, cfg.ProviderTimeout, logger),
		Classifier: classifier,
		Metrics:    mt,
		Logger:     logger,
	},
		&engine.Research{Model: cfg.ProviderModel, Price: cfg.ResearchCost},
		&engine.Letter{Model: cfg.ProviderModel, Price: cfg.LetterCost},
	)
	return a, nil
}

func loadClassifier(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*faults.Classifier, error) {
	if cfg.FaultPolicyFile != "" {
		c, err := faults.LoadClassifier(ctx, cfg.FaultPolicyFile, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load fault policy: %w", err)
		}
		return c, nil
	}
	c, err := faults.NewClassifier(ctx, faults.DefaultPolicy, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fault policy: %w", err)
	}
	return c, nil
}

// Close releases the stores in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Logger.WithError(err).Warn("failed to close store")
		}
	}
	a.closers = nil
}

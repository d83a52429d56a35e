package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/relay/internal/audit"
	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/config"
	"github.com/basket/relay/internal/orchestrator"
	otelPkg "github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/telemetry"
)

// app holds everything one CLI invocation or daemon run needs.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	bus    *bus.Bus
	store  *persistence.Store
	audit  *audit.Recorder
	otel   *otelPkg.Provider
	inst   *otelPkg.Instruments
	orch   *orchestrator.Orchestrator

	closers []func() error
}

// openApp loads config and opens, in order, the logger, telemetry, store and
// audit recorder. quiet keeps logs out of stdout so JSON output stays clean.
func openApp(ctx context.Context, quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a := &app{cfg: cfg, bus: bus.New()}
	opened := false
	defer func() {
		if !opened {
			a.Close()
		}
	}()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a.logger = logger
	a.closers = append(a.closers, closer.Close)

	a.otel, err = otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.otel.Shutdown(context.Background()) })
	a.inst, err = a.otel.Instruments()
	if err != nil {
		return nil, err
	}

	a.store, err = persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	a.audit, err = audit.Open(cfg.HomeDir, a.store.DB(), logger)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a.closers = append(a.closers, a.audit.Close)

	a.orch = a.newOrchestrator(&a.cfg)
	a.orch.RecordMigration(ctx)
	if cfg.NeedsInit {
		logger.Info("no config.yaml found, running on defaults", "home", cfg.HomeDir)
	}
	opened = true
	return a, nil
}

func (a *app) newOrchestrator(cfg *config.Config) *orchestrator.Orchestrator {
	return orchestrator.New(a.store, cfg, orchestrator.Options{
		Bus:         a.bus,
		Audit:       a.audit,
		Logger:      a.logger,
		Instruments: a.inst,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/basket/relay/internal/config"
	"github.com/basket/relay/internal/cron"
	"github.com/basket/relay/internal/orchestrator"
	"github.com/basket/relay/internal/shared"
)

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, usageErrorf("usage: relay daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: relay daemon [--help]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Captures project snapshots on snapshot_schedule and purges old history on")
	fmt.Fprintln(w, "retention_schedule until interrupted. config.yaml is reloaded on change.")
}

func runDaemonCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	mode, err := parseDaemonSubcommandArgs(args)
	if err != nil {
		return reportError(stderr, err)
	}
	if mode == daemonSubcommandHelp {
		printDaemonSubcommandUsage(stdout)
		return exitOK
	}

	a, err := openApp(ctx, false)
	if err != nil {
		return reportError(stderr, err)
	}
	defer a.Close()
	logger := a.logger
	logger.Info("startup phase", "phase", "store_open", "db", a.cfg.DBPath, "version", Version)

	// Jobs always read the current orchestrator so a config reload takes
	// effect on the next run.
	var current atomic.Pointer[orchestrator.Orchestrator]
	current.Store(a.orch)

	sched, err := cron.NewScheduler(cron.Config{
		Logger: logger,
		Jobs: []cron.Job{
			{
				Name: "snapshot",
				Expr: a.cfg.SnapshotSchedule,
				Run: func(ctx context.Context) error {
					ctx = shared.WithTraceID(ctx, shared.NewTraceID())
					pc := current.Load().CaptureContext(ctx)
					logger.Info("scheduled snapshot captured", "context_id", pc.ID, "issues", len(pc.KnownIssues))
					return nil
				},
			},
			{
				Name: "retention",
				Expr: a.cfg.RetentionSchedule,
				Run: func(ctx context.Context) error {
					_, err := current.Load().RunRetention(shared.WithTraceID(ctx, shared.NewTraceID()))
					return err
				},
			},
		},
	})
	if err != nil {
		return reportError(stderr, shared.Validationf("schedule: %v", err))
	}
	sched.Start(ctx)
	defer sched.Stop()

	events := a.bus.Subscribe("")
	defer a.bus.Unsubscribe(events)
	go func() {
		for ev := range events.Ch() {
			logger.Debug("bus event", "topic", ev.Topic, "payload", ev.Payload)
		}
	}()

	watcher := config.NewWatcher(a.cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		return reportError(stderr, fmt.Errorf("start config watcher: %w", err))
	}
	go func() {
		fingerprint := a.cfg.Fingerprint()
		for ev := range watcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed; keeping previous config", "error", err)
				continue
			}
			if newCfg.SnapshotSchedule != a.cfg.SnapshotSchedule || newCfg.RetentionSchedule != a.cfg.RetentionSchedule {
				logger.Warn("schedule changes take effect after restart")
			}
			if fp := newCfg.Fingerprint(); fp != fingerprint {
				fingerprint = fp
				current.Store(a.newOrchestrator(&newCfg))
				logger.Info("config.yaml hot-reloaded", "fingerprint", fp)
			}
		}
	}()

	logger.Info("daemon running", "next_runs", sched.NextRuns())
	<-ctx.Done()
	logger.Info("shutdown signal received", "bus_events_dropped", events.Dropped())
	return exitOK
}

// Package cron runs the daemon's periodic jobs, snapshot capture and
// retention, on standard cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/relay/internal/telemetry"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one scheduled unit of work. An empty Expr disables the job.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Jobs     []Job
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

type entry struct {
	job     Job
	sched   cronlib.Schedule
	nextRun time.Time
}

// Scheduler checks its jobs every interval and runs the ones that are due,
// one at a time.
type Scheduler struct {
	entries  []*entry
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses every job's expression. It fails on the first
// invalid one.
func NewScheduler(cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		logger:   telemetry.Component(cfg.Logger, "cron"),
		interval: cfg.Interval,
		now:      cfg.Now,
	}
	if s.interval <= 0 {
		s.interval = 1 * time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, job := range cfg.Jobs {
		if job.Expr == "" {
			continue
		}
		sched, err := cronParser.Parse(job.Expr)
		if err != nil {
			return nil, fmt.Errorf("job %s: parse %q: %w", job.Name, job.Expr, err)
		}
		s.entries = append(s.entries, &entry{job: job, sched: sched})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	now := s.now()
	for _, e := range s.entries {
		e.nextRun = e.sched.Next(now)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// NextRuns returns the next run time of each enabled job by name.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for _, e := range s.entries {
		out[e.job.Name] = e.nextRun
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, e := range s.entries {
		s.mu.Lock()
		due := !e.nextRun.After(now)
		s.mu.Unlock()
		if !due || ctx.Err() != nil {
			continue
		}
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	start := time.Now()
	err := e.job.Run(ctx)

	s.mu.Lock()
	e.nextRun = e.sched.Next(now)
	next := e.nextRun
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed",
			"job", e.job.Name,
			"error", err,
			"next_run_at", next,
		)
		return
	}
	s.logger.Info("cron: job fired",
		"job", e.job.Name,
		"duration_ms", time.Since(start).Milliseconds(),
		"next_run_at", next,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

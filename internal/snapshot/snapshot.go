// Package snapshot captures point-in-time project context by running a
// fixed set of read-only probes in parallel.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/safety"
	"github.com/basket/relay/internal/shared"
	"github.com/basket/relay/internal/telemetry"
)

const (
	DefaultProbeTimeout = 2 * time.Second
	DefaultBudget       = 5 * time.Second
)

// Finding is what a successful probe contributes to a snapshot. Only the
// fields a probe knows about are set.
type Finding struct {
	Summary          string
	KnownIssues      []string
	RecentChanges    []persistence.Change
	DeploymentStatus string
	TestResults      map[string]string
	TechnicalDebt    []string
}

// Probe is one read-only check. Run must return promptly once ctx is done.
type Probe struct {
	Name persistence.ProbeName
	Run  func(ctx context.Context) (Finding, error)
}

type Options struct {
	// ProbeTimeout bounds each probe. Default 2s.
	ProbeTimeout time.Duration
	// Budget bounds the whole capture. Default 5s.
	Budget      time.Duration
	Features    []string
	Bus         *bus.Bus
	Logger      *slog.Logger
	Instruments *otel.Instruments
}

type Manager struct {
	store    *persistence.Store
	probes   []Probe
	timeout  time.Duration
	budget   time.Duration
	features []string
	bus      *bus.Bus
	logger   *slog.Logger
	inst     *otel.Instruments
}

func New(store *persistence.Store, probes []Probe, opts Options) *Manager {
	m := &Manager{
		store:    store,
		probes:   probes,
		timeout:  opts.ProbeTimeout,
		budget:   opts.Budget,
		features: opts.Features,
		bus:      opts.Bus,
		logger:   telemetry.Component(opts.Logger, "snapshot"),
		inst:     opts.Instruments,
	}
	if m.timeout <= 0 {
		m.timeout = DefaultProbeTimeout
	}
	if m.budget <= 0 {
		m.budget = DefaultBudget
	}
	if m.inst == nil {
		m.inst = otel.NoopInstruments()
	}
	return m
}

type outcome struct {
	name    persistence.ProbeName
	result  persistence.ProbeResult
	finding Finding
}

// Capture runs every probe and returns the assembled snapshot. It never
// fails: a probe error or timeout is recorded in SystemState, and a store
// failure leaves the snapshot unpersisted but still returned.
func (m *Manager) Capture(ctx context.Context) *persistence.ProjectContext {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, m.inst.Tracer, "snapshot.capture")
	defer span.End()
	log := telemetry.FromContext(ctx, m.logger)

	budgetCtx, cancel := context.WithTimeout(ctx, m.budget)
	defer cancel()

	results := make(chan outcome, len(m.probes))
	for _, p := range m.probes {
		go m.runProbe(budgetCtx, p, results)
	}

	pc := &persistence.ProjectContext{
		CapturedAt:     start.UTC(),
		SystemState:    make(map[persistence.ProbeName]persistence.ProbeResult, len(m.probes)),
		ActiveFeatures: append([]string{}, m.features...),
		KnownIssues:    []string{},
		RecentChanges:  []persistence.Change{},
		TestResults:    map[string]string{},
		TechnicalDebt:  []string{},
	}
	findings := make(map[persistence.ProbeName]Finding, len(m.probes))

	pending := len(m.probes)
collect:
	for pending > 0 {
		select {
		case o := <-results:
			pending--
			pc.SystemState[o.name] = o.result
			if o.result.Status == persistence.ProbeOK {
				findings[o.name] = o.finding
			}
		case <-budgetCtx.Done():
			break collect
		}
	}

	elapsed := time.Since(start)
	for _, p := range m.probes {
		if _, ok := pc.SystemState[p.Name]; !ok {
			pc.SystemState[p.Name] = persistence.ProbeResult{
				Status:     persistence.ProbeTimedOut,
				Error:      fmt.Sprintf("capture budget of %s exceeded", m.budget),
				DurationMS: elapsed.Milliseconds(),
			}
		}
		if r := pc.SystemState[p.Name]; r.Status != persistence.ProbeOK {
			m.inst.Metrics.ProbeFailures.Add(ctx, 1, metric.WithAttributes(
				otel.AttrProbe.String(string(p.Name)),
				otel.AttrOutcome.String(string(r.Status)),
			))
			log.Warn("probe did not succeed", "probe", p.Name, "status", r.Status, "error", r.Error)
			continue
		}
		fold(pc, findings[p.Name])
	}

	persisted := true
	if err := m.store.SaveContext(context.WithoutCancel(ctx), pc); err != nil {
		persisted = false
		span.RecordError(err)
		log.Error("snapshot not persisted", "context_id", pc.ID, "error", err)
	}

	failed := pc.Failed()
	m.inst.Metrics.SnapshotDuration.Record(ctx, time.Since(start).Seconds())
	m.bus.Publish(bus.TopicContextCaptured, bus.ContextCapturedEvent{ContextID: pc.ID, Failed: failed, Persisted: persisted})
	log.Info("context captured", "context_id", pc.ID, "failed_probes", failed, "persisted", persisted,
		"duration_ms", time.Since(start).Milliseconds())
	return pc
}

// runProbe enforces the per-probe timeout. A probe that ignores ctx is
// abandoned once the timeout fires; its goroutine exits when Run returns.
func (m *Manager) runProbe(ctx context.Context, p Probe, out chan<- outcome) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	probeCtx, span := otel.StartSpan(probeCtx, m.inst.Tracer, "snapshot.probe", otel.AttrProbe.String(string(p.Name)))

	type ran struct {
		finding Finding
		err     error
	}
	done := make(chan ran, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ran{err: fmt.Errorf("probe panicked: %v", r)}
			}
		}()
		f, err := p.Run(probeCtx)
		done <- ran{finding: f, err: err}
	}()

	var res ran
	select {
	case res = <-done:
	case <-probeCtx.Done():
		res = ran{err: probeCtx.Err()}
	}

	o := outcome{name: p.Name, finding: res.finding}
	o.result.DurationMS = time.Since(start).Milliseconds()
	switch {
	case res.err == nil:
		o.result.Status = persistence.ProbeOK
		o.result.Summary = res.finding.Summary
	case errors.Is(res.err, context.DeadlineExceeded) || errors.Is(probeCtx.Err(), context.DeadlineExceeded):
		o.result.Status = persistence.ProbeTimedOut
		o.result.Error = fmt.Sprintf("probe exceeded %s", m.timeout)
	default:
		o.result.Status = persistence.ProbeError
		o.result.Error = safety.Redact(fmt.Errorf("%w: %s: %v", shared.ErrProbe, p.Name, res.err).Error())
	}
	otel.EndSpan(span, res.err)
	out <- o
}

func fold(pc *persistence.ProjectContext, f Finding) {
	pc.KnownIssues = append(pc.KnownIssues, f.KnownIssues...)
	pc.RecentChanges = append(pc.RecentChanges, f.RecentChanges...)
	pc.TechnicalDebt = append(pc.TechnicalDebt, f.TechnicalDebt...)
	if f.DeploymentStatus != "" {
		pc.DeploymentStatus = f.DeploymentStatus
	}
	for k, v := range f.TestResults {
		pc.TestResults[k] = v
	}
}

// Latest returns the most recently persisted snapshot.
func (m *Manager) Latest(ctx context.Context) (*persistence.ProjectContext, error) {
	return m.store.LatestContext(ctx)
}

// Package handoff transfers in-flight responsibility between agents as
// immutable, exactly-once packages.
package handoff

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/relay/internal/audit"
	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/safety"
	"github.com/basket/relay/internal/shared"
	"github.com/basket/relay/internal/telemetry"
)

const DefaultIssueWindow = 24 * time.Hour

// Capturer produces a fresh context snapshot. snapshot.Manager implements it.
type Capturer interface {
	Capture(ctx context.Context) *persistence.ProjectContext
}

type Options struct {
	// IssueWindow is how far back issue events are gathered. Default 24h.
	IssueWindow time.Duration
	RoleOf      func(agentID string) string
	Audit       *audit.Recorder
	Logger      *slog.Logger
	Instruments *otel.Instruments
	Now         func() time.Time
}

type Manager struct {
	store    *persistence.Store
	capturer Capturer
	window   time.Duration
	roleOf   func(string) string
	audit    *audit.Recorder
	logger   *slog.Logger
	inst     *otel.Instruments
	now      func() time.Time
}

func New(store *persistence.Store, capturer Capturer, opts Options) *Manager {
	m := &Manager{
		store:    store,
		capturer: capturer,
		window:   opts.IssueWindow,
		roleOf:   opts.RoleOf,
		audit:    opts.Audit,
		logger:   telemetry.Component(opts.Logger, "handoff"),
		inst:     opts.Instruments,
		now:      opts.Now,
	}
	if m.window <= 0 {
		m.window = DefaultIssueWindow
	}
	if m.roleOf == nil {
		m.roleOf = func(string) string { return "general" }
	}
	if m.inst == nil {
		m.inst = otel.NoopInstruments()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

type Request struct {
	From    string              `json:"from_agent"`
	To      string              `json:"to_agent"`
	Urgency persistence.Urgency `json:"urgency"`
	Notes   string              `json:"notes"`
}

// Validate trims agent names, defaults the urgency and rejects requests
// InitiateHandoff would refuse.
func (r *Request) Validate() error {
	r.From = strings.TrimSpace(r.From)
	r.To = strings.TrimSpace(r.To)
	if r.From == "" || r.To == "" {
		return shared.Validationf("from_agent and to_agent are required")
	}
	if r.From == r.To {
		return shared.Validationf("cannot hand off from %s to itself", r.From)
	}
	if r.Urgency == "" {
		r.Urgency = persistence.UrgencyNormal
	}
	if !r.Urgency.Valid() {
		return shared.Validationf("unknown urgency %q", r.Urgency)
	}
	return nil
}

// InitiateHandoff captures a fresh snapshot, copies the sender's open tasks
// and recent issues, derives recommendations for the recipient, and stores
// the result as a pending handoff. Older pending handoffs to the same
// recipient are superseded.
func (m *Manager) InitiateHandoff(ctx context.Context, req Request) (h *persistence.Handoff, err error) {
	ctx, span := otel.StartSpan(ctx, m.inst.Tracer, "handoff.initiate",
		otel.AttrAgentID.String(req.From))
	defer func() { otel.EndSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	at := m.now().UTC()

	tasks, err := m.store.ListTasks(ctx, persistence.TaskFilter{
		AssignedAgent: req.From,
		Statuses:      persistence.NonTerminalStatuses,
	})
	if err != nil {
		return nil, err
	}
	issues, err := m.recentIssues(ctx, at)
	if err != nil {
		return nil, err
	}
	snap := m.capturer.Capture(ctx)

	// The store redacts notes on insert.
	if findings := safety.Scan(req.Notes); len(findings) > 0 {
		telemetry.FromContext(ctx, m.logger).Warn("handoff notes contain credentials",
			"from", req.From, "kinds", safety.Kinds(findings))
	}

	h = &persistence.Handoff{
		FromAgent:       req.From,
		ToAgent:         req.To,
		ContextSnapshot: *snap,
		ActiveTasks:     tasks,
		PendingIssues:   issues,
		Recommendations: Recommend(tasks, issues, m.roleOf(req.To), req.Urgency, at),
		Urgency:         req.Urgency,
		Notes:           req.Notes,
	}
	superseded, err := m.store.CreateHandoff(ctx, h)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(otel.AttrHandoffID.String(h.ID))
	m.inst.Metrics.Handoffs.Add(ctx, 1, metric.WithAttributes(otel.AttrOutcome.String("initiated")))
	telemetry.FromContext(ctx, m.logger).Info("handoff initiated",
		"handoff_id", h.ID, "from", h.FromAgent, "to", h.ToAgent,
		"tasks", len(h.ActiveTasks), "issues", len(h.PendingIssues), "superseded", superseded)
	return h, nil
}

func (m *Manager) recentIssues(ctx context.Context, at time.Time) ([]string, error) {
	events, err := m.store.ListEvents(ctx, persistence.EventFilter{
		Kind:  persistence.EventKindIssue,
		Since: at.Add(-m.window),
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(events))
	issues := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.Message == "" || seen[ev.Message] {
			continue
		}
		seen[ev.Message] = true
		issues = append(issues, ev.Message)
	}
	return issues, nil
}

// ReceiveHandoff consumes a pending handoff on behalf of agent and returns
// its full payload. It fails with ErrNotFound, ErrMismatch for the wrong
// agent, ErrAlreadyCompleted on a second receive and ErrConflict when the
// handoff was superseded.
func (m *Manager) ReceiveHandoff(ctx context.Context, id, agent string) (h *persistence.Handoff, err error) {
	ctx, span := otel.StartSpan(ctx, m.inst.Tracer, "handoff.receive",
		otel.AttrHandoffID.String(id), otel.AttrAgentID.String(agent))
	defer func() {
		otel.EndSpan(span, err)
		m.audit.Outcome(ctx, audit.ActionHandoffReceive, id, err)
		m.inst.Metrics.Handoffs.Add(ctx, 1, metric.WithAttributes(otel.AttrOutcome.String(outcome(err))))
	}()

	h, err = m.store.CompleteHandoff(ctx, id, agent)
	if err != nil {
		telemetry.FromContext(ctx, m.logger).Warn("handoff receive rejected", "handoff_id", id, "agent", agent, "error", err)
		return nil, err
	}
	telemetry.FromContext(ctx, m.logger).Info("handoff received", "handoff_id", id, "agent", agent, "from", h.FromAgent)
	return h, nil
}

func outcome(err error) string {
	if err == nil {
		return "received"
	}
	return strings.ToLower(shared.Code(err))
}

// Pending lists handoffs waiting for agent, newest first.
func (m *Manager) Pending(ctx context.Context, agent string) ([]persistence.Handoff, error) {
	return m.store.ListHandoffs(ctx, agent, persistence.HandoffPending)
}

func (m *Manager) Get(ctx context.Context, id string) (*persistence.Handoff, error) {
	return m.store.GetHandoff(ctx, id)
}

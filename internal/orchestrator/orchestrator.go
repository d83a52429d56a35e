// Package orchestrator wires the workflow, snapshot, handoff, knowledge and
// deployment components into the single in-process API used by the CLI and
// the daemon.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/relay/internal/audit"
	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/config"
	"github.com/basket/relay/internal/deploy"
	"github.com/basket/relay/internal/doctor"
	"github.com/basket/relay/internal/handoff"
	"github.com/basket/relay/internal/knowledge"
	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/shared"
	"github.com/basket/relay/internal/snapshot"
	"github.com/basket/relay/internal/telemetry"
	"github.com/basket/relay/internal/workflow"
)

type Options struct {
	Bus         *bus.Bus
	Audit       *audit.Recorder
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Instruments *otel.Instruments
	// Probes replaces the built-in probe set when non-nil.
	Probes []snapshot.Probe
	Now    func() time.Time
}

type Orchestrator struct {
	store *persistence.Store
	cfg   *config.Config
	audit *audit.Recorder

	Workflow  *workflow.Manager
	Snapshots *snapshot.Manager
	Handoffs  *handoff.Manager
	Knowledge *knowledge.Base
	Gate      *deploy.Gate

	client *http.Client
	logger *slog.Logger
	inst   *otel.Instruments
	now    func() time.Time
}

// New builds every component from cfg. Nothing is read or written until an
// operation is called.
func New(store *persistence.Store, cfg *config.Config, opts Options) *Orchestrator {
	if opts.Instruments == nil {
		opts.Instruments = otel.NoopInstruments()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: time.Duration(cfg.Probes.TimeoutMS) * time.Millisecond}
	}
	window := time.Duration(cfg.Handoff.IssueWindowHours) * time.Hour

	probes := opts.Probes
	if probes == nil {
		probes = snapshot.DefaultProbes(snapshot.ProbeDeps{
			Store:         store,
			HTTPClient:    opts.HTTPClient,
			Services:      cfg.Probes.Services,
			AssetPaths:    cfg.Probes.AssetPaths,
			RepoPath:      cfg.RepoPath,
			RecentChanges: cfg.Probes.RecentChanges,
			ScanDirs:      cfg.Probes.ScanDirs,
			IssueWindow:   window,
			Now:           opts.Now,
		})
	}
	snapshots := snapshot.New(store, probes, snapshot.Options{
		ProbeTimeout: time.Duration(cfg.Probes.TimeoutMS) * time.Millisecond,
		Budget:       time.Duration(cfg.Probes.BudgetMS) * time.Millisecond,
		Features:     cfg.Features,
		Bus:          opts.Bus,
		Logger:       opts.Logger,
		Instruments:  opts.Instruments,
	})

	wf := workflow.New(store, workflow.Options{
		Logger:      opts.Logger,
		Instruments: opts.Instruments,
		RoleOf:      cfg.Role,
		Now:         opts.Now,
	})
	handoffs := handoff.New(store, snapshots, handoff.Options{
		IssueWindow: window,
		RoleOf:      cfg.Role,
		Audit:       opts.Audit,
		Logger:      opts.Logger,
		Instruments: opts.Instruments,
		Now:         opts.Now,
	})
	gate := deploy.New(store, cfg, deploy.Options{
		HTTPClient:  opts.HTTPClient,
		Audit:       opts.Audit,
		Logger:      opts.Logger,
		Instruments: opts.Instruments,
		Now:         opts.Now,
	})

	return &Orchestrator{
		store:     store,
		cfg:       cfg,
		audit:     opts.Audit,
		Workflow:  wf,
		Snapshots: snapshots,
		Handoffs:  handoffs,
		Knowledge: knowledge.New(store, cfg.Knowledge.TopK, opts.Logger),
		Gate:      gate,
		client:    opts.HTTPClient,
		logger:    telemetry.Component(opts.Logger, "orchestrator"),
		inst:      opts.Instruments,
		now:       opts.Now,
	}
}

// RecordMigration audits a schema migration performed when the store was
// opened. It does nothing when the store was already current.
func (o *Orchestrator) RecordMigration(ctx context.Context) {
	from, ok := o.store.MigratedFrom()
	if !ok {
		return
	}
	reason := fmt.Sprintf("schema migrated from v%d", from)
	o.audit.Record(ctx, audit.Allow, audit.ActionSchemaMigration, reason, o.store.Path())
	o.logger.Info("schema migrated", "from", from, "db", o.store.Path())
}

// Bootstrap is everything an agent needs to resume work.
type Bootstrap struct {
	Session         *persistence.Session         `json:"session"`
	Context         *persistence.ProjectContext  `json:"context"`
	Tasks           []persistence.Task           `json:"tasks"`
	Handoffs        []persistence.Handoff        `json:"handoffs"`
	Recommendations []persistence.Recommendation `json:"recommendations"`
}

// KindPendingHandoff flags a handoff waiting for the agent starting a session.
const KindPendingHandoff = "pending_handoff"

// StartSession opens a session for agent. It fails with ErrConflict when the
// agent already has an active one.
func (o *Orchestrator) StartSession(ctx context.Context, agent, notes string) (b *Bootstrap, err error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return nil, shared.Validationf("agent is required")
	}
	ctx = shared.WithAgentID(ctx, agent)
	ctx, span := otel.StartSpan(ctx, o.inst.Tracer, "session.start", otel.AttrAgentID.String(agent))
	defer func() { otel.EndSpan(span, err) }()

	active, err := o.store.ActiveSession(ctx, agent)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: agent %s already has active session %s", shared.ErrConflict, agent, active.ID)
	case !errors.Is(err, shared.ErrNotFound):
		return nil, err
	}

	snap := o.Snapshots.Capture(ctx)
	tasks, err := o.Workflow.ActiveTasks(ctx, agent)
	if err != nil {
		return nil, err
	}
	pending, err := o.Handoffs.Pending(ctx, agent)
	if err != nil {
		return nil, err
	}
	sess, err := o.store.CreateSession(ctx, agent, snap.ID, notes)
	if err != nil {
		return nil, err
	}

	recs := workflow.Recommend(tasks, o.cfg.Role(agent), o.now().UTC())
	for _, h := range pending {
		recs = append(recs, persistence.Recommendation{
			Kind:     KindPendingHandoff,
			Priority: handoffPriority(h.Urgency),
			Message:  fmt.Sprintf("Receive handoff %s from %s before starting new work", h.ID, h.FromAgent),
		})
	}

	o.inst.Metrics.ActiveSessions.Add(ctx, 1)
	telemetry.FromContext(shared.WithSessionID(ctx, sess.ID), o.logger).Info("session started",
		"tasks", len(tasks), "pending_handoffs", len(pending), "context_id", snap.ID)
	return &Bootstrap{
		Session:         sess,
		Context:         snap,
		Tasks:           nonNilTasks(tasks),
		Handoffs:        nonNilHandoffs(pending),
		Recommendations: recs,
	}, nil
}

func handoffPriority(u persistence.Urgency) string {
	switch u {
	case persistence.UrgencyCritical:
		return string(persistence.PriorityCritical)
	case persistence.UrgencyHigh:
		return string(persistence.PriorityHigh)
	}
	return string(persistence.PriorityMedium)
}

type EndRequest struct {
	SessionID       string              `json:"session_id"`
	CompletedTasks  []string            `json:"completed_tasks"`
	KnowledgeGained []string            `json:"knowledge_gained"`
	Issues          []string            `json:"issues"`
	HandoffNotes    string              `json:"handoff_notes"`
	NextAgent       string              `json:"next_agent,omitempty"`
	Urgency         persistence.Urgency `json:"urgency,omitempty"`
}

type SessionSummary struct {
	Session      *persistence.Session `json:"session"`
	KnowledgeIDs []string             `json:"knowledge_ids"`
	HandoffID    string               `json:"handoff_id,omitempty"`
}

// CategorySessionLearning is the knowledge category for notes captured at
// session end.
const CategorySessionLearning = "session_learning"

// EndSession completes a session, files its knowledge notes and, when
// NextAgent is set, hands the agent's open work to NextAgent. Issue notes
// become issue events so later handoffs carry them. Every note and the
// handoff request are checked before the session is closed, so a rejected
// request leaves the session active for a retry.
func (o *Orchestrator) EndSession(ctx context.Context, req EndRequest) (sum *SessionSummary, err error) {
	ctx = shared.WithSessionID(ctx, req.SessionID)
	ctx, span := otel.StartSpan(ctx, o.inst.Tracer, "session.end", otel.AttrSessionID.String(req.SessionID))
	defer func() { otel.EndSpan(span, err) }()

	if req.Urgency != "" && !req.Urgency.Valid() {
		return nil, shared.Validationf("unknown urgency %q", req.Urgency)
	}
	active, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if active.Status != persistence.SessionActive {
		return nil, fmt.Errorf("%w: session %s", shared.ErrAlreadyCompleted, active.ID)
	}

	var learned []knowledge.AddRequest
	for _, note := range req.KnowledgeGained {
		if strings.TrimSpace(note) == "" {
			continue
		}
		add, err := knowledge.AddRequest{
			Category:        CategorySessionLearning,
			Topic:           learningTopic(note),
			Content:         note,
			SourceAgent:     active.AgentID,
			ConfidenceScore: 0.5,
			Tags:            []string{"session"},
		}.Normalize()
		if err != nil {
			return nil, fmt.Errorf("knowledge note %d: %w", len(learned)+1, err)
		}
		learned = append(learned, add)
	}
	var next *handoff.Request
	if to := strings.TrimSpace(req.NextAgent); to != "" {
		next = &handoff.Request{From: active.AgentID, To: to, Urgency: req.Urgency, Notes: req.HandoffNotes}
		if err := next.Validate(); err != nil {
			return nil, err
		}
	}

	sess, err := o.store.EndSession(ctx, persistence.SessionEnd{
		SessionID:       req.SessionID,
		CompletedTasks:  req.CompletedTasks,
		KnowledgeGained: req.KnowledgeGained,
		Issues:          req.Issues,
		HandoffNotes:    req.HandoffNotes,
	})
	if err != nil {
		return nil, err
	}
	o.inst.Metrics.ActiveSessions.Add(ctx, -1)
	ctx = shared.WithAgentID(ctx, sess.AgentID)

	sum = &SessionSummary{Session: sess, KnowledgeIDs: []string{}}
	for _, add := range learned {
		id, err := o.Knowledge.Add(ctx, add)
		if err != nil {
			return nil, err
		}
		sum.KnowledgeIDs = append(sum.KnowledgeIDs, id)
	}

	if next != nil {
		h, err := o.Handoffs.InitiateHandoff(ctx, *next)
		if err != nil {
			return nil, err
		}
		if err := o.store.SetSessionHandoff(ctx, sess.ID, h.ID); err != nil {
			return nil, err
		}
		sess.HandoffID = h.ID
		sum.HandoffID = h.ID
	}

	telemetry.FromContext(ctx, o.logger).Info("session ended",
		"completed_tasks", len(sess.CompletedTasks), "knowledge", len(sum.KnowledgeIDs), "handoff_id", sum.HandoffID)
	return sum, nil
}

// learningTopic is the first line of note, cut to 80 runes.
func learningTopic(note string) string {
	topic := strings.TrimSpace(note)
	if i := strings.IndexByte(topic, '\n'); i >= 0 {
		topic = strings.TrimSpace(topic[:i])
	}
	if r := []rune(topic); len(r) > 80 {
		topic = string(r[:80])
	}
	return topic
}

func (o *Orchestrator) AssignTask(ctx context.Context, req workflow.AssignRequest) (string, error) {
	return o.Workflow.AssignTask(ctx, req)
}

func (o *Orchestrator) UpdateTaskStatus(ctx context.Context, req workflow.UpdateRequest) (*persistence.Task, error) {
	return o.Workflow.UpdateTaskStatus(ctx, req)
}

// ClaimTask moves agent's most urgent pending task to in_progress. It
// returns nil when nothing is pending.
func (o *Orchestrator) ClaimTask(ctx context.Context, agent string) (*persistence.Task, error) {
	return o.Workflow.ClaimNext(ctx, agent)
}

func (o *Orchestrator) GetTaskRecommendations(ctx context.Context, agent string) ([]persistence.Recommendation, error) {
	return o.Workflow.GetTaskRecommendations(ctx, agent)
}

func (o *Orchestrator) InitiateHandoff(ctx context.Context, req handoff.Request) (*persistence.Handoff, error) {
	return o.Handoffs.InitiateHandoff(ctx, req)
}

func (o *Orchestrator) ReceiveHandoff(ctx context.Context, id, agent string) (*persistence.Handoff, error) {
	return o.Handoffs.ReceiveHandoff(shared.WithAgentID(ctx, agent), id, agent)
}

func (o *Orchestrator) PendingHandoffs(ctx context.Context, agent string) ([]persistence.Handoff, error) {
	return o.Handoffs.Pending(ctx, agent)
}

func (o *Orchestrator) QueryKnowledge(ctx context.Context, query, agent string) ([]knowledge.Entry, error) {
	return o.Knowledge.Query(ctx, query, agent)
}

func (o *Orchestrator) AddKnowledge(ctx context.Context, req knowledge.AddRequest) (string, error) {
	return o.Knowledge.Add(ctx, req)
}

// ValidateKnowledge marks an entry validated and audits the decision.
func (o *Orchestrator) ValidateKnowledge(ctx context.Context, id, agent string) error {
	err := o.Knowledge.Validate(ctx, id, agent)
	o.audit.Outcome(shared.WithAgentID(ctx, agent), audit.ActionKnowledgeConfirm, id, err)
	return err
}

func (o *Orchestrator) CaptureContext(ctx context.Context) *persistence.ProjectContext {
	return o.Snapshots.Capture(ctx)
}

func (o *Orchestrator) DeployWithSafety(ctx context.Context, agent, description string) (*deploy.DeployResult, error) {
	return o.Gate.DeployWithSafety(shared.WithAgentID(ctx, agent), agent, description)
}

func (o *Orchestrator) RollbackDeployment(ctx context.Context, backupID string) (*deploy.RollbackResult, error) {
	return o.Gate.RollbackDeployment(ctx, backupID)
}

// RunRetention purges history older than the configured windows.
func (o *Orchestrator) RunRetention(ctx context.Context) (persistence.RetentionResult, error) {
	res, err := o.store.RunRetention(ctx, o.cfg.RetentionEventsDays, o.cfg.RetentionContextDays, o.cfg.RetentionAuditLogDays)
	if err != nil {
		return res, err
	}
	o.logger.Info("retention complete", "events", res.PurgedEvents, "contexts", res.PurgedContexts, "audit", res.PurgedAuditLogs)
	return res, nil
}

// Doctor runs the full diagnostic set against this orchestrator's store.
func (o *Orchestrator) Doctor(ctx context.Context, version string) doctor.Diagnosis {
	return doctor.Run(ctx, doctor.Env{Config: o.cfg, Store: o.store, HTTPClient: o.client}, version)
}

func nonNilTasks(t []persistence.Task) []persistence.Task {
	if t == nil {
		return []persistence.Task{}
	}
	return t
}

func nonNilHandoffs(h []persistence.Handoff) []persistence.Handoff {
	if h == nil {
		return []persistence.Handoff{}
	}
	return h
}

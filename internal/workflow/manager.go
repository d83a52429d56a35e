// Package workflow owns the task lifecycle: assignment, guarded status
// changes through the state machine, claiming, and recommendations.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/shared"
	"github.com/basket/relay/internal/telemetry"
)

// Options holds the optional collaborators of a Manager.
type Options struct {
	Logger      *slog.Logger
	Instruments *otel.Instruments
	// RoleOf maps an agent id to its configured role. Nil treats every
	// agent as "general".
	RoleOf func(agentID string) string
	// Now is the clock used for overdue checks. Defaults to time.Now.
	Now func() time.Time
}

type Manager struct {
	store  *persistence.Store
	logger *slog.Logger
	inst   *otel.Instruments
	roleOf func(string) string
	now    func() time.Time
}

func New(store *persistence.Store, opts Options) *Manager {
	m := &Manager{
		store:  store,
		logger: telemetry.Component(opts.Logger, "workflow"),
		inst:   opts.Instruments,
		roleOf: opts.RoleOf,
		now:    opts.Now,
	}
	if m.inst == nil {
		m.inst = otel.NoopInstruments()
	}
	if m.roleOf == nil {
		m.roleOf = func(string) string { return "general" }
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

type AssignRequest struct {
	Title               string                   `json:"title"`
	Description         string                   `json:"description"`
	AssignedAgent       string                   `json:"assigned_agent"`
	Priority            persistence.TaskPriority `json:"priority"`
	CreatedBy           string                   `json:"created_by"`
	EstimatedEffort     float64                  `json:"estimated_effort"`
	DueDate             *time.Time               `json:"due_date,omitempty"`
	Dependencies        []string                 `json:"dependencies"`
	ContextRequirements []string                 `json:"context_requirements"`
	CompletionCriteria  []string                 `json:"completion_criteria"`
}

func (r AssignRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(r.AssignedAgent) == "" {
		missing = append(missing, "assigned_agent")
	}
	if strings.TrimSpace(r.CreatedBy) == "" {
		missing = append(missing, "created_by")
	}
	if len(missing) > 0 {
		return shared.Validationf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if !r.Priority.Valid() {
		return shared.Validationf("unknown priority %q", r.Priority)
	}
	if r.EstimatedEffort < 0 {
		return shared.Validationf("estimated_effort must be >= 0")
	}
	return nil
}

// AssignTask validates req and inserts a pending task. It returns the new id.
func (m *Manager) AssignTask(ctx context.Context, req AssignRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	id, err := m.store.CreateTask(ctx, &persistence.Task{
		Title:               req.Title,
		Description:         req.Description,
		AssignedAgent:       req.AssignedAgent,
		Priority:            req.Priority,
		CreatedBy:           req.CreatedBy,
		EstimatedEffort:     req.EstimatedEffort,
		DueDate:             req.DueDate,
		Dependencies:        req.Dependencies,
		ContextRequirements: req.ContextRequirements,
		CompletionCriteria:  req.CompletionCriteria,
	})
	if err != nil {
		return "", err
	}
	telemetry.FromContext(ctx, m.logger).Info("task assigned",
		"task_id", id, "assigned_agent", req.AssignedAgent, "priority", req.Priority)
	return id, nil
}

type UpdateRequest struct {
	TaskID       string                 `json:"task_id"`
	Status       persistence.TaskStatus `json:"status"`
	Agent        string                 `json:"agent"`
	Notes        string                 `json:"notes"`
	ActualEffort float64                `json:"actual_effort"`
	Artifacts    []string               `json:"artifacts"`
}

// UpdateTaskStatus moves a task along the state machine. Unknown ids fail
// with ErrNotFound, illegal edges and unmet dependencies with ErrValidation,
// and a concurrent change of the same task with ErrConflict.
func (m *Manager) UpdateTaskStatus(ctx context.Context, req UpdateRequest) (task *persistence.Task, err error) {
	ctx, span := otel.StartSpan(ctx, m.inst.Tracer, "workflow.update_task_status",
		otel.AttrTaskID.String(req.TaskID),
		otel.AttrAgentID.String(req.Agent),
		otel.AttrTaskStatus.String(string(req.Status)),
	)
	defer func() { otel.EndSpan(span, err) }()

	if req.ActualEffort < 0 {
		return nil, shared.Validationf("actual_effort must be >= 0")
	}
	current, err := m.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(current.Status, req.Status); err != nil {
		return nil, fmt.Errorf("task %s: %w", req.TaskID, err)
	}
	task, err = m.store.TransitionTask(ctx, persistence.Transition{
		TaskID:       req.TaskID,
		From:         current.Status,
		To:           req.Status,
		Agent:        req.Agent,
		Note:         req.Notes,
		ActualEffort: req.ActualEffort,
		Artifacts:    req.Artifacts,
	})
	if err != nil {
		return nil, err
	}
	m.inst.Metrics.TaskTransitions.Add(ctx, 1, metric.WithAttributes(otel.AttrTaskStatus.String(string(req.Status))))
	telemetry.FromContext(ctx, m.logger).Info("task status changed",
		"task_id", req.TaskID, "from", current.Status, "to", req.Status, "agent", req.Agent)
	return task, nil
}

// ClaimNext moves the agent's most urgent pending task to in_progress. It
// returns nil when the agent has nothing pending.
func (m *Manager) ClaimNext(ctx context.Context, agent string) (*persistence.Task, error) {
	if strings.TrimSpace(agent) == "" {
		return nil, shared.Validationf("agent is required")
	}
	task, err := m.store.ClaimNextTask(ctx, agent)
	if err != nil || task == nil {
		return task, err
	}
	m.inst.Metrics.TaskTransitions.Add(ctx, 1, metric.WithAttributes(otel.AttrTaskStatus.String(string(task.Status))))
	telemetry.FromContext(ctx, m.logger).Info("task claimed", "task_id", task.ID, "agent", agent)
	return task, nil
}

// ActiveTasks lists the agent's non-terminal tasks, most urgent first.
func (m *Manager) ActiveTasks(ctx context.Context, agent string) ([]persistence.Task, error) {
	return m.store.ListTasks(ctx, persistence.TaskFilter{
		AssignedAgent: agent,
		Statuses:      persistence.NonTerminalStatuses,
	})
}

func (m *Manager) GetTask(ctx context.Context, id string) (*persistence.Task, error) {
	return m.store.GetTask(ctx, id)
}

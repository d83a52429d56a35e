package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/safety"
	"github.com/basket/relay/internal/shared"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// NonTerminalStatuses are the statuses of work still owned by an agent.
var NonTerminalStatuses = []TaskStatus{TaskStatusPending, TaskStatusInProgress, TaskStatusBlocked}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked:
		return true
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank orders priorities; higher is more urgent.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

const priorityRankSQL = `CASE priority WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END`

type TaskNote struct {
	At    time.Time `json:"at"`
	Agent string    `json:"agent"`
	Text  string    `json:"text"`
}

type Task struct {
	ID                  string       `json:"id"`
	Title               string       `json:"title"`
	Description         string       `json:"description,omitempty"`
	AssignedAgent       string       `json:"assigned_agent"`
	Status              TaskStatus   `json:"status"`
	Priority            TaskPriority `json:"priority"`
	CreatedBy           string       `json:"created_by"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	DueDate             *time.Time   `json:"due_date,omitempty"`
	Dependencies        []string     `json:"dependencies"`
	ContextRequirements []string     `json:"context_requirements"`
	CompletionCriteria  []string     `json:"completion_criteria"`
	EstimatedEffort     float64      `json:"estimated_effort"`
	ActualEffort        float64      `json:"actual_effort"`
	Notes               []TaskNote   `json:"notes"`
	Artifacts           []string     `json:"artifacts"`
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	AssignedAgent string
	Statuses      []TaskStatus
}

// Transition describes one guarded status change. The update applies only
// while the task is still in From.
type Transition struct {
	TaskID       string
	From         TaskStatus
	To           TaskStatus
	Agent        string
	Note         string
	ActualEffort float64
	Artifacts    []string
}

const taskColumns = `
	id, title, description, assigned_agent, status, priority, created_by,
	created_at, updated_at, due_date, dependencies_json, context_requirements_json,
	completion_criteria_json, estimated_effort, actual_effort, notes_json, artifacts_json`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var due sql.NullTime
	var deps, reqs, criteria, notes, artifacts string
	if err := scanFn(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.AssignedAgent,
		&task.Status,
		&task.Priority,
		&task.CreatedBy,
		&task.CreatedAt,
		&task.UpdatedAt,
		&due,
		&deps,
		&reqs,
		&criteria,
		&task.EstimatedEffort,
		&task.ActualEffort,
		&notes,
		&artifacts,
	); err != nil {
		return err
	}
	task.DueDate = timePtr(due)
	for _, f := range []struct {
		raw string
		dst any
	}{
		{deps, &task.Dependencies},
		{reqs, &task.ContextRequirements},
		{criteria, &task.CompletionCriteria},
		{notes, &task.Notes},
		{artifacts, &task.Artifacts},
	} {
		if err := decodeJSON(f.raw, f.dst); err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
	}
	return nil
}

// CreateTask inserts t as a pending task and logs an assignment event. An
// empty ID is filled with a fresh uuid. Every dependency must already exist.
func (s *Store) CreateTask(ctx context.Context, t *Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	ts := now()
	t.Status = TaskStatusPending
	t.CreatedAt, t.UpdatedAt = ts, ts

	cols := make([]string, 0, 6)
	for _, v := range []any{t.Dependencies, t.ContextRequirements, t.CompletionCriteria, t.Notes, t.Artifacts} {
		raw, err := encodeJSON(nonNil(v))
		if err != nil {
			return "", err
		}
		cols = append(cols, raw)
	}

	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, dep := range t.Dependencies {
			var found string
			err := tx.QueryRowContext(ctx, `SELECT id FROM tasks WHERE id = ?;`, dep).Scan(&found)
			if errors.Is(err, sql.ErrNoRows) {
				return shared.Validationf("unknown dependency %s", dep)
			}
			if err != nil {
				return fmt.Errorf("lookup dependency: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.Title, t.Description, t.AssignedAgent, t.Status, t.Priority, t.CreatedBy,
			t.CreatedAt, t.UpdatedAt, nullTime(t.DueDate), cols[0], cols[1], cols[2],
			t.EstimatedEffort, t.ActualEffort, cols[3], cols[4]); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		payload, _ := encodeJSON(map[string]any{"priority": t.Priority, "assigned_agent": t.AssignedAgent})
		if err := appendEventTx(ctx, tx, DevelopmentEvent{
			Kind:      EventKindTask,
			EventType: "task.assigned",
			AgentID:   t.CreatedBy,
			SubjectID: t.ID,
			Message:   t.Title,
			Payload:   payload,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", shared.Persistence("create task", err)
	}
	s.bus.Publish(bus.TopicTaskAssigned, bus.TaskAssignedEvent{
		TaskID:        t.ID,
		AssignedAgent: t.AssignedAgent,
		CreatedBy:     t.CreatedBy,
		Priority:      string(t.Priority),
	})
	return t.ID, nil
}

func nonNil(v any) any {
	switch x := v.(type) {
	case []string:
		if x == nil {
			return []string{}
		}
	case []TaskNote:
		if x == nil {
			return []TaskNote{}
		}
	}
	return v
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", shared.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, shared.Persistence("get task", err)
	}
	return &task, nil
}

// ListTasks returns tasks matching f, most urgent first, then oldest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if f.AssignedAgent != "" {
		where = append(where, "assigned_agent = ?")
		args = append(args, f.AssignedAgent)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY " + priorityRankSQL + " DESC, created_at ASC, id ASC;"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, shared.Persistence("list tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, shared.Persistence("scan task", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Persistence("task rows", err)
	}
	return out, nil
}

// TransitionTask applies tr as a guarded update. It fails with ErrNotFound
// for an unknown task, ErrConflict when the task is no longer in tr.From,
// and ErrValidation when completing a task whose dependencies are not all
// completed. Failed and blocked outcomes are also logged as issue events.
func (s *Store) TransitionTask(ctx context.Context, tr Transition) (*Task, error) {
	var updated Task
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := s.transitionTaskTx(ctx, tx, tr)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		updated = *task
		return nil
	})
	if err != nil {
		return nil, shared.Persistence("transition task", err)
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    tr.TaskID,
		AgentID:   tr.Agent,
		OldStatus: string(tr.From),
		NewStatus: string(tr.To),
	})
	return &updated, nil
}

func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, tr Transition) (*Task, error) {
	var task Task
	err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, tr.TaskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", shared.ErrNotFound, tr.TaskID)
	}
	if err != nil {
		return nil, fmt.Errorf("select task for transition: %w", err)
	}
	if task.Status != tr.From {
		return nil, fmt.Errorf("%w: task %s is %s, expected %s", shared.ErrConflict, task.ID, task.Status, tr.From)
	}

	if tr.To == TaskStatusCompleted && len(task.Dependencies) > 0 {
		unmet, err := unmetDependenciesTx(ctx, tx, task.Dependencies)
		if err != nil {
			return nil, err
		}
		if len(unmet) > 0 {
			return nil, shared.Validationf("task %s has incomplete dependencies: %s", task.ID, strings.Join(unmet, ", "))
		}
	}

	ts := now()
	if tr.Note != "" {
		task.Notes = append(task.Notes, TaskNote{At: ts, Agent: tr.Agent, Text: safety.Redact(tr.Note)})
	}
	for _, a := range tr.Artifacts {
		if a != "" && !slices.Contains(task.Artifacts, a) {
			task.Artifacts = append(task.Artifacts, a)
		}
	}
	if tr.ActualEffort > 0 {
		task.ActualEffort = tr.ActualEffort
	}
	notesJSON, err := encodeJSON(nonNil(task.Notes))
	if err != nil {
		return nil, err
	}
	artifactsJSON, err := encodeJSON(nonNil(task.Artifacts))
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, notes_json = ?, artifacts_json = ?, actual_effort = ?, updated_at = ?
		WHERE id = ? AND status = ?;
	`, tr.To, notesJSON, artifactsJSON, task.ActualEffort, ts, task.ID, tr.From)
	if err != nil {
		return nil, fmt.Errorf("update task transition: %w", err)
	}
	if err := requireAffected(res, shared.ErrConflict, "task %s changed concurrently", task.ID); err != nil {
		return nil, err
	}

	payload, _ := encodeJSON(map[string]string{"from": string(tr.From), "to": string(tr.To)})
	if err := appendEventTx(ctx, tx, DevelopmentEvent{
		Kind:      EventKindTask,
		EventType: "task.status_changed",
		AgentID:   tr.Agent,
		SubjectID: task.ID,
		Message:   tr.Note,
		Payload:   payload,
	}); err != nil {
		return nil, err
	}
	if tr.To == TaskStatusFailed || tr.To == TaskStatusBlocked {
		msg := fmt.Sprintf("task %q %s", task.Title, tr.To)
		if tr.Note != "" {
			msg += ": " + tr.Note
		}
		if err := appendEventTx(ctx, tx, DevelopmentEvent{
			Kind:      EventKindIssue,
			EventType: "task." + string(tr.To),
			AgentID:   tr.Agent,
			SubjectID: task.ID,
			Message:   msg,
			Payload:   payload,
		}); err != nil {
			return nil, err
		}
	}

	task.Status = tr.To
	task.UpdatedAt = ts
	return &task, nil
}

func unmetDependenciesTx(ctx context.Context, tx *sql.Tx, deps []string) ([]string, error) {
	var unmet []string
	for _, dep := range deps {
		var status TaskStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, dep).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			unmet = append(unmet, dep)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("select dependency status: %w", err)
		}
		if status != TaskStatusCompleted {
			unmet = append(unmet, dep)
		}
	}
	return unmet, nil
}

// ClaimNextTask moves the agent's most urgent pending task to in_progress.
// It returns nil when the agent has nothing pending. Losing a race for one
// candidate moves on to the next.
func (s *Store) ClaimNextTask(ctx context.Context, agentID string) (*Task, error) {
	const maxCandidates = 3
	for i := 0; i < maxCandidates; i++ {
		var taskID string
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM tasks
			WHERE assigned_agent = ? AND status = ?
			ORDER BY `+priorityRankSQL+` DESC, created_at ASC, id ASC
			LIMIT 1;
		`, agentID, TaskStatusPending).Scan(&taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, shared.Persistence("select pending task", err)
		}
		task, err := s.TransitionTask(ctx, Transition{
			TaskID: taskID,
			From:   TaskStatusPending,
			To:     TaskStatusInProgress,
			Agent:  agentID,
			Note:   "claimed",
		})
		if errors.Is(err, shared.ErrConflict) {
			continue
		}
		return task, err
	}
	return nil, fmt.Errorf("%w: could not claim a task for %s", shared.ErrConflict, agentID)
}

// OverdueTasks returns non-terminal tasks whose due date is before at.
func (s *Store) OverdueTasks(ctx context.Context, at time.Time) ([]Task, error) {
	tasks, err := s.ListTasks(ctx, TaskFilter{Statuses: NonTerminalStatuses})
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range tasks {
		if t.DueDate != nil && t.DueDate.Before(at) {
			out = append(out, t)
		}
	}
	return out, nil
}

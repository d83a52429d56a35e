package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/safety"
	"github.com/basket/relay/internal/shared"
	"github.com/google/uuid"
)

type HandoffStatus string

const (
	HandoffPending    HandoffStatus = "pending"
	HandoffCompleted  HandoffStatus = "completed"
	HandoffSuperseded HandoffStatus = "superseded"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// Recommendation is advisory guidance attached to a handoff or returned by
// the workflow manager.
type Recommendation struct {
	Kind     string   `json:"kind"`
	Priority string   `json:"priority,omitempty"`
	Message  string   `json:"message"`
	TaskIDs  []string `json:"task_ids,omitempty"`
}

// Handoff is an immutable transfer package. Only Status, CompletedAt and
// SupersededBy change after creation.
type Handoff struct {
	ID              string           `json:"id"`
	FromAgent       string           `json:"from_agent"`
	ToAgent         string           `json:"to_agent"`
	CreatedAt       time.Time        `json:"created_at"`
	ContextSnapshot ProjectContext   `json:"context_snapshot"`
	ActiveTasks     []Task           `json:"active_tasks"`
	PendingIssues   []string         `json:"pending_issues"`
	Recommendations []Recommendation `json:"recommendations"`
	Urgency         Urgency          `json:"urgency"`
	Notes           string           `json:"notes,omitempty"`
	Status          HandoffStatus    `json:"status"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	SupersededBy    string           `json:"superseded_by,omitempty"`
}

const handoffColumns = `
	id, from_agent, to_agent, created_at, context_json, tasks_json, issues_json,
	recommendations_json, urgency, notes, status, completed_at, superseded_by`

func scanHandoff(scanFn func(dest ...any) error, h *Handoff) error {
	var ctxJSON, tasksJSON, issuesJSON, recsJSON string
	var completed sql.NullTime
	if err := scanFn(&h.ID, &h.FromAgent, &h.ToAgent, &h.CreatedAt, &ctxJSON, &tasksJSON,
		&issuesJSON, &recsJSON, &h.Urgency, &h.Notes, &h.Status, &completed, &h.SupersededBy); err != nil {
		return err
	}
	h.CompletedAt = timePtr(completed)
	for _, f := range []struct {
		raw string
		dst any
	}{
		{ctxJSON, &h.ContextSnapshot},
		{tasksJSON, &h.ActiveTasks},
		{issuesJSON, &h.PendingIssues},
		{recsJSON, &h.Recommendations},
	} {
		if err := decodeJSON(f.raw, f.dst); err != nil {
			return fmt.Errorf("handoff %s: %w", h.ID, err)
		}
	}
	return nil
}

// CreateHandoff persists h as pending. Older pending handoffs addressed to
// the same agent are marked superseded in the same transaction; their ids
// are returned.
func (s *Store) CreateHandoff(ctx context.Context, h *Handoff) ([]string, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	h.CreatedAt = now()
	h.Status = HandoffPending
	h.Notes = safety.Redact(h.Notes)

	ctxJSON, err := encodeJSON(h.ContextSnapshot)
	if err != nil {
		return nil, err
	}
	if err := ValidateContextJSON([]byte(ctxJSON)); err != nil {
		return nil, err
	}
	if h.ActiveTasks == nil {
		h.ActiveTasks = []Task{}
	}
	if h.Recommendations == nil {
		h.Recommendations = []Recommendation{}
	}
	tasksJSON, err := encodeJSON(h.ActiveTasks)
	if err != nil {
		return nil, err
	}
	issuesJSON, err := encodeJSON(nonNil(h.PendingIssues))
	if err != nil {
		return nil, err
	}
	recsJSON, err := encodeJSON(h.Recommendations)
	if err != nil {
		return nil, err
	}

	var superseded []string
	err = retryOnBusy(ctx, busyRetries, func() error {
		superseded = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin handoff tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `SELECT id FROM handoffs WHERE to_agent = ? AND status = 'pending';`, h.ToAgent)
		if err != nil {
			return fmt.Errorf("select pending handoffs: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending handoff: %w", err)
			}
			superseded = append(superseded, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("pending handoff rows: %w", err)
		}

		for _, old := range superseded {
			if _, err := tx.ExecContext(ctx, `
				UPDATE handoffs SET status = 'superseded', superseded_by = ?
				WHERE id = ? AND status = 'pending';
			`, h.ID, old); err != nil {
				return fmt.Errorf("supersede handoff: %w", err)
			}
			if err := appendEventTx(ctx, tx, DevelopmentEvent{
				Kind:      EventKindHandoff,
				EventType: "handoff.superseded",
				AgentID:   h.FromAgent,
				SubjectID: old,
				Message:   "superseded by " + h.ID,
			}); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO handoffs (`+handoffColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '');
		`, h.ID, h.FromAgent, h.ToAgent, h.CreatedAt, ctxJSON, tasksJSON, issuesJSON, recsJSON,
			h.Urgency, h.Notes, h.Status); err != nil {
			return fmt.Errorf("insert handoff: %w", err)
		}
		payload, _ := encodeJSON(map[string]any{"urgency": h.Urgency, "tasks": len(h.ActiveTasks)})
		if err := appendEventTx(ctx, tx, DevelopmentEvent{
			Kind:      EventKindHandoff,
			EventType: "handoff.initiated",
			AgentID:   h.FromAgent,
			SubjectID: h.ID,
			Message:   fmt.Sprintf("%s -> %s", h.FromAgent, h.ToAgent),
			Payload:   payload,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, shared.Persistence("create handoff", err)
	}
	for _, old := range superseded {
		s.bus.Publish(bus.TopicHandoffSuperseded, bus.HandoffEvent{HandoffID: old, ToAgent: h.ToAgent, Status: string(HandoffSuperseded)})
	}
	s.bus.Publish(bus.TopicHandoffInitiated, bus.HandoffEvent{HandoffID: h.ID, FromAgent: h.FromAgent, ToAgent: h.ToAgent, Status: string(HandoffPending)})
	return superseded, nil
}

func (s *Store) GetHandoff(ctx context.Context, id string) (*Handoff, error) {
	var h Handoff
	err := scanHandoff(s.db.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE id = ?;`, id).Scan, &h)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: handoff %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return nil, shared.Persistence("get handoff", err)
	}
	return &h, nil
}

// CompleteHandoff consumes a pending handoff exactly once on behalf of
// agent. Errors: ErrNotFound, ErrMismatch when agent is not the recipient,
// ErrAlreadyCompleted on a second consumption, ErrConflict when superseded.
func (s *Store) CompleteHandoff(ctx context.Context, id, agent string) (*Handoff, error) {
	var out Handoff
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin receive tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var h Handoff
		err = scanHandoff(tx.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE id = ?;`, id).Scan, &h)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: handoff %s", shared.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("select handoff: %w", err)
		}
		if h.ToAgent != agent {
			return fmt.Errorf("%w: handoff %s is addressed to %s, not %s", shared.ErrMismatch, id, h.ToAgent, agent)
		}
		switch h.Status {
		case HandoffCompleted:
			return fmt.Errorf("%w: handoff %s", shared.ErrAlreadyCompleted, id)
		case HandoffSuperseded:
			return fmt.Errorf("%w: handoff %s was superseded by %s", shared.ErrConflict, id, h.SupersededBy)
		}

		completed := now()
		res, err := tx.ExecContext(ctx, `
			UPDATE handoffs SET status = 'completed', completed_at = ?
			WHERE id = ? AND status = 'pending';
		`, completed, id)
		if err != nil {
			return fmt.Errorf("complete handoff: %w", err)
		}
		if err := requireAffected(res, shared.ErrAlreadyCompleted, "handoff %s", id); err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, DevelopmentEvent{
			Kind:      EventKindHandoff,
			EventType: "handoff.completed",
			AgentID:   agent,
			SubjectID: id,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit receive tx: %w", err)
		}
		h.Status = HandoffCompleted
		h.CompletedAt = &completed
		out = h
		return nil
	})
	if err != nil {
		return nil, shared.Persistence("receive handoff", err)
	}
	s.bus.Publish(bus.TopicHandoffCompleted, bus.HandoffEvent{HandoffID: out.ID, FromAgent: out.FromAgent, ToAgent: out.ToAgent, Status: string(HandoffCompleted)})
	return &out, nil
}

// ListHandoffs returns handoffs addressed to toAgent (any agent when empty)
// in the given statuses, newest first.
func (s *Store) ListHandoffs(ctx context.Context, toAgent string, statuses ...HandoffStatus) ([]Handoff, error) {
	var where []string
	var args []any
	if toAgent != "" {
		where = append(where, "to_agent = ?")
		args = append(args, toAgent)
	}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	q := `SELECT ` + handoffColumns + ` FROM handoffs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC;"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, shared.Persistence("list handoffs", err)
	}
	defer rows.Close()

	var out []Handoff
	for rows.Next() {
		var h Handoff
		if err := scanHandoff(rows.Scan, &h); err != nil {
			return nil, shared.Persistence("scan handoff", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Persistence("handoff rows", err)
	}
	return out, nil
}

package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/basket/relay/internal/safety"
	"github.com/basket/relay/internal/shared"
)

type EventKind string

const (
	EventKindTask       EventKind = "task"
	EventKindHandoff    EventKind = "handoff"
	EventKindSession    EventKind = "session"
	EventKindDeployment EventKind = "deployment"
	EventKindKnowledge  EventKind = "knowledge"
	EventKindIssue      EventKind = "issue"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventKindTask, EventKindHandoff, EventKindSession, EventKindDeployment, EventKindKnowledge, EventKindIssue:
		return true
	}
	return false
}

// DevelopmentEvent is one row of the append-only development log.
type DevelopmentEvent struct {
	EventID   int64     `json:"event_id"`
	Kind      EventKind `json:"kind"`
	EventType string    `json:"event_type"`
	AgentID   string    `json:"agent_id,omitempty"`
	SubjectID string    `json:"subject_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	Kind    EventKind
	AgentID string
	Since   time.Time
	Limit   int
}

func appendEventTx(ctx context.Context, tx *sql.Tx, ev DevelopmentEvent) error {
	if !ev.Kind.Valid() {
		return shared.Validationf("unknown event kind %q", ev.Kind)
	}
	if ev.Payload == "" {
		ev.Payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO development_events (kind, event_type, agent_id, subject_id, message, payload_json, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, ev.Kind, ev.EventType, ev.AgentID, ev.SubjectID, safety.Redact(ev.Message), ev.Payload, traceID, now())
	if err != nil {
		return fmt.Errorf("insert development_event: %w", err)
	}
	return nil
}

// AppendEvent writes one event in its own transaction.
func (s *Store) AppendEvent(ctx context.Context, ev DevelopmentEvent) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		return tx.Commit()
	})
	return shared.Persistence("append event", err)
}

// ListEvents returns events matching f, oldest first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]DevelopmentEvent, error) {
	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	q := `
		SELECT event_id, kind, event_type, agent_id, subject_id, message, payload_json, trace_id, created_at
		FROM development_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY event_id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q+";", args...)
	if err != nil {
		return nil, shared.Persistence("list events", err)
	}
	defer rows.Close()

	var out []DevelopmentEvent
	for rows.Next() {
		var ev DevelopmentEvent
		if err := rows.Scan(&ev.EventID, &ev.Kind, &ev.EventType, &ev.AgentID, &ev.SubjectID,
			&ev.Message, &ev.Payload, &ev.TraceID, &ev.CreatedAt); err != nil {
			return nil, shared.Persistence("scan event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Persistence("event rows", err)
	}
	return out, nil
}

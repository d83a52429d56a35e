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

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

type Session struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agent_id"`
	Status          SessionStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	ContextID       string        `json:"context_id"`
	StartNotes      string        `json:"start_notes,omitempty"`
	CompletedTasks  []string      `json:"completed_tasks"`
	KnowledgeGained []string      `json:"knowledge_gained"`
	Issues          []string      `json:"issues"`
	HandoffNotes    string        `json:"handoff_notes,omitempty"`
	HandoffID       string        `json:"handoff_id,omitempty"`
}

// SessionEnd carries what an agent reports when closing a session.
type SessionEnd struct {
	SessionID       string
	CompletedTasks  []string
	KnowledgeGained []string
	Issues          []string
	HandoffNotes    string
}

const sessionColumns = `
	id, agent_id, status, started_at, ended_at, context_id, start_notes,
	completed_tasks_json, knowledge_gained_json, issues_json, handoff_notes, handoff_id`

func scanSession(scanFn func(dest ...any) error, sess *Session) error {
	var ended sql.NullTime
	var completed, knowledge, issues string
	if err := scanFn(&sess.ID, &sess.AgentID, &sess.Status, &sess.StartedAt, &ended,
		&sess.ContextID, &sess.StartNotes, &completed, &knowledge, &issues,
		&sess.HandoffNotes, &sess.HandoffID); err != nil {
		return err
	}
	sess.EndedAt = timePtr(ended)
	if err := decodeJSON(completed, &sess.CompletedTasks); err != nil {
		return err
	}
	if err := decodeJSON(knowledge, &sess.KnowledgeGained); err != nil {
		return err
	}
	return decodeJSON(issues, &sess.Issues)
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateSession opens an active session for agentID. A second active session
// for the same agent fails with ErrConflict; the partial unique index on
// sessions(agent_id) is the arbiter.
func (s *Store) CreateSession(ctx context.Context, agentID, contextID, notes string) (*Session, error) {
	sess := &Session{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		Status:          SessionActive,
		StartedAt:       now(),
		ContextID:       contextID,
		StartNotes:      notes,
		CompletedTasks:  []string{},
		KnowledgeGained: []string{},
		Issues:          []string{},
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, agent_id, status, started_at, context_id, start_notes)
			VALUES (?, ?, ?, ?, ?, ?);
		`, sess.ID, sess.AgentID, sess.Status, sess.StartedAt, sess.ContextID, safety.Redact(notes)); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: agent %s already has an active session", shared.ErrConflict, agentID)
			}
			return fmt.Errorf("insert session: %w", err)
		}
		if err := appendEventTx(ctx, tx, DevelopmentEvent{
			Kind:      EventKindSession,
			EventType: "session.started",
			AgentID:   agentID,
			SubjectID: sess.ID,
			Message:   notes,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, shared.Persistence("create session", err)
	}
	s.bus.Publish(bus.TopicSessionStarted, bus.SessionEvent{SessionID: sess.ID, AgentID: agentID, Status: string(SessionActive)})
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?;`, sessionID).Scan, &sess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", shared.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, shared.Persistence("get session", err)
	}
	return &sess, nil
}

// ActiveSession returns the agent's active session, or ErrNotFound.
func (s *Store) ActiveSession(ctx context.Context, agentID string) (*Session, error) {
	var sess Session
	err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE agent_id = ? AND status = 'active';
	`, agentID).Scan, &sess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active session for %s", shared.ErrNotFound, agentID)
	}
	if err != nil {
		return nil, shared.Persistence("active session", err)
	}
	return &sess, nil
}

func redactAll(notes []string) []string {
	out := make([]string, len(notes))
	for i, n := range notes {
		out[i] = safety.Redact(n)
	}
	return out
}

// EndSession marks an active session completed with a guarded update. Ending
// an unknown session fails with ErrNotFound; ending one that is already
// completed fails with ErrAlreadyCompleted.
func (s *Store) EndSession(ctx context.Context, end SessionEnd) (*Session, error) {
	var out Session
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin end session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var sess Session
		err = scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?;`, end.SessionID).Scan, &sess)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: session %s", shared.ErrNotFound, end.SessionID)
		}
		if err != nil {
			return fmt.Errorf("select session: %w", err)
		}
		if sess.Status != SessionActive {
			return fmt.Errorf("%w: session %s", shared.ErrAlreadyCompleted, sess.ID)
		}

		sess.CompletedTasks = append(sess.CompletedTasks, end.CompletedTasks...)
		sess.KnowledgeGained = append(sess.KnowledgeGained, redactAll(end.KnowledgeGained)...)
		sess.Issues = append(sess.Issues, redactAll(end.Issues)...)
		sess.HandoffNotes = safety.Redact(end.HandoffNotes)
		ended := now()
		sess.EndedAt = &ended
		sess.Status = SessionCompleted

		completed, _ := encodeJSON(nonNil(sess.CompletedTasks))
		knowledge, _ := encodeJSON(nonNil(sess.KnowledgeGained))
		issues, _ := encodeJSON(nonNil(sess.Issues))
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = 'completed', ended_at = ?, completed_tasks_json = ?,
				knowledge_gained_json = ?, issues_json = ?, handoff_notes = ?
			WHERE id = ? AND status = 'active';
		`, ended, completed, knowledge, issues, sess.HandoffNotes, sess.ID)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if err := requireAffected(res, shared.ErrAlreadyCompleted, "session %s", sess.ID); err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, DevelopmentEvent{
			Kind:      EventKindSession,
			EventType: "session.ended",
			AgentID:   sess.AgentID,
			SubjectID: sess.ID,
			Message:   end.HandoffNotes,
		}); err != nil {
			return err
		}
		for _, issue := range end.Issues {
			if err := appendEventTx(ctx, tx, DevelopmentEvent{
				Kind:      EventKindIssue,
				EventType: "session.issue",
				AgentID:   sess.AgentID,
				SubjectID: sess.ID,
				Message:   issue,
			}); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit end session tx: %w", err)
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, shared.Persistence("end session", err)
	}
	s.bus.Publish(bus.TopicSessionEnded, bus.SessionEvent{SessionID: out.ID, AgentID: out.AgentID, Status: string(SessionCompleted)})
	return &out, nil
}

// SetSessionHandoff records the handoff an ended session produced.
func (s *Store) SetSessionHandoff(ctx context.Context, sessionID, handoffID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET handoff_id = ? WHERE id = ?;`, handoffID, sessionID)
	if err != nil {
		return shared.Persistence("set session handoff", err)
	}
	return shared.Persistence("set session handoff", requireAffected(res, shared.ErrNotFound, "session %s", sessionID))
}

func (s *Store) ListSessions(ctx context.Context, agentID string, limit int) ([]Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if agentID != "" {
		q += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY started_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, shared.Persistence("query sessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := scanSession(rows.Scan, &sess); err != nil {
			return nil, shared.Persistence("scan session", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Persistence("sessions rows", err)
	}
	return out, nil
}

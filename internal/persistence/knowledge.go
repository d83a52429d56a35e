package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/shared"
	"github.com/google/uuid"
)

type ValidationStatus string

const (
	KnowledgePending   ValidationStatus = "pending"
	KnowledgeValidated ValidationStatus = "validated"
)

type KnowledgeEntry struct {
	ID               string           `json:"id"`
	Category         string           `json:"category"`
	Topic            string           `json:"topic"`
	Content          string           `json:"content"`
	SourceAgent      string           `json:"source_agent"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	ConfidenceScore  float64          `json:"confidence_score"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	Tags             []string         `json:"tags"`
	Supersedes       string           `json:"supersedes,omitempty"`
}

const knowledgeColumns = `
	id, category, topic, content, source_agent, created_at, updated_at,
	confidence_score, validation_status, tags_json, supersedes`

func scanKnowledge(scanFn func(dest ...any) error, e *KnowledgeEntry) error {
	var tags string
	if err := scanFn(&e.ID, &e.Category, &e.Topic, &e.Content, &e.SourceAgent, &e.CreatedAt,
		&e.UpdatedAt, &e.ConfidenceScore, &e.ValidationStatus, &tags, &e.Supersedes); err != nil {
		return err
	}
	return decodeJSON(tags, &e.Tags)
}

// AddKnowledge appends e as a new pending entry. Existing rows are never
// edited; a non-empty Supersedes must name an existing entry.
func (s *Store) AddKnowledge(ctx context.Context, e *KnowledgeEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	ts := now()
	e.CreatedAt, e.UpdatedAt = ts, ts
	e.ValidationStatus = KnowledgePending
	tags, err := encodeJSON(nonNil(e.Tags))
	if err != nil {
		return "", err
	}
	searchText := knowledgeSearchText(e.Topic, e.Content, e.Tags)

	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin knowledge tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if e.Supersedes != "" {
			var found string
			err := tx.QueryRowContext(ctx, `SELECT id FROM knowledge_base WHERE id = ?;`, e.Supersedes).Scan(&found)
			if errors.Is(err, sql.ErrNoRows) {
				return shared.Validationf("superseded entry %s does not exist", e.Supersedes)
			}
			if err != nil {
				return fmt.Errorf("lookup superseded entry: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge_base (`+knowledgeColumns+`, search_text)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.ID, e.Category, e.Topic, e.Content, e.SourceAgent, e.CreatedAt, e.UpdatedAt,
			e.ConfidenceScore, e.ValidationStatus, tags, e.Supersedes, searchText); err != nil {
			return fmt.Errorf("insert knowledge: %w", err)
		}
		if err := appendEventTx(ctx, tx, DevelopmentEvent{
			Kind:      EventKindKnowledge,
			EventType: "knowledge.added",
			AgentID:   e.SourceAgent,
			SubjectID: e.ID,
			Message:   e.Topic,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", shared.Persistence("add knowledge", err)
	}
	s.bus.Publish(bus.TopicKnowledgeAdded, bus.KnowledgeAddedEvent{EntryID: e.ID, Topic: e.Topic, SourceAgent: e.SourceAgent})
	return e.ID, nil
}

func (s *Store) GetKnowledge(ctx context.Context, id string) (*KnowledgeEntry, error) {
	var e KnowledgeEntry
	err := scanKnowledge(s.db.QueryRowContext(ctx, `SELECT `+knowledgeColumns+` FROM knowledge_base WHERE id = ?;`, id).Scan, &e)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: knowledge entry %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return nil, shared.Persistence("get knowledge", err)
	}
	return &e, nil
}

// knowledgeSearchText is the lower-cased text SearchKnowledge matches
// against. SQLite's lower() and LIKE fold ASCII only, so folding happens here
// with Go's Unicode rules, the same ones query terms go through.
func knowledgeSearchText(topic, content string, tags []string) string {
	return strings.ToLower(topic + "\n" + content + "\n" + strings.Join(tags, "\n"))
}

// escapeLike escapes LIKE wildcards so terms match literally under ESCAPE '\'.
func escapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}

// SearchKnowledge returns up to limit entries whose topic, content or tags
// contain any of terms, case-insensitively, ordered by confidence then
// recency. Terms are expected lower-case (strings.ToLower).
func (s *Store) SearchKnowledge(ctx context.Context, terms []string, limit int) ([]KnowledgeEntry, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	var clauses []string
	var args []any
	for _, term := range terms {
		pattern := "%" + escapeLike(term) + "%"
		clauses = append(clauses, `search_text LIKE ? ESCAPE '\'`)
		args = append(args, pattern)
	}
	q := `SELECT ` + knowledgeColumns + ` FROM knowledge_base WHERE ` + strings.Join(clauses, " OR ") +
		` ORDER BY confidence_score DESC, created_at DESC, rowid DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q+";", args...)
	if err != nil {
		return nil, shared.Persistence("search knowledge", err)
	}
	defer rows.Close()

	var out []KnowledgeEntry
	for rows.Next() {
		var e KnowledgeEntry
		if err := scanKnowledge(rows.Scan, &e); err != nil {
			return nil, shared.Persistence("scan knowledge", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Persistence("knowledge rows", err)
	}
	return out, nil
}

// ValidateKnowledge moves a pending entry to validated. Content is untouched.
func (s *Store) ValidateKnowledge(ctx context.Context, id, agent string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin validate tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status ValidationStatus
		err = tx.QueryRowContext(ctx, `SELECT validation_status FROM knowledge_base WHERE id = ?;`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: knowledge entry %s", shared.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("select knowledge status: %w", err)
		}
		if status == KnowledgeValidated {
			return fmt.Errorf("%w: knowledge entry %s", shared.ErrAlreadyCompleted, id)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE knowledge_base SET validation_status = 'validated', updated_at = ?
			WHERE id = ? AND validation_status = 'pending';
		`, now(), id)
		if err != nil {
			return fmt.Errorf("update knowledge status: %w", err)
		}
		if err := requireAffected(res, shared.ErrAlreadyCompleted, "knowledge entry %s", id); err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, DevelopmentEvent{
			Kind:      EventKindKnowledge,
			EventType: "knowledge.validated",
			AgentID:   agent,
			SubjectID: id,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	return shared.Persistence("validate knowledge", err)
}

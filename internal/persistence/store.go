package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "relay-v1-2026-09-30-orchestrator"
	schemaVersionV2  = 2
	schemaChecksumV2 = "relay-v2-2026-10-15-knowledge-search-text"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	busyRetries = 5
)

// RequiredTables lists every table the orchestrator needs. The deployment
// battery checks each one exists.
var RequiredTables = []string{
	"schema_migrations",
	"sessions",
	"project_context",
	"tasks",
	"knowledge_base",
	"development_events",
	"handoffs",
	"deployment_history",
	"audit_log",
}

// restorableTables are copied back from a backup on rollback. The deployment
// history and audit trail are never rewound.
var restorableTables = []string{
	"sessions",
	"project_context",
	"tasks",
	"knowledge_base",
	"development_events",
	"handoffs",
}

type Store struct {
	db   *sql.DB
	path string
	bus  *bus.Bus // may be nil in tests

	migratedFrom int
}

// DefaultDBPath returns <homeDir>/relay.db, or ~/.relay/relay.db when homeDir is empty.
func DefaultDBPath(homeDir string) string {
	if homeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		homeDir = filepath.Join(home, ".relay")
	}
	return filepath.Join(homeDir, "relay.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath("")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, path: path, bus: eventBus, migratedFrom: -1}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file the store was opened on.
func (s *Store) Path() string {
	return s.path
}

// MigratedFrom reports the schema version found on disk when Open applied a
// migration, and false when the schema was already current.
func (s *Store) MigratedFrom() (int, bool) {
	return s.migratedFrom, s.migratedFrom >= 0
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('active', 'completed')),
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			context_id TEXT NOT NULL DEFAULT '',
			start_notes TEXT NOT NULL DEFAULT '',
			completed_tasks_json TEXT NOT NULL DEFAULT '[]',
			knowledge_gained_json TEXT NOT NULL DEFAULT '[]',
			issues_json TEXT NOT NULL DEFAULT '[]',
			handoff_notes TEXT NOT NULL DEFAULT '',
			handoff_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS project_context (
			id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			captured_at DATETIME NOT NULL,
			body_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			assigned_agent TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending', 'in_progress', 'completed', 'failed', 'blocked')),
			priority TEXT NOT NULL CHECK(priority IN ('low', 'medium', 'high', 'critical')),
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			due_date DATETIME,
			dependencies_json TEXT NOT NULL DEFAULT '[]',
			context_requirements_json TEXT NOT NULL DEFAULT '[]',
			completion_criteria_json TEXT NOT NULL DEFAULT '[]',
			estimated_effort REAL NOT NULL DEFAULT 0 CHECK(estimated_effort >= 0),
			actual_effort REAL NOT NULL DEFAULT 0 CHECK(actual_effort >= 0),
			notes_json TEXT NOT NULL DEFAULT '[]',
			artifacts_json TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE TABLE IF NOT EXISTS knowledge_base (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			topic TEXT NOT NULL,
			content TEXT NOT NULL,
			source_agent TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			confidence_score REAL NOT NULL CHECK(confidence_score >= 0 AND confidence_score <= 1),
			validation_status TEXT NOT NULL CHECK(validation_status IN ('pending', 'validated')),
			tags_json TEXT NOT NULL DEFAULT '[]',
			supersedes TEXT NOT NULL DEFAULT '',
			search_text TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS development_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL CHECK(kind IN ('task', 'handoff', 'session', 'deployment', 'knowledge', 'issue')),
			event_type TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			subject_id TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '{}',
			trace_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS handoffs (
			id TEXT PRIMARY KEY,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			context_json TEXT NOT NULL,
			tasks_json TEXT NOT NULL DEFAULT '[]',
			issues_json TEXT NOT NULL DEFAULT '[]',
			recommendations_json TEXT NOT NULL DEFAULT '[]',
			urgency TEXT NOT NULL CHECK(urgency IN ('low', 'normal', 'high', 'critical')),
			notes TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('pending', 'completed', 'superseded')),
			completed_at DATETIME,
			superseded_by TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS deployment_history (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			backup_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'blocked', 'rolled_back')),
			test_results_json TEXT NOT NULL DEFAULT '{}',
			overall_status TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			decision TEXT NOT NULL CHECK(decision IN ('allow', 'deny')),
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration table: %w", err)
		}
	}

	if maxVersion == schemaVersionV1 {
		if err := migrateV1ToV2(ctx, tx); err != nil {
			return err
		}
	}

	indexStatements := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON sessions(agent_id) WHERE status = 'active';`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_project_context_captured ON project_context(captured_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_agent_status ON tasks(assigned_agent, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_due ON tasks(status, due_date);`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_rank ON knowledge_base(confidence_score DESC, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind_time ON development_events(kind, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_handoffs_to_status ON handoffs(to_agent, status);`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_time ON deployment_history(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_time ON audit_log(created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum, applied_at)
		VALUES (?, ?, ?);
	`, schemaVersionLatest, schemaChecksumLatest, now()); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	s.migratedFrom = maxVersion
	return nil
}

// migrateV1ToV2 adds knowledge_base.search_text and fills it for existing
// rows.
func migrateV1ToV2(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `ALTER TABLE knowledge_base ADD COLUMN search_text TEXT NOT NULL DEFAULT '';`); err != nil {
		return fmt.Errorf("add knowledge search_text: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT id, topic, content, tags_json FROM knowledge_base;`)
	if err != nil {
		return fmt.Errorf("select knowledge for search_text: %w", err)
	}
	texts := map[string]string{}
	for rows.Next() {
		var id, topic, content, tagsJSON string
		if err := rows.Scan(&id, &topic, &content, &tagsJSON); err != nil {
			rows.Close()
			return fmt.Errorf("scan knowledge for search_text: %w", err)
		}
		var tags []string
		if err := decodeJSON(tagsJSON, &tags); err != nil {
			rows.Close()
			return fmt.Errorf("decode tags of %s: %w", id, err)
		}
		texts[id] = knowledgeSearchText(topic, content, tags)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("knowledge rows: %w", err)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close knowledge rows: %w", err)
	}
	for id, text := range texts {
		if _, err := tx.ExecContext(ctx, `UPDATE knowledge_base SET search_text = ? WHERE id = ?;`, text, id); err != nil {
			return fmt.Errorf("fill search_text for %s: %w", id, err)
		}
	}
	return nil
}

// now is the single clock for every persisted timestamp. Values are UTC so
// DATETIME columns sort and compare consistently.
func now() time.Time {
	return time.Now().UTC()
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// requireAffected maps a zero-row guarded update to sentinel.
func requireAffected(res sql.Result, sentinel error, format string, args ...any) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
	}
	return nil
}

// Ping verifies the store answers a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1;`).Scan(&one); err != nil {
		return shared.Persistence("ping", err)
	}
	return nil
}

// Counts returns row counts of the domain tables.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(restorableTables)+1)
	for _, table := range append([]string{"deployment_history"}, restorableTables...) {
		var n int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+table+`;`).Scan(&n); err != nil {
			return nil, shared.Persistence("count "+table, err)
		}
		out[table] = n
	}
	return out, nil
}

// IntegrityCheck runs PRAGMA integrity_check and returns its verdict ("ok" when healthy).
func (s *Store) IntegrityCheck(ctx context.Context) (string, error) {
	var verdict string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check;`).Scan(&verdict); err != nil {
		return "", shared.Persistence("integrity check", err)
	}
	return verdict, nil
}

// MissingTables returns the entries of RequiredTables absent from the schema.
func (s *Store) MissingTables(ctx context.Context) ([]string, error) {
	var missing []string
	for _, table := range RequiredTables {
		var name string
		err := s.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name = ?;`, table).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, table)
			continue
		}
		if err != nil {
			return nil, shared.Persistence("inspect schema", err)
		}
	}
	return missing, nil
}

// CheckWritable proves the store accepts writes by inserting into the event
// log inside a transaction that is always rolled back.
func (s *Store) CheckWritable(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return shared.Persistence("begin write probe", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO development_events (kind, event_type, created_at)
		VALUES ('deployment', 'write_probe', ?);
	`, now()); err != nil {
		return shared.Persistence("write probe", err)
	}
	return nil
}

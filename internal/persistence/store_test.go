package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/shared"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "relay.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func testContext() *persistence.ProjectContext {
	return &persistence.ProjectContext{
		SystemState: map[persistence.ProbeName]persistence.ProbeResult{
			persistence.ProbeStore: {Status: persistence.ProbeOK, Summary: "reachable", DurationMS: 1},
		},
		ActiveFeatures: []string{"handoffs"},
		TestResults:    map[string]string{},
	}
}

func createTask(t *testing.T, store *persistence.Store, agent string, priority persistence.TaskPriority, deps ...string) string {
	t.Helper()
	id, err := store.CreateTask(context.Background(), &persistence.Task{
		Title:         "task for " + agent,
		AssignedAgent: agent,
		Priority:      priority,
		CreatedBy:     "lead",
		Dependencies:  deps,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	missing, err := store.MissingTables(context.Background())
	if err != nil {
		t.Fatalf("missing tables: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("missing tables after open: %v", missing)
	}
	if from, ok := store.MigratedFrom(); !ok || from != 0 {
		t.Fatalf("MigratedFrom = %d, %v; want 0, true", from, ok)
	}
}

func TestStore_ReopenIsNotAMigration(t *testing.T) {
	store, dbPath := openTestStore(t)
	_ = store.Close()

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, ok := reopened.MigratedFrom(); ok {
		t.Fatal("expected no migration on reopen")
	}
}

func TestStore_OpenMigratesV1KnowledgeSearchText(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		);
		INSERT INTO schema_migrations(version, checksum, applied_at) VALUES(1, 'relay-v1-2026-09-30-orchestrator', '2026-10-01 00:00:00');
		CREATE TABLE knowledge_base (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			topic TEXT NOT NULL,
			content TEXT NOT NULL,
			source_agent TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			confidence_score REAL NOT NULL,
			validation_status TEXT NOT NULL,
			tags_json TEXT NOT NULL DEFAULT '[]',
			supersedes TEXT NOT NULL DEFAULT ''
		);
		INSERT INTO knowledge_base VALUES('k1', 'c', 'ÉTUDE Kältemittel', 'x', 'a', '2026-10-01 00:00:00', '2026-10-01 00:00:00', 0.5, 'pending', '["Öl"]', '');
	`); err != nil {
		t.Fatalf("seed v1 schema: %v", err)
	}
	_ = db.Close()

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open v1 db: %v", err)
	}
	defer store.Close()
	if from, ok := store.MigratedFrom(); !ok || from != 1 {
		t.Fatalf("MigratedFrom = %d, %v; want 1, true", from, ok)
	}
	for _, term := range []string{"étude", "öl"} {
		got, err := store.SearchKnowledge(context.Background(), []string{term}, 10)
		if err != nil {
			t.Fatalf("search %q: %v", term, err)
		}
		if len(got) != 1 || got[0].ID != "k1" {
			t.Fatalf("search %q after migration = %+v", term, got)
		}
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		);
		INSERT INTO schema_migrations(version, checksum, applied_at) VALUES(999, 'future', '2026-01-01 00:00:00');
	`); err != nil {
		t.Fatalf("seed future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath, nil)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered';`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(dbPath, nil)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_CheckConstraintsRejectUnknownEnums(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	_, err := store.CreateTask(ctx, &persistence.Task{
		Title:         "bad priority",
		AssignedAgent: "b",
		Priority:      "urgent",
		CreatedBy:     "a",
	})
	if err == nil {
		t.Fatal("expected CHECK constraint failure for priority")
	}
	if !errors.Is(err, shared.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	_, err = store.DB().Exec(`
		INSERT INTO knowledge_base (id, category, topic, content, source_agent, created_at, updated_at, confidence_score, validation_status)
		VALUES ('k1', 'c', 't', 'x', 'a', ?, ?, 1.5, 'pending');
	`, time.Now().UTC(), time.Now().UTC())
	if err == nil {
		t.Fatal("expected CHECK constraint failure for confidence_score > 1")
	}
}

func TestStore_OneActiveSessionPerAgent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first, err := store.CreateSession(ctx, "agent-a", "", "morning")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.CreateSession(ctx, "agent-a", "", "again"); !errors.Is(err, shared.ErrConflict) {
		t.Fatalf("second active session: err = %v, want ErrConflict", err)
	}
	if _, err := store.CreateSession(ctx, "agent-b", "", ""); err != nil {
		t.Fatalf("other agent session: %v", err)
	}

	ended, err := store.EndSession(ctx, persistence.SessionEnd{
		SessionID:      first.ID,
		CompletedTasks: []string{"t1"},
		Issues:         []string{"flaky sensor feed"},
		HandoffNotes:   "see notes",
	})
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if ended.Status != persistence.SessionCompleted || ended.EndedAt == nil {
		t.Fatalf("ended session = %+v", ended)
	}
	if _, err := store.EndSession(ctx, persistence.SessionEnd{SessionID: first.ID}); !errors.Is(err, shared.ErrAlreadyCompleted) {
		t.Fatalf("second end: err = %v, want ErrAlreadyCompleted", err)
	}
	if _, err := store.EndSession(ctx, persistence.SessionEnd{SessionID: "missing"}); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("unknown session: err = %v, want ErrNotFound", err)
	}

	if _, err := store.CreateSession(ctx, "agent-a", "", "next day"); err != nil {
		t.Fatalf("new session after end: %v", err)
	}

	issues, err := store.ListEvents(ctx, persistence.EventFilter{Kind: persistence.EventKindIssue})
	if err != nil {
		t.Fatalf("list issue events: %v", err)
	}
	if len(issues) != 1 || issues[0].Message != "flaky sensor feed" {
		t.Fatalf("issue events = %+v", issues)
	}
}

func TestStore_ContextRoundTripAndLatest(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.LatestContext(ctx); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("latest on empty store: err = %v, want ErrNotFound", err)
	}

	first := testContext()
	first.CapturedAt = time.Now().UTC().Add(-time.Minute)
	if err := store.SaveContext(ctx, first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	second := testContext()
	second.KnownIssues = []string{"2 failed tasks"}
	if err := store.SaveContext(ctx, second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	latest, err := store.LatestContext(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID || latest.SchemaVersion != persistence.ContextSchemaVersion {
		t.Fatalf("latest = %s v%d, want %s v%d", latest.ID, latest.SchemaVersion, second.ID, persistence.ContextSchemaVersion)
	}
	got, err := store.GetContext(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if got.SystemState[persistence.ProbeStore].Summary != "reachable" {
		t.Fatalf("system_state lost: %+v", got.SystemState)
	}
}

func TestStore_SaveContextRejectsUnknownProbe(t *testing.T) {
	store, _ := openTestStore(t)
	pc := testContext()
	pc.SystemState["weather"] = persistence.ProbeResult{Status: persistence.ProbeOK}
	if err := store.SaveContext(context.Background(), pc); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestValidateContextJSON_RejectsBadStatus(t *testing.T) {
	body := `{"id":"x","schema_version":1,"captured_at":"2026-01-01T00:00:00Z","system_state":{"store":{"status":"maybe"}}}`
	if err := persistence.ValidateContextJSON([]byte(body)); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestStore_RunRetention(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -40)
	if _, err := store.DB().Exec(`
		INSERT INTO development_events (kind, event_type, created_at) VALUES ('issue', 'old', ?);
	`, old); err != nil {
		t.Fatalf("seed old event: %v", err)
	}
	if err := store.AppendEvent(ctx, persistence.DevelopmentEvent{Kind: persistence.EventKindIssue, EventType: "fresh"}); err != nil {
		t.Fatalf("append fresh event: %v", err)
	}
	stale := testContext()
	stale.CapturedAt = old
	if err := store.SaveContext(ctx, stale); err != nil {
		t.Fatalf("save stale context: %v", err)
	}
	current := testContext()
	if err := store.SaveContext(ctx, current); err != nil {
		t.Fatalf("save current context: %v", err)
	}

	res, err := store.RunRetention(ctx, 30, 30, 30)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedEvents != 1 || res.PurgedContexts != 1 {
		t.Fatalf("retention result = %+v", res)
	}
	again, err := store.RunRetention(ctx, 30, 30, 30)
	if err != nil {
		t.Fatalf("second retention: %v", err)
	}
	if again.PurgedEvents != 0 || again.PurgedContexts != 0 {
		t.Fatalf("retention not idempotent: %+v", again)
	}
	if _, err := store.GetContext(ctx, current.ID); err != nil {
		t.Fatalf("current context purged: %v", err)
	}
}

func TestStore_HealthHelpers(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	verdict, err := store.IntegrityCheck(ctx)
	if err != nil || verdict != "ok" {
		t.Fatalf("integrity = %q, %v", verdict, err)
	}
	if err := store.CheckWritable(ctx); err != nil {
		t.Fatalf("check writable: %v", err)
	}
	createTask(t, store, "b", persistence.PriorityLow)
	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["tasks"] != 1 {
		t.Fatalf("tasks count = %d, want 1", counts["tasks"])
	}
	// The write probe is rolled back.
	events, err := store.ListEvents(ctx, persistence.EventFilter{Kind: persistence.EventKindDeployment})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("write probe leaked %d events", len(events))
	}
}

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/relay/internal/safety"
	"github.com/basket/relay/internal/shared"
)

// Decision values stored in audit.jsonl and the audit_log table.
const (
	Allow = "allow"
	Deny  = "deny"
)

// Actions recorded by the orchestrator.
const (
	ActionHandoffReceive   = "handoff.receive"
	ActionDeployment       = "deployment.decide"
	ActionRollback         = "deployment.rollback"
	ActionSchemaMigration  = "store.migrate"
	ActionKnowledgeConfirm = "knowledge.validate"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

// Recorder appends decisions to <home>/logs/audit.jsonl and, when a database
// is attached, to the audit_log table. Both sinks are append-only.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	logger    *slog.Logger
	denyCount atomic.Int64
}

// Open creates the JSONL sink under homeDir. db may be nil.
func Open(homeDir string, db *sql.DB, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Recorder{file: f, db: db, logger: logger}, nil
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// DenyCount returns the number of deny decisions recorded by r.
func (r *Recorder) DenyCount() int64 {
	if r == nil {
		return 0
	}
	return r.denyCount.Load()
}

// Record writes one decision. Sink failures are logged, never returned: an
// audit write must not fail the operation it describes. A nil Recorder
// discards the decision.
func (r *Recorder) Record(ctx context.Context, decision, action, reason, subject string) {
	if r == nil {
		return
	}
	if decision == Deny {
		r.denyCount.Add(1)
	}

	reason = safety.Redact(reason)
	subject = safety.Redact(subject)
	traceID := shared.TraceID(ctx)
	ts := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		b, err := json.Marshal(entry{
			Timestamp: ts.Format(time.RFC3339Nano),
			TraceID:   traceID,
			Decision:  decision,
			Action:    action,
			Reason:    reason,
			Subject:   subject,
		})
		if err == nil {
			_, err = r.file.Write(append(b, '\n'))
		}
		if err != nil {
			r.logger.Warn("audit jsonl write failed", "action", action, "error", err)
		}
	}

	if r.db != nil {
		if _, err := r.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, subject, action, decision, reason, ts); err != nil {
			r.logger.Warn("audit_log insert failed", "action", action, "error", err)
		}
	}
}

// Outcome records Allow when err is nil and Deny with the error code and
// message otherwise.
func (r *Recorder) Outcome(ctx context.Context, action, subject string, err error) {
	if err == nil {
		r.Record(ctx, Allow, action, "ok", subject)
		return
	}
	r.Record(ctx, Deny, action, shared.Code(err)+": "+err.Error(), subject)
}

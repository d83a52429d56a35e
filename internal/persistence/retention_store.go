package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/relay/internal/shared"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedEvents    int64 `json:"purged_events"`
	PurgedContexts  int64 `json:"purged_contexts"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

// RunRetention deletes development events, snapshots and audit rows older
// than their windows. A window of zero or less keeps everything. Snapshots
// referenced by a session are kept, as is the newest snapshot. The job is
// idempotent.
func (s *Store) RunRetention(ctx context.Context, eventDays, contextDays, auditDays int) (RetentionResult, error) {
	var result RetentionResult

	if eventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -eventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM development_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, shared.Persistence("retention", fmt.Errorf("purge development_events: %w", err))
		}
		result.PurgedEvents, _ = res.RowsAffected()
	}

	if contextDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -contextDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM project_context
			WHERE captured_at < ?
				AND id NOT IN (SELECT context_id FROM sessions)
				AND id NOT IN (SELECT id FROM project_context ORDER BY captured_at DESC LIMIT 1);
		`, cutoff)
		if err != nil {
			return result, shared.Persistence("retention", fmt.Errorf("purge project_context: %w", err))
		}
		result.PurgedContexts, _ = res.RowsAffected()
	}

	if auditDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, shared.Persistence("retention", fmt.Errorf("purge audit_log: %w", err))
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/shared"
	"github.com/google/uuid"
)

type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentApproved   DeploymentStatus = "approved"
	DeploymentBlocked    DeploymentStatus = "blocked"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
)

type Deployment struct {
	ID            string            `json:"id"`
	AgentID       string            `json:"agent_id"`
	Description   string            `json:"description"`
	BackupID      string            `json:"backup_id"`
	Status        DeploymentStatus  `json:"status"`
	TestResults   map[string]string `json:"test_results"`
	OverallStatus string            `json:"overall_status"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

const deploymentColumns = `
	id, agent_id, description, backup_id, status, test_results_json, overall_status, created_at, updated_at`

func scanDeployment(scanFn func(dest ...any) error, d *Deployment) error {
	var results string
	if err := scanFn(&d.ID, &d.AgentID, &d.Description, &d.BackupID, &d.Status, &results,
		&d.OverallStatus, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return err
	}
	return decodeJSON(results, &d.TestResults)
}

// RecordDeployment inserts a decided deployment row and logs it.
func (s *Store) RecordDeployment(ctx context.Context, d *Deployment) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	ts := now()
	d.CreatedAt, d.UpdatedAt = ts, ts
	if d.TestResults == nil {
		d.TestResults = map[string]string{}
	}
	results, err := encodeJSON(d.TestResults)
	if err != nil {
		return err
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin deployment tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deployment_history (`+deploymentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, d.ID, d.AgentID, d.Description, d.BackupID, d.Status, results, d.OverallStatus, d.CreatedAt, d.UpdatedAt); err != nil {
			return fmt.Errorf("insert deployment: %w", err)
		}
		if err := appendEventTx(ctx, tx, DevelopmentEvent{
			Kind:      EventKindDeployment,
			EventType: "deployment." + string(d.Status),
			AgentID:   d.AgentID,
			SubjectID: d.ID,
			Message:   d.Description,
			Payload:   fmt.Sprintf(`{"backup_id":%q}`, d.BackupID),
		}); err != nil {
			return err
		}
		if d.Status == DeploymentBlocked {
			if err := appendEventTx(ctx, tx, DevelopmentEvent{
				Kind:      EventKindIssue,
				EventType: "deployment.blocked",
				AgentID:   d.AgentID,
				SubjectID: d.ID,
				Message:   "deployment blocked by failing pre-deployment tests: " + d.Description,
			}); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return shared.Persistence("record deployment", err)
	}
	s.bus.Publish(bus.TopicDeploymentDecided, bus.DeploymentEvent{DeploymentID: d.ID, BackupID: d.BackupID, AgentID: d.AgentID, Status: string(d.Status)})
	return nil
}

// LatestDeployment returns the newest deployment row, or ErrNotFound.
func (s *Store) LatestDeployment(ctx context.Context) (*Deployment, error) {
	var d Deployment
	err := scanDeployment(s.db.QueryRowContext(ctx, `
		SELECT `+deploymentColumns+` FROM deployment_history ORDER BY created_at DESC, rowid DESC LIMIT 1;
	`).Scan, &d)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no deployments", shared.ErrNotFound)
	}
	if err != nil {
		return nil, shared.Persistence("latest deployment", err)
	}
	return &d, nil
}

// MarkRolledBack flags every deployment that used backupID as rolled back
// and logs the rollback. It returns the number of rows changed.
func (s *Store) MarkRolledBack(ctx context.Context, backupID, agent string) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE deployment_history SET status = 'rolled_back', updated_at = ?
			WHERE backup_id = ? AND status != 'rolled_back';
		`, now(), backupID)
		if err != nil {
			return fmt.Errorf("mark rolled back: %w", err)
		}
		n, _ = res.RowsAffected()
		if err := appendEventTx(ctx, tx, DevelopmentEvent{
			Kind:      EventKindDeployment,
			EventType: "deployment.rolled_back",
			AgentID:   agent,
			SubjectID: backupID,
			Message:   fmt.Sprintf("restored backup %s", backupID),
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, shared.Persistence("mark rolled back", err)
	}
	s.bus.Publish(bus.TopicDeploymentRolledBack, bus.DeploymentEvent{BackupID: backupID, AgentID: agent, Status: string(DeploymentRolledBack)})
	return n, nil
}

package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/basket/relay/internal/shared"
)

// Backup creates an online-consistent copy of the database at destPath using
// VACUUM INTO. The destination must not exist.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return shared.Validationf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("%w: backup destination already exists: %s", shared.ErrConflict, destPath)
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath)
		return err
	})
	if err != nil {
		return shared.Persistence("backup", fmt.Errorf("vacuum into: %w", err))
	}
	return nil
}

// Restore replaces the contents of every restorable table with the rows of
// the backup database at srcPath. deployment_history and audit_log are left
// untouched. The backup must carry the current schema version.
func (s *Store) Restore(ctx context.Context, srcPath string) error {
	if _, err := os.Stat(srcPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: backup store %s", shared.ErrNotFound, srcPath)
		}
		return shared.Persistence("restore", err)
	}

	// ATTACH is per connection, so pin one for the whole restore.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return shared.Persistence("restore", fmt.Errorf("acquire conn: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS backup;`, srcPath); err != nil {
		return shared.Persistence("restore", fmt.Errorf("attach backup: %w", err))
	}
	defer func() { _, _ = conn.ExecContext(context.Background(), `DETACH DATABASE backup;`) }()

	var version int
	if err := conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM backup.schema_migrations;`).Scan(&version); err != nil {
		return shared.Persistence("restore", fmt.Errorf("read backup schema version: %w", err))
	}
	if version != schemaVersionLatest {
		return shared.Validationf("backup schema version %d does not match store version %d", version, schemaVersionLatest)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return shared.Persistence("restore", fmt.Errorf("begin restore tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range restorableTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM main.`+table+`;`); err != nil {
			return shared.Persistence("restore", fmt.Errorf("clear %s: %w", table, err))
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO main.`+table+` SELECT * FROM backup.`+table+`;`); err != nil {
			return shared.Persistence("restore", fmt.Errorf("copy %s: %w", table, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return shared.Persistence("restore", fmt.Errorf("commit restore tx: %w", err))
	}
	return nil
}

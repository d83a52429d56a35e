package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	manifestFile = "manifest.json"
	storeFile    = "relay.db"
	artifactsDir = "artifacts"
)

// Manifest describes one complete backup. It is written last, so a backup
// directory without a manifest is incomplete and never restored.
type Manifest struct {
	BackupID    string           `json:"backup_id"`
	Description string           `json:"description"`
	CreatedAt   time.Time        `json:"created_at"`
	StoreFile   string           `json:"store_file"`
	Artifacts   []ArtifactBackup `json:"artifacts"`
}

// ArtifactBackup maps a live artifact directory to its copy inside the
// backup. Missing is set when the source did not exist at backup time.
type ArtifactBackup struct {
	Source  string `json:"source"`
	Copy    string `json:"copy"`
	Missing bool   `json:"missing,omitempty"`
}

func writeManifest(dir string, m Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp := filepath.Join(dir, manifestFile+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestFile)); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	return nil
}

func readManifest(dir string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// validBackupID rejects ids that could escape the backup directory.
func validBackupID(id string) bool {
	return id != "" && id != "." && id != ".." &&
		!strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}

// copyDir copies the regular files and directories under src into dst.
// Symlinks and special files are skipped.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target, d)
	})
}

func copyFile(src, dst string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	target, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(target, source); err != nil {
		target.Close()
		return err
	}
	return target.Close()
}

// replaceDir swaps the contents of live for a copy of saved. The new tree is
// staged beside live first so a failed copy leaves live untouched.
func replaceDir(saved, live string) error {
	staging := live + ".relay-restore"
	old := live + ".relay-old"
	_ = os.RemoveAll(staging)
	_ = os.RemoveAll(old)

	if err := copyDir(saved, staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("stage %s: %w", live, err)
	}
	if err := os.Rename(live, old); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("move aside %s: %w", live, err)
	}
	if err := os.Rename(staging, live); err != nil {
		_ = os.Rename(old, live)
		return fmt.Errorf("swap in %s: %w", live, err)
	}
	return os.RemoveAll(old)
}

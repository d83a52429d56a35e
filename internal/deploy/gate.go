// Package deploy guards deployments behind a backup and a pre-deployment
// check battery, and restores from those backups on rollback.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/relay/internal/audit"
	"github.com/basket/relay/internal/config"
	"github.com/basket/relay/internal/doctor"
	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/shared"
	"github.com/basket/relay/internal/telemetry"
)

// Per-test and overall outcomes in a TestReport.
const (
	TestPassed = "passed"
	TestFailed = "failed"
	TestError  = "error"
)

type TestReport struct {
	Results       map[string]string    `json:"results"`
	Checks        []doctor.CheckResult `json:"checks"`
	OverallStatus string               `json:"overall_status"`
}

// Failing returns the names of tests that did not pass, sorted.
func (r TestReport) Failing() []string {
	var names []string
	for name, status := range r.Results {
		if status != TestPassed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

type DeployResult struct {
	DeploymentID string                       `json:"deployment_id"`
	BackupID     string                       `json:"backup_id"`
	Status       persistence.DeploymentStatus `json:"deployment_status"`
	Tests        TestReport                   `json:"tests"`
	Message      string                       `json:"message"`
}

// Err returns an ErrDeploymentBlocked error when the deployment was blocked.
func (r *DeployResult) Err() error {
	if r == nil || r.Status != persistence.DeploymentBlocked {
		return nil
	}
	return fmt.Errorf("%w: %s", shared.ErrDeploymentBlocked, r.Message)
}

type RollbackResult struct {
	BackupID          string   `json:"backup_id"`
	RestoredArtifacts []string `json:"restored_artifacts"`
	DeploymentsMarked int64    `json:"deployments_marked"`
	Message           string   `json:"message"`
}

type Options struct {
	HTTPClient  *http.Client
	Audit       *audit.Recorder
	Logger      *slog.Logger
	Instruments *otel.Instruments
	Now         func() time.Time
}

type Gate struct {
	store  *persistence.Store
	cfg    *config.Config
	client *http.Client
	audit  *audit.Recorder
	logger *slog.Logger
	inst   *otel.Instruments
	now    func() time.Time
}

func New(store *persistence.Store, cfg *config.Config, opts Options) *Gate {
	g := &Gate{
		store:  store,
		cfg:    cfg,
		client: opts.HTTPClient,
		audit:  opts.Audit,
		logger: telemetry.Component(opts.Logger, "deploy"),
		inst:   opts.Instruments,
		now:    opts.Now,
	}
	if g.client == nil {
		g.client = &http.Client{Timeout: 5 * time.Second}
	}
	if g.inst == nil {
		g.inst = otel.NoopInstruments()
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// CreateBackup copies the store and every artifact directory into a new
// directory under the backup dir. Either the whole backup is written,
// manifest last, or the partial directory is removed and an
// ErrPersistence error returned.
func (g *Gate) CreateBackup(ctx context.Context, description string) (m Manifest, err error) {
	at := g.now().UTC()
	m = Manifest{
		BackupID:    at.Format("20060102T150405Z") + "-" + uuid.NewString()[:8],
		Description: description,
		CreatedAt:   at,
		StoreFile:   storeFile,
	}
	if err := os.MkdirAll(g.cfg.BackupDir, 0o755); err != nil {
		return Manifest{}, shared.Persistence("create backup", fmt.Errorf("create backup dir: %w", err))
	}
	dir := filepath.Join(g.cfg.BackupDir, m.BackupID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return Manifest{}, shared.Persistence("create backup", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	if err := g.store.Backup(ctx, filepath.Join(dir, storeFile)); err != nil {
		return Manifest{}, shared.Persistence("create backup", err)
	}
	for i, src := range g.cfg.ArtifactDirs {
		a := ArtifactBackup{
			Source: src,
			Copy:   filepath.Join(artifactsDir, fmt.Sprintf("%02d-%s", i, filepath.Base(src))),
		}
		if _, statErr := os.Stat(src); errors.Is(statErr, os.ErrNotExist) {
			a.Missing = true
			m.Artifacts = append(m.Artifacts, a)
			continue
		}
		if err := copyDir(src, filepath.Join(dir, a.Copy)); err != nil {
			return Manifest{}, shared.Persistence("create backup", fmt.Errorf("copy artifacts %s: %w", src, err))
		}
		m.Artifacts = append(m.Artifacts, a)
	}
	if err := writeManifest(dir, m); err != nil {
		return Manifest{}, shared.Persistence("create backup", err)
	}

	g.logger.Info("backup created", "backup_id", m.BackupID, "artifacts", len(m.Artifacts))
	return m, nil
}

// RunPreDeploymentTests runs the doctor battery and maps each check to
// passed, failed or error. Warnings and skips count as passed.
func (g *Gate) RunPreDeploymentTests(ctx context.Context) TestReport {
	checks := doctor.Battery(ctx, doctor.Env{Config: g.cfg, Store: g.store, HTTPClient: g.client})
	report := TestReport{
		Results:       make(map[string]string, len(checks)),
		Checks:        checks,
		OverallStatus: TestPassed,
	}
	for _, c := range checks {
		status := TestPassed
		switch c.Status {
		case doctor.StatusFail:
			status = TestFailed
		case doctor.StatusError:
			status = TestError
		}
		report.Results[c.Name] = status
		if status != TestPassed {
			report.OverallStatus = TestFailed
		}
	}
	return report
}

// DeployWithSafety backs up first, then runs the battery. Any failing test
// blocks the deployment; the backup is kept either way. A blocked
// deployment is a result, not an error: callers that want an error use
// DeployResult.Err.
func (g *Gate) DeployWithSafety(ctx context.Context, agent, description string) (res *DeployResult, err error) {
	ctx, span := otel.StartSpan(ctx, g.inst.Tracer, "deploy.with_safety",
		otel.AttrAgentID.String(agent))
	defer func() { otel.EndSpan(span, err) }()

	if strings.TrimSpace(agent) == "" {
		return nil, shared.Validationf("agent is required")
	}
	backup, err := g.CreateBackup(ctx, description)
	if err != nil {
		return nil, err
	}

	report := g.RunPreDeploymentTests(ctx)
	res = &DeployResult{
		BackupID: backup.BackupID,
		Status:   persistence.DeploymentApproved,
		Tests:    report,
		Message:  "all pre-deployment tests passed",
	}
	if report.OverallStatus != TestPassed {
		res.Status = persistence.DeploymentBlocked
		res.Message = "blocked by failing tests: " + strings.Join(report.Failing(), ", ")
	}

	d := &persistence.Deployment{
		AgentID:       agent,
		Description:   description,
		BackupID:      backup.BackupID,
		Status:        res.Status,
		TestResults:   report.Results,
		OverallStatus: report.OverallStatus,
	}
	if err := g.store.RecordDeployment(ctx, d); err != nil {
		return nil, err
	}
	res.DeploymentID = d.ID

	span.SetAttributes(otel.AttrDeployStatus.String(string(res.Status)))
	g.inst.Metrics.Deployments.Add(ctx, 1, metric.WithAttributes(otel.AttrDeployStatus.String(string(res.Status))))
	log := telemetry.FromContext(ctx, g.logger)
	if res.Status == persistence.DeploymentBlocked {
		g.audit.Record(ctx, audit.Deny, audit.ActionDeployment, res.Message, d.ID)
		log.Warn("deployment blocked", "deployment_id", d.ID, "backup_id", backup.BackupID, "failing", report.Failing())
	} else {
		g.audit.Record(ctx, audit.Allow, audit.ActionDeployment, res.Message, d.ID)
		log.Info("deployment approved", "deployment_id", d.ID, "backup_id", backup.BackupID)
	}
	return res, nil
}

// RollbackDeployment restores the store and artifact directories from the
// named backup and marks the deployments that used it as rolled back.
// deployment_history and audit_log are not restored.
func (g *Gate) RollbackDeployment(ctx context.Context, backupID string) (res *RollbackResult, err error) {
	ctx, span := otel.StartSpan(ctx, g.inst.Tracer, "deploy.rollback")
	defer func() {
		otel.EndSpan(span, err)
		g.audit.Outcome(ctx, audit.ActionRollback, backupID, err)
	}()

	if !validBackupID(backupID) {
		return nil, shared.Validationf("invalid backup id %q", backupID)
	}
	dir := filepath.Join(g.cfg.BackupDir, backupID)
	m, err := readManifest(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: backup %s", shared.ErrNotFound, backupID)
	}
	if err != nil {
		return nil, shared.Persistence("rollback", err)
	}

	if err := g.store.Restore(ctx, filepath.Join(dir, m.StoreFile)); err != nil {
		return nil, err
	}
	res = &RollbackResult{BackupID: backupID, RestoredArtifacts: []string{}}
	for _, a := range m.Artifacts {
		if a.Missing {
			continue
		}
		if err := replaceDir(filepath.Join(dir, a.Copy), a.Source); err != nil {
			return nil, shared.Persistence("rollback", err)
		}
		res.RestoredArtifacts = append(res.RestoredArtifacts, a.Source)
	}

	agent := shared.AgentID(ctx)
	if agent == "" {
		agent = "system"
	}
	res.DeploymentsMarked, err = g.store.MarkRolledBack(ctx, backupID, agent)
	if err != nil {
		return nil, err
	}
	res.Message = fmt.Sprintf("restored backup %s (%d artifact dirs)", backupID, len(res.RestoredArtifacts))
	g.inst.Metrics.Deployments.Add(ctx, 1, metric.WithAttributes(otel.AttrDeployStatus.String(string(persistence.DeploymentRolledBack))))
	telemetry.FromContext(ctx, g.logger).Info("rolled back", "backup_id", backupID,
		"artifacts", len(res.RestoredArtifacts), "deployments", res.DeploymentsMarked)
	return res, nil
}

package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/relay/internal/config"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/snapshot"
)

const (
	StatusPass  = "PASS"
	StatusFail  = "FAIL"
	StatusWarn  = "WARN"
	StatusSkip  = "SKIP"
	StatusError = "ERROR" // the check itself could not run
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Healthy reports whether no check failed or errored.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail || r.Status == StatusError {
			return false
		}
	}
	return true
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Env is what the checks inspect. Store may be nil, in which case the
// store checks report ERROR.
type Env struct {
	Config     *config.Config
	Store      *persistence.Store
	HTTPClient *http.Client
}

type check func(context.Context, Env) CheckResult

// battery is the pre-deployment set. Every entry must pass for a
// deployment to be approved.
var battery = []check{
	checkStoreIntegrity,
	checkRequiredTables,
	checkStoreWritable,
	checkBackupDir,
	checkArtifactDirs,
	checkHealthEndpoints,
}

// Battery runs the pre-deployment checks only.
func Battery(ctx context.Context, env Env) []CheckResult {
	if env.HTTPClient == nil {
		env.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	results := make([]CheckResult, 0, len(battery))
	for _, c := range battery {
		results = append(results, c(ctx, env))
	}
	return results
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, env Env, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	d.Results = append(d.Results, checkConfig(ctx, env))
	if env.Config == nil {
		return d
	}
	d.Results = append(d.Results, Battery(ctx, env)...)
	d.Results = append(d.Results, checkExternalTools(ctx, env))
	return d
}

func checkConfig(_ context.Context, env Env) CheckResult {
	if env.Config == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if env.Config.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, using defaults", Detail: config.ConfigPath(env.Config.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", env.Config.HomeDir)}
}

func checkStoreIntegrity(ctx context.Context, env Env) CheckResult {
	if env.Store == nil {
		return CheckResult{Name: "Store Integrity", Status: StatusError, Message: "Store not open"}
	}
	verdict, err := env.Store.IntegrityCheck(ctx)
	if err != nil {
		return CheckResult{Name: "Store Integrity", Status: StatusError, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if verdict != "ok" {
		return CheckResult{Name: "Store Integrity", Status: StatusFail, Message: "integrity_check reported problems", Detail: verdict}
	}
	return CheckResult{Name: "Store Integrity", Status: StatusPass, Message: "integrity_check ok"}
}

func checkRequiredTables(ctx context.Context, env Env) CheckResult {
	if env.Store == nil {
		return CheckResult{Name: "Required Tables", Status: StatusError, Message: "Store not open"}
	}
	missing, err := env.Store.MissingTables(ctx)
	if err != nil {
		return CheckResult{Name: "Required Tables", Status: StatusError, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if len(missing) > 0 {
		return CheckResult{Name: "Required Tables", Status: StatusFail, Message: fmt.Sprintf("%d tables missing", len(missing)), Detail: strings.Join(missing, ", ")}
	}
	return CheckResult{Name: "Required Tables", Status: StatusPass, Message: fmt.Sprintf("%d tables present", len(persistence.RequiredTables))}
}

func checkStoreWritable(ctx context.Context, env Env) CheckResult {
	if env.Store == nil {
		return CheckResult{Name: "Store Writable", Status: StatusError, Message: "Store not open"}
	}
	if err := env.Store.CheckWritable(ctx); err != nil {
		return CheckResult{Name: "Store Writable", Status: StatusFail, Message: fmt.Sprintf("Write probe failed: %v", err)}
	}
	return CheckResult{Name: "Store Writable", Status: StatusPass, Message: "Write probe committed and rolled back"}
}

func checkBackupDir(_ context.Context, env Env) CheckResult {
	if env.Config == nil || env.Config.BackupDir == "" {
		return CheckResult{Name: "Backup Dir", Status: StatusError, Message: "Backup dir not configured"}
	}
	dir := env.Config.BackupDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Name: "Backup Dir", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
	}
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Backup Dir", Status: StatusFail, Message: fmt.Sprintf("Backup dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Backup Dir", Status: StatusPass, Message: fmt.Sprintf("%s writable", dir)}
}

func checkArtifactDirs(_ context.Context, env Env) CheckResult {
	if env.Config == nil || len(env.Config.ArtifactDirs) == 0 {
		return CheckResult{Name: "Artifact Dirs", Status: StatusSkip, Message: "No artifact dirs configured"}
	}
	var missing []string
	for _, dir := range env.Config.ArtifactDirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			missing = append(missing, dir)
		}
	}
	if len(missing) > 0 {
		return CheckResult{Name: "Artifact Dirs", Status: StatusFail, Message: fmt.Sprintf("%d of %d missing", len(missing), len(env.Config.ArtifactDirs)), Detail: strings.Join(missing, ", ")}
	}
	return CheckResult{Name: "Artifact Dirs", Status: StatusPass, Message: fmt.Sprintf("%d present", len(env.Config.ArtifactDirs))}
}

func checkHealthEndpoints(ctx context.Context, env Env) CheckResult {
	if env.Config == nil || len(env.Config.Probes.Services) == 0 {
		return CheckResult{Name: "Health Endpoints", Status: StatusSkip, Message: "No endpoints configured"}
	}
	var details []string
	failed := 0
	for _, c := range snapshot.CheckEndpoints(ctx, env.HTTPClient, env.Config.Probes.Services) {
		if c.Err != nil {
			failed++
			details = append(details, fmt.Sprintf("%s: %v", c.Endpoint.Name, c.Err))
			continue
		}
		details = append(details, fmt.Sprintf("%s: ok (%dms)", c.Endpoint.Name, c.Duration.Milliseconds()))
	}
	status := StatusPass
	if failed > 0 {
		status = StatusFail
	}
	return CheckResult{
		Name:    "Health Endpoints",
		Status:  status,
		Message: fmt.Sprintf("%d of %d reachable", len(env.Config.Probes.Services)-failed, len(env.Config.Probes.Services)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkExternalTools(_ context.Context, env Env) CheckResult {
	if env.Config.RepoPath == "" {
		return CheckResult{Name: "External Tools", Status: StatusSkip, Message: "No repo_path configured"}
	}
	if _, err := exec.LookPath("git"); err != nil {
		return CheckResult{Name: "External Tools", Status: StatusWarn, Message: "git missing (changes probe will report errors)"}
	}
	return CheckResult{Name: "External Tools", Status: StatusPass, Message: "git: ok"}
}

package snapshot_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/relay/internal/config"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/snapshot"
)

func TestDefaultProbes_EndToEnd(t *testing.T) {
	store := openStore(t, nil)
	ctx := context.Background()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	dir := t.TempDir()
	asset := filepath.Join(dir, "logo.png")
	if err := os.WriteFile(asset, []byte("png"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	src := filepath.Join(dir, "src")
	if err := os.MkdirAll(filepath.Join(src, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "pump.go"), []byte("package pump\n\n// TODO: debounce alarms\nfunc x() {}\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("TODO in git dir\n"), 0o644); err != nil {
		t.Fatalf("write git file: %v", err)
	}

	id, err := store.CreateTask(ctx, &persistence.Task{Title: "fix leak", AssignedAgent: "b", Priority: persistence.PriorityHigh, CreatedBy: "a"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	for _, tr := range []persistence.Transition{
		{TaskID: id, From: persistence.TaskStatusPending, To: persistence.TaskStatusInProgress, Agent: "b"},
		{TaskID: id, From: persistence.TaskStatusInProgress, To: persistence.TaskStatusFailed, Agent: "b"},
	} {
		if _, err := store.TransitionTask(ctx, tr); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	if err := store.AppendEvent(ctx, persistence.DevelopmentEvent{Kind: persistence.EventKindIssue, EventType: "session.issue", Message: "sensor feed flaky"}); err != nil {
		t.Fatalf("append issue: %v", err)
	}

	probes := snapshot.DefaultProbes(snapshot.ProbeDeps{
		Store:      store,
		Services:   []config.ServiceEndpoint{{Name: "api", URL: healthy.URL}},
		AssetPaths: []string{asset},
		ScanDirs:   []string{src},
	})
	if len(probes) != len(persistence.AllProbes) {
		t.Fatalf("default probes = %d", len(probes))
	}
	m := snapshot.New(store, probes, snapshot.Options{})
	pc := m.Capture(ctx)

	for name, r := range pc.SystemState {
		if r.Status != persistence.ProbeOK {
			t.Fatalf("probe %s = %+v", name, r)
		}
	}
	if pc.DeploymentStatus != "none" {
		t.Fatalf("deployment status = %q", pc.DeploymentStatus)
	}
	joined := strings.Join(pc.KnownIssues, "\n")
	if !strings.Contains(joined, id) || !strings.Contains(joined, "sensor feed flaky") {
		t.Fatalf("known issues = %v", pc.KnownIssues)
	}
	if strings.Count(joined, id) != 1 {
		t.Fatalf("failed task reported more than once: %v", pc.KnownIssues)
	}
	if len(pc.TechnicalDebt) != 1 || !strings.Contains(pc.TechnicalDebt[0], "pump.go:3") {
		t.Fatalf("technical debt = %v", pc.TechnicalDebt)
	}
}

func TestDefaultProbes_ReportFailures(t *testing.T) {
	store := openStore(t, nil)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	probes := snapshot.DefaultProbes(snapshot.ProbeDeps{
		Store:      store,
		Services:   []config.ServiceEndpoint{{Name: "api", URL: down.URL}},
		AssetPaths: []string{filepath.Join(t.TempDir(), "missing.css")},
		RepoPath:   t.TempDir(),
	})
	pc := snapshot.New(store, probes, snapshot.Options{}).Capture(context.Background())

	for _, name := range []persistence.ProbeName{persistence.ProbeServices, persistence.ProbeAssets, persistence.ProbeChanges} {
		if got := pc.SystemState[name].Status; got != persistence.ProbeError {
			t.Fatalf("probe %s = %s, want error", name, got)
		}
	}
	if !strings.Contains(pc.SystemState[persistence.ProbeServices].Error, "503") {
		t.Fatalf("services error = %q", pc.SystemState[persistence.ProbeServices].Error)
	}
	if pc.SystemState[persistence.ProbeStore].Status != persistence.ProbeOK {
		t.Fatalf("store probe = %+v", pc.SystemState[persistence.ProbeStore])
	}
}

func TestDefaultProbes_OverdueTasksAreIssues(t *testing.T) {
	store := openStore(t, nil)
	ctx := context.Background()
	past := time.Now().UTC().Add(-48 * time.Hour)
	id, err := store.CreateTask(ctx, &persistence.Task{Title: "inspect boiler", AssignedAgent: "b", Priority: persistence.PriorityLow, CreatedBy: "a", DueDate: &past})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	probes := snapshot.DefaultProbes(snapshot.ProbeDeps{Store: store})
	pc := snapshot.New(store, probes, snapshot.Options{}).Capture(ctx)
	if !strings.Contains(strings.Join(pc.KnownIssues, "\n"), id) {
		t.Fatalf("overdue task missing from known issues: %v", pc.KnownIssues)
	}
}

func TestScanDebtMarkers_Limit(t *testing.T) {
	dir := t.TempDir()
	body := strings.Repeat("// FIXME: tidy\n", 10)
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "blob.bin"), []byte("TODO\x00\x01"), 0o644); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	got, err := snapshot.ScanDebtMarkers(context.Background(), dir, 4)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("markers = %d, want 4", len(got))
	}
	for _, m := range got {
		if strings.Contains(m, "blob.bin") {
			t.Fatalf("binary file scanned: %s", m)
		}
	}
}

func TestCheckEndpoints_KeepsOrderAndChecksAll(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer ok.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	var eps []config.ServiceEndpoint
	for i := 0; i < 6; i++ {
		url := ok.URL
		if i%2 == 1 {
			url = down.URL
		}
		eps = append(eps, config.ServiceEndpoint{Name: "svc" + string(rune('a'+i)), URL: url})
	}
	checks := snapshot.CheckEndpoints(context.Background(), http.DefaultClient, eps)
	if len(checks) != len(eps) {
		t.Fatalf("got %d checks, want %d", len(checks), len(eps))
	}
	for i, c := range checks {
		if c.Endpoint.Name != eps[i].Name {
			t.Fatalf("check %d is %s, want %s", i, c.Endpoint.Name, eps[i].Name)
		}
		if failed := c.Err != nil; failed != (i%2 == 1) {
			t.Fatalf("check %s err = %v", c.Endpoint.Name, c.Err)
		}
	}
}

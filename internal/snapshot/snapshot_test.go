package snapshot_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/snapshot"
)

func openStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "relay.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func okProbe(name persistence.ProbeName, f snapshot.Finding) snapshot.Probe {
	return snapshot.Probe{Name: name, Run: func(context.Context) (snapshot.Finding, error) { return f, nil }}
}

func failProbe(name persistence.ProbeName, err error) snapshot.Probe {
	return snapshot.Probe{Name: name, Run: func(context.Context) (snapshot.Finding, error) { return snapshot.Finding{}, err }}
}

func hangProbe(name persistence.ProbeName) snapshot.Probe {
	return snapshot.Probe{Name: name, Run: func(ctx context.Context) (snapshot.Finding, error) {
		<-ctx.Done()
		return snapshot.Finding{}, ctx.Err()
	}}
}

func TestCapture_AllProbesFailing(t *testing.T) {
	store := openStore(t, nil)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	probes := []snapshot.Probe{
		failProbe(persistence.ProbeServices, errors.New("connection refused")),
		failProbe(persistence.ProbeStore, errors.New("disk I/O error")),
		hangProbe(persistence.ProbeAssets),
		{Name: persistence.ProbeChanges, Run: func(context.Context) (snapshot.Finding, error) { panic("git exploded") }},
		failProbe(persistence.ProbeDeployment, errors.New("no rows")),
		failProbe(persistence.ProbeIssues, errors.New("scan failed")),
	}
	m := snapshot.New(store, probes, snapshot.Options{ProbeTimeout: 50 * time.Millisecond, Budget: time.Second})

	pc := m.Capture(context.Background())
	if pc == nil {
		t.Fatal("capture returned nil")
	}
	if len(pc.SystemState) != len(persistence.AllProbes) {
		t.Fatalf("system_state has %d probes, want %d", len(pc.SystemState), len(persistence.AllProbes))
	}
	for name, r := range pc.SystemState {
		if r.Status == persistence.ProbeOK || r.Error == "" {
			t.Fatalf("probe %s = %+v, want an error marker", name, r)
		}
	}
	if got := pc.SystemState[persistence.ProbeAssets].Status; got != persistence.ProbeTimedOut {
		t.Fatalf("hung probe status = %s, want timed_out", got)
	}
	if got := pc.SystemState[persistence.ProbeChanges].Error; !strings.Contains(got, "panicked") {
		t.Fatalf("panicking probe error = %q", got)
	}
	if got := pc.SystemState[persistence.ProbeServices].Error; !strings.Contains(got, "probe failed") {
		t.Fatalf("error marker lacks probe taxonomy: %q", got)
	}

	latest, err := m.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != pc.ID || latest.Failed() != len(persistence.AllProbes) {
		t.Fatalf("persisted snapshot = %s failed=%d", latest.ID, latest.Failed())
	}
}

func TestCapture_BudgetMarksPendingTimedOut(t *testing.T) {
	store := openStore(t, nil)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	probes := []snapshot.Probe{
		okProbe(persistence.ProbeStore, snapshot.Finding{Summary: "reachable"}),
		hangProbe(persistence.ProbeServices),
		hangProbe(persistence.ProbeChanges),
	}
	m := snapshot.New(store, probes, snapshot.Options{ProbeTimeout: 10 * time.Second, Budget: 100 * time.Millisecond})

	start := time.Now()
	pc := m.Capture(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("capture took %s, budget not enforced", elapsed)
	}
	if pc.SystemState[persistence.ProbeStore].Status != persistence.ProbeOK {
		t.Fatalf("fast probe = %+v", pc.SystemState[persistence.ProbeStore])
	}
	for _, name := range []persistence.ProbeName{persistence.ProbeServices, persistence.ProbeChanges} {
		if got := pc.SystemState[name].Status; got != persistence.ProbeTimedOut {
			t.Fatalf("probe %s = %s, want timed_out", name, got)
		}
	}
}

func TestCapture_FoldsFindings(t *testing.T) {
	store := openStore(t, nil)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	at := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	probes := []snapshot.Probe{
		okProbe(persistence.ProbeChanges, snapshot.Finding{
			Summary:       "1 recent commits",
			RecentChanges: []persistence.Change{{Hash: "abc123", Author: "dev", At: at, Subject: "fix pump alarm"}},
		}),
		okProbe(persistence.ProbeDeployment, snapshot.Finding{
			DeploymentStatus: "approved",
			TestResults:      map[string]string{"store_integrity": "passed"},
		}),
		okProbe(persistence.ProbeIssues, snapshot.Finding{
			KnownIssues:   []string{"task t1 failed"},
			TechnicalDebt: []string{"main.go:3: // TODO: retry"},
		}),
		failProbe(persistence.ProbeAssets, errors.New("missing assets: logo.png")),
	}
	m := snapshot.New(store, probes, snapshot.Options{Features: []string{"handoffs", "knowledge"}})

	pc := m.Capture(context.Background())
	if len(pc.RecentChanges) != 1 || pc.RecentChanges[0].Hash != "abc123" {
		t.Fatalf("recent changes = %+v", pc.RecentChanges)
	}
	if pc.DeploymentStatus != "approved" || pc.TestResults["store_integrity"] != "passed" {
		t.Fatalf("deployment = %q %v", pc.DeploymentStatus, pc.TestResults)
	}
	if len(pc.KnownIssues) != 1 || len(pc.TechnicalDebt) != 1 {
		t.Fatalf("issues = %v debt = %v", pc.KnownIssues, pc.TechnicalDebt)
	}
	if len(pc.ActiveFeatures) != 2 {
		t.Fatalf("features = %v", pc.ActiveFeatures)
	}
	if pc.Failed() != 1 {
		t.Fatalf("failed probes = %d, want 1", pc.Failed())
	}
}

func TestCapture_StoreFailureStillReturnsSnapshot(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicContextCaptured)
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "relay.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	_ = store.Close()

	m := snapshot.New(store, []snapshot.Probe{okProbe(persistence.ProbeStore, snapshot.Finding{})}, snapshot.Options{Bus: b})
	pc := m.Capture(context.Background())
	if pc == nil || pc.ID == "" {
		t.Fatalf("capture = %+v, want a snapshot with an id", pc)
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.ContextCapturedEvent)
		if payload.Persisted || payload.ContextID != pc.ID {
			t.Fatalf("event = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no context.captured event")
	}
}

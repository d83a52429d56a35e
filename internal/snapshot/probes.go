package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/relay/internal/config"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/shared"
	"github.com/basket/relay/internal/vcs"
)

// ProbeDeps configures the built-in probe set.
type ProbeDeps struct {
	Store         *persistence.Store
	HTTPClient    *http.Client
	Services      []config.ServiceEndpoint
	AssetPaths    []string
	RepoPath      string
	RecentChanges int
	ScanDirs      []string
	IssueWindow   time.Duration
	Now           func() time.Time
}

// DefaultProbes returns the six built-in probes in their fixed order.
func DefaultProbes(d ProbeDeps) []Probe {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{}
	}
	if d.IssueWindow <= 0 {
		d.IssueWindow = 24 * time.Hour
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return []Probe{
		{Name: persistence.ProbeServices, Run: servicesProbe(d.HTTPClient, d.Services)},
		{Name: persistence.ProbeStore, Run: storeProbe(d.Store)},
		{Name: persistence.ProbeAssets, Run: assetsProbe(d.AssetPaths)},
		{Name: persistence.ProbeChanges, Run: changesProbe(d.RepoPath, d.RecentChanges)},
		{Name: persistence.ProbeDeployment, Run: deploymentProbe(d.Store)},
		{Name: persistence.ProbeIssues, Run: issuesProbe(d.Store, d.ScanDirs, d.IssueWindow, d.Now)},
	}
}

// CheckEndpoint GETs url and fails on transport errors and non-2xx codes.
func CheckEndpoint(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// EndpointCheck is the outcome of one CheckEndpoints call.
type EndpointCheck struct {
	Endpoint config.ServiceEndpoint
	Err      error
	Duration time.Duration
}

const maxConcurrentChecks = 4

// CheckEndpoints checks every endpoint, a few at a time, and returns the
// outcomes in endpoint order. A failing endpoint does not cancel the rest.
func CheckEndpoints(ctx context.Context, client *http.Client, endpoints []config.ServiceEndpoint) []EndpointCheck {
	out := make([]EndpointCheck, len(endpoints))
	var g errgroup.Group
	g.SetLimit(maxConcurrentChecks)
	for i, ep := range endpoints {
		g.Go(func() error {
			start := time.Now()
			err := CheckEndpoint(ctx, client, ep.URL)
			out[i] = EndpointCheck{Endpoint: ep, Err: err, Duration: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func servicesProbe(client *http.Client, endpoints []config.ServiceEndpoint) func(context.Context) (Finding, error) {
	return func(ctx context.Context) (Finding, error) {
		if len(endpoints) == 0 {
			return Finding{Summary: "no endpoints configured"}, nil
		}
		var failures []string
		for _, c := range CheckEndpoints(ctx, client, endpoints) {
			if c.Err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", c.Endpoint.Name, c.Err))
			}
		}
		if ctx.Err() != nil {
			return Finding{}, ctx.Err()
		}
		if len(failures) > 0 {
			return Finding{}, fmt.Errorf("%d/%d endpoints unhealthy: %s", len(failures), len(endpoints), strings.Join(failures, "; "))
		}
		return Finding{Summary: fmt.Sprintf("%d endpoints healthy", len(endpoints))}, nil
	}
}

func storeProbe(store *persistence.Store) func(context.Context) (Finding, error) {
	return func(ctx context.Context) (Finding, error) {
		if err := store.Ping(ctx); err != nil {
			return Finding{}, err
		}
		counts, err := store.Counts(ctx)
		if err != nil {
			return Finding{}, err
		}
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = fmt.Sprintf("%s=%d", name, counts[name])
		}
		return Finding{Summary: "reachable; " + strings.Join(parts, " ")}, nil
	}
}

func assetsProbe(paths []string) func(context.Context) (Finding, error) {
	return func(ctx context.Context) (Finding, error) {
		if len(paths) == 0 {
			return Finding{Summary: "no asset paths configured"}, nil
		}
		var missing []string
		for _, p := range paths {
			if err := ctx.Err(); err != nil {
				return Finding{}, err
			}
			if _, err := os.Stat(p); err != nil {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			return Finding{}, fmt.Errorf("missing assets: %s", strings.Join(missing, ", "))
		}
		return Finding{Summary: fmt.Sprintf("%d asset paths present", len(paths))}, nil
	}
}

func changesProbe(repoPath string, count int) func(context.Context) (Finding, error) {
	return func(ctx context.Context) (Finding, error) {
		if repoPath == "" {
			return Finding{Summary: "no repository configured"}, nil
		}
		commits, err := vcs.RecentCommits(ctx, repoPath, count)
		if err != nil {
			return Finding{}, err
		}
		changes := make([]persistence.Change, len(commits))
		for i, c := range commits {
			changes[i] = persistence.Change{Hash: c.Hash, Author: c.Author, At: c.At, Subject: c.Subject}
		}
		return Finding{
			Summary:       fmt.Sprintf("%d recent commits", len(changes)),
			RecentChanges: changes,
		}, nil
	}
}

func deploymentProbe(store *persistence.Store) func(context.Context) (Finding, error) {
	return func(ctx context.Context) (Finding, error) {
		d, err := store.LatestDeployment(ctx)
		if errors.Is(err, shared.ErrNotFound) {
			return Finding{Summary: "no deployments recorded", DeploymentStatus: "none"}, nil
		}
		if err != nil {
			return Finding{}, err
		}
		return Finding{
			Summary:          fmt.Sprintf("latest deployment %s is %s", d.ID, d.Status),
			DeploymentStatus: string(d.Status),
			TestResults:      d.TestResults,
		}, nil
	}
}

func issuesProbe(store *persistence.Store, scanDirs []string, window time.Duration, now func() time.Time) func(context.Context) (Finding, error) {
	return func(ctx context.Context) (Finding, error) {
		at := now().UTC()
		var issues []string

		troubled, err := store.ListTasks(ctx, persistence.TaskFilter{
			Statuses: []persistence.TaskStatus{persistence.TaskStatusFailed, persistence.TaskStatusBlocked},
		})
		if err != nil {
			return Finding{}, err
		}
		for _, t := range troubled {
			issues = append(issues, fmt.Sprintf("task %s %q is %s", t.ID, t.Title, t.Status))
		}

		overdue, err := store.OverdueTasks(ctx, at)
		if err != nil {
			return Finding{}, err
		}
		for _, t := range overdue {
			issues = append(issues, fmt.Sprintf("task %s %q overdue since %s", t.ID, t.Title, t.DueDate.Format(time.RFC3339)))
		}

		events, err := store.ListEvents(ctx, persistence.EventFilter{Kind: persistence.EventKindIssue, Since: at.Add(-window)})
		if err != nil {
			return Finding{}, err
		}
		for _, ev := range events {
			if ev.EventType == "task.failed" || ev.EventType == "task.blocked" {
				continue
			}
			issues = append(issues, ev.Message)
		}

		var debt []string
		for _, dir := range scanDirs {
			found, err := ScanDebtMarkers(ctx, dir, maxDebtMarkers-len(debt))
			if err != nil {
				return Finding{}, err
			}
			debt = append(debt, found...)
		}

		return Finding{
			Summary:       fmt.Sprintf("%d known issues, %d debt markers", len(issues), len(debt)),
			KnownIssues:   issues,
			TechnicalDebt: debt,
		}, nil
	}
}

const (
	maxDebtMarkers = 50
	maxScanBytes   = 1 << 20
)

var skipDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true}

// ScanDebtMarkers walks root for TODO and FIXME markers and returns up to
// limit entries formatted as "path:line: text". Binary and very large files
// are skipped.
func ScanDebtMarkers(ctx context.Context, root string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxScanBytes {
			return nil
		}
		found, err := scanFile(path, limit-len(out))
		if err != nil {
			return nil
		}
		out = append(out, found...)
		if len(out) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("scan %s: %w", root, err)
	}
	return out, nil
}

func scanFile(path string, limit int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return nil, nil
	}
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxScanBytes)
	line := 0
	for sc.Scan() && len(out) < limit {
		line++
		text := sc.Text()
		if !strings.Contains(text, "TODO") && !strings.Contains(text, "FIXME") {
			continue
		}
		out = append(out, fmt.Sprintf("%s:%d: %s", path, line, strings.TrimSpace(text)))
	}
	return out, nil
}

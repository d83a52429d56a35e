// Package vcs reads the version-control log of the project being
// orchestrated. It only ever runs read-only git commands.
package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Commit is one line of `git log`.
type Commit struct {
	Hash    string
	Author  string
	At      time.Time
	Subject string
}

func RunGit(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath

	out, err := cmd.CombinedOutput()
	output := strings.TrimRight(string(out), " \t\r\n")
	if err != nil {
		return output, fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), output, err)
	}
	return output, nil
}

const logFormat = "--format=%h|%an|%aI|%s"

// RecentCommits returns the last count commits of the repository at repoPath.
func RecentCommits(ctx context.Context, repoPath string, count int) ([]Commit, error) {
	if count <= 0 {
		count = 10
	}
	out, err := RunGit(ctx, repoPath, "log", fmt.Sprintf("-n%d", count), logFormat)
	if err != nil {
		return nil, err
	}
	return parseLog(out), nil
}

func parseLog(out string) []Commit {
	if strings.TrimSpace(out) == "" {
		return nil
	}
	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			continue
		}
		at, _ := time.Parse(time.RFC3339, parts[2])
		commits = append(commits, Commit{
			Hash:    parts[0],
			Author:  parts[1],
			At:      at.UTC(),
			Subject: parts[3],
		})
	}
	return commits
}

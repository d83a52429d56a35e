package main

import (
	"context"
	"io"

	"github.com/basket/relay/internal/shared"
)

func runContextCommand(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	sub, rest, err := subcommand(args, "context")
	if err != nil {
		return err
	}
	if sub != "capture" {
		return usageErrorf("context: unknown subcommand %q", sub)
	}
	if err := parseFlags(newFlagSet("context capture"), rest); err != nil {
		return err
	}
	return writeJSON(stdout, a.orch.CaptureContext(ctx))
}

// runDeployCommand prints the deployment result either way. A blocked
// deployment also returns an error so the exit code reflects it.
func runDeployCommand(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("deploy")
	agent := fs.String("agent", "", "deploying agent")
	description := fs.String("description", "", "what is being deployed")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	res, err := a.orch.DeployWithSafety(ctx, *agent, *description)
	if err != nil {
		return err
	}
	if err := writeJSON(stdout, res); err != nil {
		return err
	}
	return res.Err()
}

func runRollbackCommand(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("rollback")
	backupID := fs.String("backup", "", "backup id from a deploy result")
	agent := fs.String("agent", "", "agent performing the rollback")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *agent != "" {
		ctx = shared.WithAgentID(ctx, *agent)
	}
	res, err := a.orch.RollbackDeployment(ctx, *backupID)
	if err != nil {
		return err
	}
	return writeJSON(stdout, res)
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: relay <command> [flags]

SESSIONS:
  relay session start -agent ID [-notes TEXT]
  relay session end -session ID [-handoff-notes TEXT] [-next ID] [-urgency LEVEL]
                    [-completed ID,...] [-learned TEXT]... [-issue TEXT]...

TASKS:
  relay task assign -title T -agent ID -by ID [-priority P] [-description D]
                    [-effort H] [-due RFC3339] [-depends ID,...] [-criteria TEXT]
  relay task update -id ID -status S -agent ID [-notes TEXT] [-effort H] [-artifact PATH]...
  relay task claim -agent ID
  relay task recommend -agent ID

HANDOFFS:
  relay handoff initiate -from ID -to ID [-urgency LEVEL] [-notes TEXT]
  relay handoff receive -id ID -agent ID
  relay handoff pending -agent ID

KNOWLEDGE:
  relay knowledge add -topic T -content C -agent ID [-category C] [-confidence F] [-tag T]...
  relay knowledge query -q TEXT [-agent ID]
  relay knowledge validate -id ID -agent ID

OPERATIONS:
  relay context capture
  relay deploy -agent ID [-description TEXT]
  relay rollback -backup ID [-agent ID]
  relay doctor [-json]
  relay daemon                Run scheduled snapshots and retention until interrupted

Output is JSON on stdout. Errors are JSON on stderr with a non-zero exit code.

ENVIRONMENT VARIABLES:
  RELAY_HOME              Data directory (default: ~/.relay)
  RELAY_LOG_LEVEL         debug, info, warn or error
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches one CLI invocation and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return exitUsage
	}
	cmd, rest := strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	switch cmd {
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	case "version":
		fmt.Fprintln(stdout, Version)
		return exitOK
	case "doctor":
		return runDoctorCommand(ctx, rest, stdout, stderr)
	case "daemon":
		return runDaemonCommand(ctx, rest, stdout, stderr)
	}

	handler, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printUsage(stderr)
		return exitUsage
	}

	a, err := openApp(ctx, true)
	if err != nil {
		return reportError(stderr, err)
	}
	defer a.Close()

	if err := handler(ctx, a, rest, stdout); err != nil {
		return reportError(stderr, err)
	}
	return exitOK
}

type commandFunc func(ctx context.Context, a *app, args []string, stdout io.Writer) error

var commands = map[string]commandFunc{
	"session":   runSessionCommand,
	"task":      runTaskCommand,
	"handoff":   runHandoffCommand,
	"knowledge": runKnowledgeCommand,
	"context":   runContextCommand,
	"deploy":    runDeployCommand,
	"rollback":  runRollbackCommand,
}

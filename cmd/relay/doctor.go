package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/basket/relay/internal/config"
	"github.com/basket/relay/internal/doctor"
	"github.com/basket/relay/internal/persistence"
)

func runDoctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("doctor")
	jsonOutput := fs.Bool("json", false, "JSON output")
	if err := parseFlags(fs, args); err != nil {
		return reportError(stderr, err)
	}

	env := doctor.Env{}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		// Continue anyway to diagnose why.
	} else {
		env.Config = &cfg
		store, err := persistence.Open(cfg.DBPath, nil)
		if err != nil {
			fmt.Fprintf(stderr, "Error opening store: %v\n", err)
		} else {
			defer store.Close()
			env.Store = store
		}
	}

	diag := doctor.Run(ctx, env, Version)
	code := exitOK
	if !diag.Healthy() {
		code = exitInternal
	}

	if *jsonOutput {
		if err := writeJSON(stdout, diag); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return exitInternal
		}
		return code
	}

	fmt.Fprintf(stdout, "Relay Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(stdout, "---")
	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case doctor.StatusFail, doctor.StatusError:
			icon = "❌"
		case doctor.StatusWarn:
			icon = "⚠️ "
		case doctor.StatusSkip:
			icon = "⏩"
		}
		fmt.Fprintf(stdout, "%s %-17s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "    %s\n", res.Detail)
		}
	}
	return code
}

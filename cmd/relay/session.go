package main

import (
	"context"
	"io"

	"github.com/basket/relay/internal/orchestrator"
	"github.com/basket/relay/internal/persistence"
)

func runSessionCommand(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	sub, rest, err := subcommand(args, "session")
	if err != nil {
		return err
	}
	switch sub {
	case "start":
		fs := newFlagSet("session start")
		agent := fs.String("agent", "", "agent id")
		notes := fs.String("notes", "", "start notes")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}
		boot, err := a.orch.StartSession(ctx, *agent, *notes)
		if err != nil {
			return err
		}
		return writeJSON(stdout, boot)

	case "end":
		fs := newFlagSet("session end")
		sessionID := fs.String("session", "", "session id")
		handoffNotes := fs.String("handoff-notes", "", "notes for the next agent")
		next := fs.String("next", "", "agent to hand off to")
		urgency := fs.String("urgency", "", "handoff urgency: low, normal, high, critical")
		completed := fs.String("completed", "", "comma separated completed task ids")
		var learned, issues stringList
		fs.Var(&learned, "learned", "knowledge gained (repeatable)")
		fs.Var(&issues, "issue", "issue note (repeatable)")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}
		sum, err := a.orch.EndSession(ctx, orchestrator.EndRequest{
			SessionID:       *sessionID,
			CompletedTasks:  splitList(*completed),
			KnowledgeGained: learned,
			Issues:          issues,
			HandoffNotes:    *handoffNotes,
			NextAgent:       *next,
			Urgency:         persistence.Urgency(*urgency),
		})
		if err != nil {
			return err
		}
		return writeJSON(stdout, sum)
	}
	return usageErrorf("session: unknown subcommand %q", sub)
}

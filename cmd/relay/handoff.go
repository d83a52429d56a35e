package main

import (
	"context"
	"io"

	"github.com/basket/relay/internal/handoff"
	"github.com/basket/relay/internal/persistence"
)

func runHandoffCommand(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	sub, rest, err := subcommand(args, "handoff")
	if err != nil {
		return err
	}
	switch sub {
	case "initiate":
		fs := newFlagSet("handoff initiate")
		from := fs.String("from", "", "sending agent")
		to := fs.String("to", "", "receiving agent")
		urgency := fs.String("urgency", string(persistence.UrgencyNormal), "low, normal, high or critical")
		notes := fs.String("notes", "", "handoff notes")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}
		h, err := a.orch.InitiateHandoff(ctx, handoff.Request{
			From:    *from,
			To:      *to,
			Urgency: persistence.Urgency(*urgency),
			Notes:   *notes,
		})
		if err != nil {
			return err
		}
		return writeJSON(stdout, h)

	case "receive":
		fs := newFlagSet("handoff receive")
		id := fs.String("id", "", "handoff id")
		agent := fs.String("agent", "", "receiving agent")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}
		h, err := a.orch.ReceiveHandoff(ctx, *id, *agent)
		if err != nil {
			return err
		}
		return writeJSON(stdout, h)

	case "pending":
		fs := newFlagSet("handoff pending")
		agent := fs.String("agent", "", "receiving agent")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}
		pending, err := a.orch.PendingHandoffs(ctx, *agent)
		if err != nil {
			return err
		}
		if pending == nil {
			pending = []persistence.Handoff{}
		}
		return writeJSON(stdout, pending)
	}
	return usageErrorf("handoff: unknown subcommand %q", sub)
}

package main

import (
	"context"
	"io"

	"github.com/basket/relay/internal/knowledge"
)

type addResult struct {
	ID string `json:"id"`
}

type validateResult struct {
	ID        string `json:"id"`
	Validated bool   `json:"validated"`
}

func runKnowledgeCommand(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	sub, rest, err := subcommand(args, "knowledge")
	if err != nil {
		return err
	}
	switch sub {
	case "add":
		fs := newFlagSet("knowledge add")
		category := fs.String("category", "", "category (default general)")
		topic := fs.String("topic", "", "topic")
		content := fs.String("content", "", "content")
		agent := fs.String("agent", "", "source agent")
		confidence := fs.Float64("confidence", 0.5, "confidence score in [0,1]")
		supersedes := fs.String("supersedes", "", "id of the entry this one replaces")
		var tags stringList
		fs.Var(&tags, "tag", "tag (repeatable)")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}
		id, err := a.orch.AddKnowledge(ctx, knowledge.AddRequest{
			Category:        *category,
			Topic:           *topic,
			Content:         *content,
			SourceAgent:     *agent,
			ConfidenceScore: *confidence,
			Tags:            tags,
			Supersedes:      *supersedes,
		})
		if err != nil {
			return err
		}
		return writeJSON(stdout, addResult{ID: id})

	case "query":
		fs := newFlagSet("knowledge query")
		q := fs.String("q", "", "free text query")
		agent := fs.String("agent", "", "querying agent")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}
		entries, err := a.orch.QueryKnowledge(ctx, *q, *agent)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []knowledge.Entry{}
		}
		return writeJSON(stdout, entries)

	case "validate":
		fs := newFlagSet("knowledge validate")
		id := fs.String("id", "", "entry id")
		agent := fs.String("agent", "", "validating agent")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}
		if err := a.orch.ValidateKnowledge(ctx, *id, *agent); err != nil {
			return err
		}
		return writeJSON(stdout, validateResult{ID: *id, Validated: true})
	}
	return usageErrorf("knowledge: unknown subcommand %q", sub)
}

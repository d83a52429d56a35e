package main

import (
	"context"
	"io"
	"time"

	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/workflow"
)

type assignResult struct {
	TaskID string                 `json:"task_id"`
	Status persistence.TaskStatus `json:"status"`
}

type claimResult struct {
	Task *persistence.Task `json:"task"`
}

func runTaskCommand(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	sub, rest, err := subcommand(args, "task")
	if err != nil {
		return err
	}
	switch sub {
	case "assign":
		fs := newFlagSet("task assign")
		title := fs.String("title", "", "task title")
		description := fs.String("description", "", "task description")
		agent := fs.String("agent", "", "assigned agent")
		by := fs.String("by", "", "creating agent")
		priority := fs.String("priority", string(persistence.PriorityMedium), "low, medium, high or critical")
		effort := fs.Float64("effort", 0, "estimated effort in hours")
		due := fs.String("due", "", "due date (RFC3339)")
		depends := fs.String("depends", "", "comma separated task ids that must complete first")
		var criteria, requirements stringList
		fs.Var(&criteria, "criteria", "completion criterion (repeatable)")
		fs.Var(&requirements, "requires", "context requirement (repeatable)")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}
		req := workflow.AssignRequest{
			Title:               *title,
			Description:         *description,
			AssignedAgent:       *agent,
			Priority:            persistence.TaskPriority(*priority),
			CreatedBy:           *by,
			EstimatedEffort:     *effort,
			Dependencies:        splitList(*depends),
			ContextRequirements: requirements,
			CompletionCriteria:  criteria,
		}
		if *due != "" {
			at, err := time.Parse(time.RFC3339, *due)
			if err != nil {
				return usageErrorf("task assign: -due: %v", err)
			}
			at = at.UTC()
			req.DueDate = &at
		}
		id, err := a.orch.AssignTask(ctx, req)
		if err != nil {
			return err
		}
		return writeJSON(stdout, assignResult{TaskID: id, Status: persistence.TaskStatusPending})

	case "update":
		fs := newFlagSet("task update")
		id := fs.String("id", "", "task id")
		status := fs.String("status", "", "new status")
		agent := fs.String("agent", "", "acting agent")
		notes := fs.String("notes", "", "progress note")
		effort := fs.Float64("effort", 0, "actual effort in hours")
		var artifacts stringList
		fs.Var(&artifacts, "artifact", "produced artifact (repeatable)")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}
		task, err := a.orch.UpdateTaskStatus(ctx, workflow.UpdateRequest{
			TaskID:       *id,
			Status:       persistence.TaskStatus(*status),
			Agent:        *agent,
			Notes:        *notes,
			ActualEffort: *effort,
			Artifacts:    artifacts,
		})
		if err != nil {
			return err
		}
		return writeJSON(stdout, task)

	case "claim":
		fs := newFlagSet("task claim")
		agent := fs.String("agent", "", "claiming agent")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}
		task, err := a.orch.ClaimTask(ctx, *agent)
		if err != nil {
			return err
		}
		return writeJSON(stdout, claimResult{Task: task})

	case "recommend":
		fs := newFlagSet("task recommend")
		agent := fs.String("agent", "", "agent id")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}
		recs, err := a.orch.GetTaskRecommendations(ctx, *agent)
		if err != nil {
			return err
		}
		if recs == nil {
			recs = []persistence.Recommendation{}
		}
		return writeJSON(stdout, recs)
	}
	return usageErrorf("task: unknown subcommand %q", sub)
}

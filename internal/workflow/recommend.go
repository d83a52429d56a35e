package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/relay/internal/persistence"
)

// Recommendation kinds.
const (
	KindPriorityFocus = "priority_focus"
	KindOverdueAlert  = "overdue_alert"
	KindRoleGuidance  = "role_guidance"
)

var roleGuidance = map[string][]string{
	"backend": {
		"Run the store integrity check before schema-affecting work.",
		"Confirm API health endpoints respond before closing a task.",
	},
	"frontend": {
		"Verify static assets are present after each build.",
		"Check recent changes for API contract updates.",
	},
	"qa": {
		"Re-run the pre-deployment battery before signing off.",
		"Log every reproducible failure as an issue note.",
	},
	"devops": {
		"Take a backup before any deployment.",
		"Review the latest deployment status and rollback points.",
	},
	"general": {
		"Review the latest context snapshot before starting work.",
		"Record what you learned as knowledge entries before ending the session.",
	},
}

// RoleGuidance returns the static suggestions for role. Unknown roles get
// the general guidance.
func RoleGuidance(role string) []string {
	if g, ok := roleGuidance[role]; ok {
		return g
	}
	return roleGuidance["general"]
}

// GetTaskRecommendations flags the agent's open high and critical tasks and
// overdue tasks, then appends guidance for the agent's role. It only reads.
func (m *Manager) GetTaskRecommendations(ctx context.Context, agent string) ([]persistence.Recommendation, error) {
	tasks, err := m.ActiveTasks(ctx, agent)
	if err != nil {
		return nil, err
	}
	return Recommend(tasks, m.roleOf(agent), m.now()), nil
}

// Recommend derives recommendations from a task list without touching the
// store. Handoffs reuse it on their copied task set.
func Recommend(tasks []persistence.Task, role string, at time.Time) []persistence.Recommendation {
	var urgent, overdue []string
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if t.Priority == persistence.PriorityHigh || t.Priority == persistence.PriorityCritical {
			urgent = append(urgent, t.ID)
		}
		if t.DueDate != nil && t.DueDate.Before(at) {
			overdue = append(overdue, t.ID)
		}
	}

	var out []persistence.Recommendation
	if len(urgent) > 0 {
		out = append(out, persistence.Recommendation{
			Kind:     KindPriorityFocus,
			Priority: string(persistence.PriorityHigh),
			Message:  fmt.Sprintf("Focus on %d high or critical priority task(s) first.", len(urgent)),
			TaskIDs:  urgent,
		})
	}
	if len(overdue) > 0 {
		out = append(out, persistence.Recommendation{
			Kind:     KindOverdueAlert,
			Priority: string(persistence.PriorityCritical),
			Message:  fmt.Sprintf("%d task(s) are past their due date.", len(overdue)),
			TaskIDs:  overdue,
		})
	}
	for _, g := range RoleGuidance(role) {
		out = append(out, persistence.Recommendation{
			Kind:    KindRoleGuidance,
			Message: g,
		})
	}
	return out
}

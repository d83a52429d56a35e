package handoff

import (
	"fmt"
	"time"

	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/workflow"
)

const (
	KindPriorityDistribution = "priority_distribution"
	KindIssueReview          = "issue_review"
	KindUrgentHandoff        = "urgent_handoff"
)

// Recommend builds the guidance attached to a handoff: the task-level
// recommendations for the recipient's role, the priority mix of the copied
// tasks, and the outstanding issue count.
func Recommend(tasks []persistence.Task, issues []string, role string, urgency persistence.Urgency, at time.Time) []persistence.Recommendation {
	var out []persistence.Recommendation
	if urgency == persistence.UrgencyCritical || urgency == persistence.UrgencyHigh {
		out = append(out, persistence.Recommendation{
			Kind:     KindUrgentHandoff,
			Priority: string(urgency),
			Message:  fmt.Sprintf("Handoff marked %s: acknowledge it before starting other work.", urgency),
		})
	}

	out = append(out, workflow.Recommend(tasks, role, at)...)

	if len(tasks) > 0 {
		counts := map[persistence.TaskPriority]int{}
		for _, t := range tasks {
			counts[t.Priority]++
		}
		msg := fmt.Sprintf("%d task(s) in flight: critical=%d high=%d medium=%d low=%d.",
			len(tasks), counts[persistence.PriorityCritical], counts[persistence.PriorityHigh],
			counts[persistence.PriorityMedium], counts[persistence.PriorityLow])
		out = append(out, persistence.Recommendation{Kind: KindPriorityDistribution, Message: msg})
	}

	if n := len(issues); n > 0 {
		priority := persistence.PriorityMedium
		if n >= 5 {
			priority = persistence.PriorityHigh
		}
		out = append(out, persistence.Recommendation{
			Kind:     KindIssueReview,
			Priority: string(priority),
			Message:  fmt.Sprintf("Review %d outstanding issue(s) before new work.", n),
		})
	}
	return out
}

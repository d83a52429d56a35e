package bus

// Task lifecycle topics.
const (
	TopicTaskAssigned     = "task.assigned"
	TopicTaskStateChanged = "task.state_changed"
)

// Handoff protocol topics.
const (
	TopicHandoffInitiated  = "handoff.initiated"
	TopicHandoffCompleted  = "handoff.completed"
	TopicHandoffSuperseded = "handoff.superseded"
)

// Session topics.
const (
	TopicSessionStarted = "session.started"
	TopicSessionEnded   = "session.ended"
)

// Context snapshot and deployment topics.
const (
	TopicContextCaptured      = "context.captured"
	TopicDeploymentDecided    = "deployment.decided"
	TopicDeploymentRolledBack = "deployment.rolled_back"
	TopicKnowledgeAdded       = "knowledge.added"
)

// TaskStateChangedEvent is published after a task transition commits.
type TaskStateChangedEvent struct {
	TaskID    string
	AgentID   string // agent that performed the transition
	OldStatus string
	NewStatus string
}

// TaskAssignedEvent is published after a task is created.
type TaskAssignedEvent struct {
	TaskID        string
	AssignedAgent string
	CreatedBy     string
	Priority      string
}

// HandoffEvent is published for every handoff state change.
type HandoffEvent struct {
	HandoffID string
	FromAgent string
	ToAgent   string
	Status    string
}

// SessionEvent is published when a session starts or ends.
type SessionEvent struct {
	SessionID string
	AgentID   string
	Status    string
}

// ContextCapturedEvent is published after a snapshot is assembled.
type ContextCapturedEvent struct {
	ContextID string
	Failed    int // probes that errored or timed out
	Persisted bool
}

// DeploymentEvent is published when the safety gate decides or rolls back.
type DeploymentEvent struct {
	DeploymentID string
	BackupID     string
	AgentID      string
	Status       string
}

// KnowledgeAddedEvent is published after a knowledge entry is appended.
type KnowledgeAddedEvent struct {
	EntryID     string
	Topic       string
	SourceAgent string
}

package workflow

import (
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/shared"
)

// allowedTransitions is the complete task state machine. Completed and
// failed are terminal.
var allowedTransitions = map[persistence.TaskStatus]map[persistence.TaskStatus]struct{}{
	persistence.TaskStatusPending: {
		persistence.TaskStatusInProgress: {},
	},
	persistence.TaskStatusInProgress: {
		persistence.TaskStatusCompleted: {},
		persistence.TaskStatusFailed:    {},
		persistence.TaskStatusBlocked:   {},
	},
	persistence.TaskStatusBlocked: {
		persistence.TaskStatusInProgress: {},
	},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to persistence.TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ValidateTransition returns ErrValidation for any edge CanTransition rejects.
func ValidateTransition(from, to persistence.TaskStatus) error {
	if !to.Valid() {
		return shared.Validationf("unknown task status %q", to)
	}
	if !CanTransition(from, to) {
		return shared.Validationf("illegal transition %s -> %s", from, to)
	}
	return nil
}

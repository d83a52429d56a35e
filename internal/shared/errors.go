package shared

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every orchestrator component. Callers match with
// errors.Is; producers wrap with fmt.Errorf("...: %w", ErrX) to add detail.
var (
	// ErrNotFound: unknown task, handoff, session, context or backup id.
	ErrNotFound = errors.New("not found")

	// ErrValidation: bad enum, missing field, illegal transition, unmet dependency.
	ErrValidation = errors.New("validation failed")

	// ErrConflict: second active session for an agent, or a guarded update lost a race.
	ErrConflict = errors.New("conflict")

	// ErrMismatch: a handoff was received by an agent other than its to_agent.
	ErrMismatch = errors.New("agent mismatch")

	// ErrAlreadyCompleted: a terminal handoff was consumed a second time.
	ErrAlreadyCompleted = errors.New("already completed")

	// ErrProbe: a single context probe failed. Never escapes a snapshot capture.
	ErrProbe = errors.New("probe failed")

	// ErrPersistence: store read/write failure. Fatal to the call, safe to retry.
	ErrPersistence = errors.New("persistence failure")

	// ErrDeploymentBlocked: pre-deployment tests failed.
	ErrDeploymentBlocked = errors.New("deployment blocked")
)

// PersistenceError wraps a store failure with the operation that hit it.
// It matches ErrPersistence under errors.Is and unwraps to the driver error.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence wraps err as a PersistenceError. Errors that already carry a
// taxonomy sentinel are returned unchanged so NotFound/Conflict survive.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomain(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsDomain reports whether err already carries one of the taxonomy sentinels.
func IsDomain(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrValidation, ErrConflict, ErrMismatch,
		ErrAlreadyCompleted, ErrProbe, ErrPersistence, ErrDeploymentBlocked,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Validationf builds an ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Code returns a stable upper-case code for err, used by the CLI and audit log.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrMismatch):
		return "MISMATCH"
	case errors.Is(err, ErrAlreadyCompleted):
		return "ALREADY_COMPLETED"
	case errors.Is(err, ErrProbe):
		return "PROBE"
	case errors.Is(err, ErrPersistence):
		return "PERSISTENCE"
	case errors.Is(err, ErrDeploymentBlocked):
		return "DEPLOYMENT_BLOCKED"
	default:
		return "INTERNAL"
	}
}

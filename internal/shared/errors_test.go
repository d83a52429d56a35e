package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestPersistence_MatchesSentinelAndUnwraps(t *testing.T) {
	driverErr := errors.New("disk I/O error")
	err := Persistence("insert task", driverErr)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if !errors.Is(err, driverErr) {
		t.Fatalf("expected driver error in chain, got %v", err)
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "insert task" {
		t.Fatalf("expected PersistenceError with op, got %#v", err)
	}
}

func TestPersistence_KeepsDomainErrors(t *testing.T) {
	notFound := fmt.Errorf("task %q: %w", "t1", ErrNotFound)
	err := Persistence("get task", notFound)
	if err != notFound {
		t.Fatalf("expected domain error unchanged, got %v", err)
	}
	if Persistence("noop", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestCode(t *testing.T) {
	cases := map[string]error{
		"OK":                 nil,
		"NOT_FOUND":          fmt.Errorf("x: %w", ErrNotFound),
		"VALIDATION":         Validationf("bad priority %q", "urgent"),
		"CONFLICT":           ErrConflict,
		"MISMATCH":           ErrMismatch,
		"ALREADY_COMPLETED":  ErrAlreadyCompleted,
		"PERSISTENCE":        Persistence("op", errors.New("boom")),
		"DEPLOYMENT_BLOCKED": ErrDeploymentBlocked,
		"INTERNAL":           errors.New("other"),
	}
	for want, err := range cases {
		if got := Code(err); got != want {
			t.Errorf("Code(%v) = %s, want %s", err, got, want)
		}
	}
}

package workflow

import (
	"errors"
	"testing"

	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/shared"
)

func TestCanTransition_FullTable(t *testing.T) {
	statuses := []persistence.TaskStatus{
		persistence.TaskStatusPending,
		persistence.TaskStatusInProgress,
		persistence.TaskStatusCompleted,
		persistence.TaskStatusFailed,
		persistence.TaskStatusBlocked,
	}
	allowed := map[[2]persistence.TaskStatus]bool{
		{persistence.TaskStatusPending, persistence.TaskStatusInProgress}:   true,
		{persistence.TaskStatusInProgress, persistence.TaskStatusCompleted}: true,
		{persistence.TaskStatusInProgress, persistence.TaskStatusFailed}:    true,
		{persistence.TaskStatusInProgress, persistence.TaskStatusBlocked}:   true,
		{persistence.TaskStatusBlocked, persistence.TaskStatusInProgress}:   true,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[[2]persistence.TaskStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
			err := ValidateTransition(from, to)
			if want && err != nil {
				t.Fatalf("ValidateTransition(%s, %s) = %v", from, to, err)
			}
			if !want && !errors.Is(err, shared.ErrValidation) {
				t.Fatalf("ValidateTransition(%s, %s) = %v, want ErrValidation", from, to, err)
			}
		}
	}
}

func TestValidateTransition_UnknownStatus(t *testing.T) {
	err := ValidateTransition(persistence.TaskStatusPending, "done")
	if !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

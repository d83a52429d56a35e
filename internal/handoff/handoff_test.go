package handoff_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/basket/relay/internal/audit"
	"github.com/basket/relay/internal/handoff"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/shared"
	"github.com/basket/relay/internal/snapshot"
)

type fixture struct {
	store   *persistence.Store
	manager *handoff.Manager
	audit   *audit.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "relay.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	rec, err := audit.Open(home, store.DB(), nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })

	snaps := snapshot.New(store, nil, snapshot.Options{Features: []string{"handoffs"}})
	m := handoff.New(store, snaps, handoff.Options{
		Audit: rec,
		RoleOf: func(agent string) string {
			if agent == "B" {
				return "qa"
			}
			return "general"
		},
	})
	return fixture{store: store, manager: m, audit: rec}
}

func (f fixture) task(t *testing.T, agent string, p persistence.TaskPriority) string {
	t.Helper()
	id, err := f.store.CreateTask(context.Background(), &persistence.Task{
		Title: "task", AssignedAgent: agent, Priority: p, CreatedBy: "lead",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

var payloadOpts = []cmp.Option{
	cmpopts.EquateEmpty(),
	cmpopts.IgnoreFields(persistence.Handoff{}, "Status", "CompletedAt"),
}

func TestHandoff_InitiateThenReceiveExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	critical := f.task(t, "A", persistence.PriorityCritical)
	f.task(t, "A", persistence.PriorityLow)
	f.task(t, "C", persistence.PriorityHigh)
	if err := f.store.AppendEvent(ctx, persistence.DevelopmentEvent{
		Kind: persistence.EventKindIssue, EventType: "session.issue", Message: "chiller 2 alarm",
	}); err != nil {
		t.Fatalf("append issue: %v", err)
	}

	sent, err := f.manager.InitiateHandoff(ctx, handoff.Request{From: "A", To: "B", Notes: "see the chiller"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if sent.Status != persistence.HandoffPending || sent.Urgency != persistence.UrgencyNormal {
		t.Fatalf("initiated handoff = %s/%s", sent.Status, sent.Urgency)
	}
	if len(sent.ActiveTasks) != 2 || sent.ActiveTasks[0].ID != critical {
		t.Fatalf("copied tasks = %+v", sent.ActiveTasks)
	}
	if diff := cmp.Diff([]string{"chiller 2 alarm"}, sent.PendingIssues); diff != "" {
		t.Fatalf("pending issues (-want +got):\n%s", diff)
	}
	kinds := map[string]bool{}
	for _, r := range sent.Recommendations {
		kinds[r.Kind] = true
	}
	for _, want := range []string{"priority_focus", "role_guidance", handoff.KindPriorityDistribution, handoff.KindIssueReview} {
		if !kinds[want] {
			t.Fatalf("missing %s recommendation in %+v", want, sent.Recommendations)
		}
	}

	pending, err := f.manager.Pending(ctx, "B")
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %d, %v", len(pending), err)
	}

	if _, err := f.manager.ReceiveHandoff(ctx, sent.ID, "C"); !errors.Is(err, shared.ErrMismatch) {
		t.Fatalf("wrong agent: err = %v, want ErrMismatch", err)
	}
	got, err := f.manager.ReceiveHandoff(ctx, sent.ID, "B")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.Status != persistence.HandoffCompleted || got.CompletedAt == nil {
		t.Fatalf("received = %s at %v", got.Status, got.CompletedAt)
	}
	if diff := cmp.Diff(sent, got, payloadOpts...); diff != "" {
		t.Fatalf("received payload differs from initiated (-sent +got):\n%s", diff)
	}
	if _, err := f.manager.ReceiveHandoff(ctx, sent.ID, "B"); !errors.Is(err, shared.ErrAlreadyCompleted) {
		t.Fatalf("second receive: err = %v, want ErrAlreadyCompleted", err)
	}
	if _, err := f.manager.ReceiveHandoff(ctx, "missing", "B"); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("unknown id: err = %v, want ErrNotFound", err)
	}
	if f.audit.DenyCount() != 3 {
		t.Fatalf("audit deny count = %d, want 3", f.audit.DenyCount())
	}
}

func TestHandoff_SnapshotAndTasksAreCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.task(t, "A", persistence.PriorityHigh)

	sent, err := f.manager.InitiateHandoff(ctx, handoff.Request{From: "A", To: "B"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	before := sent.ActiveTasks[0]

	if _, err := f.store.TransitionTask(ctx, persistence.Transition{
		TaskID: id, From: persistence.TaskStatusPending, To: persistence.TaskStatusInProgress, Agent: "A",
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	later, err := f.manager.Get(ctx, sent.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(before, later.ActiveTasks[0], cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("task copy changed after source task moved (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(sent.ContextSnapshot, later.ContextSnapshot, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("context snapshot copy changed (-sent +stored):\n%s", diff)
	}
}

func TestHandoff_NewerSupersedesOlderForSameRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.InitiateHandoff(ctx, handoff.Request{From: "A", To: "B"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.manager.InitiateHandoff(ctx, handoff.Request{From: "C", To: "B", Urgency: persistence.UrgencyCritical})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Recommendations[0].Kind != handoff.KindUrgentHandoff {
		t.Fatalf("critical handoff recommendations = %+v", second.Recommendations)
	}

	pending, err := f.manager.Pending(ctx, "B")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("pending = %+v", pending)
	}
	if _, err := f.manager.ReceiveHandoff(ctx, first.ID, "B"); !errors.Is(err, shared.ErrConflict) {
		t.Fatalf("receive superseded: err = %v, want ErrConflict", err)
	}
}

func TestHandoff_ConcurrentReceiveHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h, err := f.manager.InitiateHandoff(ctx, handoff.Request{From: "A", To: "B"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	const racers = 6
	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.ReceiveHandoff(ctx, h.ID, "B")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, shared.ErrAlreadyCompleted):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestHandoff_RequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, req := range []handoff.Request{
		{From: "", To: "B"},
		{From: "A", To: " "},
		{From: "A", To: "A"},
		{From: "A", To: "B", Urgency: "whenever"},
	} {
		if _, err := f.manager.InitiateHandoff(ctx, req); !errors.Is(err, shared.ErrValidation) {
			t.Fatalf("request %+v: err = %v, want ErrValidation", req, err)
		}
	}
}

func TestHandoff_NotesAreRedacted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h, err := f.manager.InitiateHandoff(ctx, handoff.Request{
		From: "A", To: "B", Notes: "staging login is password=hunter2hunter2, rotate it",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	got, err := f.manager.Get(ctx, h.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := "staging login is password=[REDACTED] rotate it"; got.Notes != want {
		t.Fatalf("notes = %q, want %q", got.Notes, want)
	}
}

func TestRecommend_IssueCountRaisesPriority(t *testing.T) {
	issues := []string{"a", "b", "c", "d", "e"}
	recs := handoff.Recommend(nil, issues, "general", persistence.UrgencyLow, time.Now())
	var review *persistence.Recommendation
	for i := range recs {
		if recs[i].Kind == handoff.KindIssueReview {
			review = &recs[i]
		}
	}
	if review == nil || review.Priority != string(persistence.PriorityHigh) {
		t.Fatalf("issue review = %+v", review)
	}
	for _, r := range recs {
		if r.Kind == handoff.KindPriorityDistribution || r.Kind == handoff.KindUrgentHandoff {
			t.Fatalf("unexpected %s recommendation with no tasks and low urgency", r.Kind)
		}
	}
}

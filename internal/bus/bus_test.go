package bus

import (
	"sync"
	"testing"
	"time"
)

func drain(sub *Subscription) int {
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			return count
		}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("handoff.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicHandoffInitiated, HandoffEvent{HandoffID: "h1", FromAgent: "a", ToAgent: "b", Status: "pending"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicHandoffInitiated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicHandoffInitiated)
		}
		ev, ok := event.Payload.(HandoffEvent)
		if !ok || ev.HandoffID != "h1" {
			t.Fatalf("payload = %#v, want HandoffEvent h1", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskAssigned, TaskAssignedEvent{TaskID: "t1"})
	b.Publish(TopicSessionStarted, SessionEvent{SessionID: "s1"})

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskAssigned {
			t.Fatalf("topic = %q, want %s", event.Topic, TopicTaskAssigned)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	if got := drain(allSub); got != 2 {
		t.Fatalf("allSub received %d events, want 2", got)
	}
}

func TestBus_NonBlockingCountsDrops(t *testing.T) {
	b := NewWithBuffer(4)
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Publish(TopicTaskStateChanged, i)
	}
	if got := drain(sub); got != 4 {
		t.Fatalf("received %d events, want 4 (buffer size)", got)
	}
	if sub.Dropped() != 6 {
		t.Fatalf("dropped = %d, want 6", sub.Dropped())
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	// Second unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestBus_NilIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicContextCaptured, ContextCapturedEvent{ContextID: "c1"})
	b.Unsubscribe(nil)
	if b.SubscriberCount() != 0 {
		t.Fatal("nil bus reports subscribers")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicTaskStateChanged, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	if got := drain(sub); got != goroutines*perGoroutine {
		t.Fatalf("received %d events, want %d", got, goroutines*perGoroutine)
	}
}

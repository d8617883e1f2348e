package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeDecider struct {
	mu         sync.Mutex
	admitted   []string
	outstanding map[string]bool
	resourcesOK bool
	admitErr   error
}

func newFakeDecider() *fakeDecider {
	return &fakeDecider{outstanding: make(map[string]bool), resourcesOK: true}
}

func (f *fakeDecider) DependencyOutstanding(ids []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if f.outstanding[id] {
			return true
		}
	}
	return false
}

func (f *fakeDecider) ResourcesAvailable(_ ResourceDemand) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resourcesOK
}

func (f *fakeDecider) Admit(t *QueuedTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.admitErr != nil {
		return f.admitErr
	}
	f.admitted = append(f.admitted, t.TransferID)
	return nil
}

func (f *fakeDecider) admittedList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.admitted))
	copy(out, f.admitted)
	return out
}

func runSchedulerFor(t *testing.T, s *Scheduler, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	s.Run(ctx)
}

func TestHighPriorityAdmittedBeforeLow(t *testing.T) {
	decider := newFakeDecider()
	s := New(decider, 10)

	s.Enqueue(&QueuedTransfer{TransferID: "low", Priority: PriorityLow})
	s.Enqueue(&QueuedTransfer{TransferID: "critical", Priority: PriorityCritical})

	runSchedulerFor(t, s, 100*time.Millisecond)

	admitted := decider.admittedList()
	if len(admitted) != 2 {
		t.Fatalf("expected both admitted, got %v", admitted)
	}
	if admitted[0] != "critical" {
		t.Fatalf("expected critical admitted first, got %v", admitted)
	}
}

func TestDependencyOutstandingReenqueues(t *testing.T) {
	decider := newFakeDecider()
	decider.outstanding["upstream"] = true
	s := New(decider, 10)

	s.Enqueue(&QueuedTransfer{TransferID: "downstream", Priority: PriorityNormal, Dependencies: []string{"upstream"}})

	runSchedulerFor(t, s, 50*time.Millisecond)
	if len(decider.admittedList()) != 0 {
		t.Fatal("expected downstream to not be admitted while dependency outstanding")
	}

	decider.mu.Lock()
	decider.outstanding["upstream"] = false
	decider.mu.Unlock()

	runSchedulerFor(t, s, 1200*time.Millisecond)
	if len(decider.admittedList()) != 1 {
		t.Fatal("expected downstream admitted once dependency clears")
	}
}

func TestConcurrencyCapBlocksAdmission(t *testing.T) {
	decider := newFakeDecider()
	s := New(decider, 1)
	s.active = 1 // simulate one already-running session

	s.Enqueue(&QueuedTransfer{TransferID: "t1", Priority: PriorityNormal})
	runSchedulerFor(t, s, 50*time.Millisecond)

	if len(decider.admittedList()) != 0 {
		t.Fatal("expected admission blocked at concurrency cap")
	}

	s.Release()
	runSchedulerFor(t, s, 1200*time.Millisecond)
	if len(decider.admittedList()) != 1 {
		t.Fatal("expected admission once a slot frees up")
	}
}

func TestCancelRemovesQueuedItem(t *testing.T) {
	decider := newFakeDecider()
	s := New(decider, 10)
	s.Enqueue(&QueuedTransfer{TransferID: "t1", Priority: PriorityNormal})

	if err := s.Cancel("t1"); err != nil {
		t.Fatal(err)
	}
	runSchedulerFor(t, s, 50*time.Millisecond)
	if len(decider.admittedList()) != 0 {
		t.Fatal("expected cancelled item never admitted")
	}
}

func TestScheduledForFuturePromotesAtTick(t *testing.T) {
	decider := newFakeDecider()
	s := New(decider, 10)
	s.Enqueue(&QueuedTransfer{
		TransferID:   "later",
		Priority:     PriorityNormal,
		ScheduledFor: time.Now().Add(1200 * time.Millisecond),
	})

	runSchedulerFor(t, s, 300*time.Millisecond)
	if len(decider.admittedList()) != 0 {
		t.Fatal("expected scheduled item not yet admitted")
	}

	runSchedulerFor(t, s, 1500*time.Millisecond)
	if len(decider.admittedList()) != 1 {
		t.Fatal("expected scheduled item admitted after promotion")
	}
}

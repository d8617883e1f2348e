package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"
)

// heapItem orders QueuedTransfer by priority (descending) then
// queued-at (ascending), giving the priority-then-queued-at ordering
// the admission rules require.
type heapItem struct {
	transfer *QueuedTransfer
	index    int
}

type priorityHeap []*heapItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].transfer.Priority != h[j].transfer.Priority {
		return h[i].transfer.Priority > h[j].transfer.Priority
	}
	return h[i].transfer.QueuedAt.Before(h[j].transfer.QueuedAt)
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// AdmissionDecider answers the resource and dependency questions the
// scheduler needs at admission time; the engine implementation checks
// live sessions and the bandwidth allocator's running totals.
type AdmissionDecider interface {
	// DependencyOutstanding reports whether any of ids is still queued
	// or active (not yet terminal).
	DependencyOutstanding(ids []string) bool
	// ResourcesAvailable reports whether demand fits within the
	// remaining bandwidth/memory budget.
	ResourcesAvailable(demand ResourceDemand) bool
	// Admit registers the transfer with the bandwidth allocator and
	// starts its session. Returning an error aborts admission and the
	// item is dropped (configuration-class failures surface
	// immediately per spec.md §7).
	Admit(transfer *QueuedTransfer) error
}

// Scheduler owns the queue's backing store and admission loop.
type Scheduler struct {
	decider AdmissionDecider
	maxConcurrent int

	mu      sync.Mutex
	items   map[string]*heapItem
	pending priorityHeap
	active  int

	notify chan struct{}
}

// New creates a Scheduler bound to decider, admitting at most
// maxConcurrent transfers concurrently.
func New(decider AdmissionDecider, maxConcurrent int) *Scheduler {
	s := &Scheduler{
		decider:       decider,
		maxConcurrent: maxConcurrent,
		items:         make(map[string]*heapItem),
		notify:        make(chan struct{}, 1),
	}
	heap.Init(&s.pending)
	return s
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Enqueue adds a new transfer to the backing store. If scheduledFor is
// in the future the item starts life as Scheduled; otherwise it is
// immediately Queued.
func (s *Scheduler) Enqueue(t *QueuedTransfer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.QueuedAt = time.Now()
	if t.ScheduledFor.After(t.QueuedAt) {
		t.Status = StatusScheduled
	} else {
		t.Status = StatusQueued
	}
	item := &heapItem{transfer: t}
	s.items[t.TransferID] = item
	if t.Status == StatusQueued {
		heap.Push(&s.pending, item)
	}
	s.wake()
}

// UpdatePriority replaces a tracked transfer's priority and re-sorts
// the heap; the next admission pass dequeues in the new order.
func (s *Scheduler) UpdatePriority(transferID string, priority Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[transferID]
	if !ok {
		return fmt.Errorf("queue: unknown transfer %q", transferID)
	}
	item.transfer.Priority = priority
	if item.transfer.Status == StatusQueued {
		heap.Fix(&s.pending, item.index)
	}
	return nil
}

// Cancel marks a transfer Cancelled. If it was queued it is removed
// from the pending heap; if already admitted, the caller (the session
// engine) is responsible for cancelling its session's token — the
// scheduler only tracks pre-admission state.
func (s *Scheduler) Cancel(transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[transferID]
	if !ok {
		return fmt.Errorf("queue: unknown transfer %q", transferID)
	}
	if item.transfer.Status == StatusQueued && item.index >= 0 && item.index < len(s.pending) {
		heap.Remove(&s.pending, item.index)
	}
	item.transfer.Status = StatusCancelled
	delete(s.items, transferID)
	return nil
}

// promoteScheduled moves any Scheduled item whose ScheduledFor has
// arrived into the Queued heap. Runs once a second from Run.
func (s *Scheduler) promoteScheduled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, item := range s.items {
		if item.transfer.Status == StatusScheduled && !item.transfer.ScheduledFor.After(now) {
			item.transfer.Status = StatusQueued
			heap.Push(&s.pending, item)
		}
	}
	if len(s.pending) > 0 {
		s.wake()
	}
}

// Run drives both the scheduled-start promotion ticker and the
// admission loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.promoteScheduled()
		case <-s.notify:
			s.drainAdmissible(ctx)
		}
	}
}

// drainAdmissible pops items in priority-then-queued-at order and
// applies the admission rules from spec.md §4.7 to each, re-enqueueing
// with the specified backoff where the rules say to.
func (s *Scheduler) drainAdmissible(ctx context.Context) {
	for {
		item, ok := s.popReadyLocked()
		if !ok {
			return
		}
		t := item.transfer

		if t.Status == StatusCancelled {
			continue
		}
		if len(t.Dependencies) > 0 && s.decider.DependencyOutstanding(t.Dependencies) {
			s.reenqueueAfter(t, time.Second)
			continue
		}
		if !s.decider.ResourcesAvailable(t.ResourceDemand) {
			s.reenqueueAfter(t, 2*time.Second)
			continue
		}
		if !s.acquireConcurrencySlot(ctx) {
			s.reenqueueAfter(t, time.Second)
			continue
		}
		if err := s.decider.Admit(t); err != nil {
			s.releaseConcurrencySlot()
			// Configuration-class admission failures surface
			// immediately rather than looping forever.
			s.mu.Lock()
			t.Status = StatusCancelled
			delete(s.items, t.TransferID)
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		t.Status = StatusAdmitted
		delete(s.items, t.TransferID)
		s.mu.Unlock()
	}
}

func (s *Scheduler) popReadyLocked() (*heapItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	item := heap.Pop(&s.pending).(*heapItem)
	return item, true
}

func (s *Scheduler) reenqueueAfter(t *QueuedTransfer, delay time.Duration) {
	t.attempts++
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.items[t.TransferID]; !ok {
			return // cancelled meanwhile
		}
		item := s.items[t.TransferID]
		heap.Push(&s.pending, item)
		s.wake()
	})
}

func (s *Scheduler) acquireConcurrencySlot(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.maxConcurrent {
		return false
	}
	s.active++
	return true
}

func (s *Scheduler) releaseConcurrencySlot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		s.active--
	}
}

// Release returns a concurrency slot to the pool when a session
// reaches a terminal state, and wakes the admission loop so any
// re-enqueued items get another chance.
func (s *Scheduler) Release() {
	s.releaseConcurrencySlot()
	s.wake()
}

// Len reports the number of transfers tracked (queued, scheduled, or
// in backoff), for diagnostics.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

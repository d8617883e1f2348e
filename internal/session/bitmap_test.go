package session

import "testing"

func TestBitmapClosureInvariant(t *testing.T) {
	b := NewBitmap(10)
	if err := b.SetState(0, ChunkCompleted); err != nil {
		t.Fatal(err)
	}
	if err := b.SetState(1, ChunkFailed); err != nil {
		t.Fatal(err)
	}
	if err := b.SetState(2, ChunkInProgress); err != nil {
		t.Fatal(err)
	}
	if err := b.SetState(3, ChunkRetrying); err != nil {
		t.Fatal(err)
	}

	completed, failed, pending, inProgress, retrying := b.Counts()
	if completed+failed+pending+inProgress+retrying != 10 {
		t.Fatalf("bitmap closure violated: %d+%d+%d+%d+%d != 10", completed, failed, pending, inProgress, retrying)
	}
	if completed != 1 || failed != 1 || inProgress != 1 || retrying != 1 || pending != 6 {
		t.Fatalf("unexpected counts: completed=%d failed=%d pending=%d inProgress=%d retrying=%d",
			completed, failed, pending, inProgress, retrying)
	}
}

func TestSetStateOutOfRange(t *testing.T) {
	b := NewBitmap(4)
	if err := b.SetState(4, ChunkCompleted); err == nil {
		t.Fatal("expected out-of-range error")
	}
	if err := b.SetState(-1, ChunkCompleted); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestIsCompleteRequiresAllTerminal(t *testing.T) {
	b := NewBitmap(2)
	if b.IsComplete() {
		t.Fatal("fresh bitmap should not be complete")
	}
	b.SetState(0, ChunkCompleted)
	if b.IsComplete() {
		t.Fatal("should not be complete with one chunk pending")
	}
	b.SetState(1, ChunkFailed)
	if !b.IsComplete() {
		t.Fatal("expected complete once every chunk reaches a terminal state")
	}
	if b.Succeeded() {
		t.Fatal("should not have succeeded with one failed chunk")
	}
}

func TestOutstandingExcludesCompleted(t *testing.T) {
	b := NewBitmap(5)
	b.SetState(1, ChunkCompleted)
	b.SetState(3, ChunkCompleted)

	outstanding := b.Outstanding()
	want := map[int64]bool{0: true, 2: true, 4: true}
	if len(outstanding) != 3 {
		t.Fatalf("expected 3 outstanding, got %d: %v", len(outstanding), outstanding)
	}
	for _, idx := range outstanding {
		if !want[idx] {
			t.Errorf("unexpected outstanding index %d", idx)
		}
	}
}

func TestSnapshotSeedFromRoundTrip(t *testing.T) {
	b := NewBitmap(3)
	b.SetState(0, ChunkCompleted)
	b.SetState(1, ChunkFailed)
	snap := b.Snapshot()

	fresh := NewBitmap(3)
	if err := fresh.SeedFrom(snap); err != nil {
		t.Fatal(err)
	}
	completed, failed, pending, _, _ := fresh.Counts()
	if completed != 1 || failed != 1 || pending != 1 {
		t.Fatalf("seeded bitmap counts wrong: completed=%d failed=%d pending=%d", completed, failed, pending)
	}
}

package session

import (
	"testing"
	"time"
)

func TestNewSessionAppliesChunkSizePolicy(t *testing.T) {
	small := NewSession(TransferRequest{TransferID: "t1", FileSize: 500 << 10}, nil)
	if small.ChunkSize > 16<<10 {
		t.Fatalf("small file chunk size = %d, want <= 16KiB", small.ChunkSize)
	}

	mid := NewSession(TransferRequest{TransferID: "t2", FileSize: 50 << 20}, nil)
	if mid.ChunkSize != 64<<10 {
		t.Fatalf("mid file chunk size = %d, want 64KiB base", mid.ChunkSize)
	}

	giant := NewSession(TransferRequest{TransferID: "t3", FileSize: 2 << 30}, nil)
	if giant.ChunkSize < 128<<10 {
		t.Fatalf("giant file chunk size = %d, want a widened profile", giant.ChunkSize)
	}
}

func TestNewSessionHonorsChunkSizeHint(t *testing.T) {
	hint := func(fileSize, defaultSize int64) int64 { return 1 << 20 }
	s := NewSession(TransferRequest{TransferID: "t1", FileSize: 500 << 10}, hint)
	if s.ChunkSize != 1<<20 {
		t.Fatalf("ChunkSize = %d, want hint override 1MiB", s.ChunkSize)
	}
}

func TestValidTransitionSequence(t *testing.T) {
	s := NewSession(TransferRequest{TransferID: "t1", FileSize: 1 << 20}, nil)
	if s.Status() != StatusInitializing {
		t.Fatalf("initial status = %v, want Initializing", s.Status())
	}
	if err := s.TransitionTo(StatusActive, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionTo(StatusPaused, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionTo(StatusActive, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionTo(StatusCompleting, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionTo(StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	s := NewSession(TransferRequest{TransferID: "t1", FileSize: 1 << 20}, nil)
	if err := s.TransitionTo(StatusCompleted, ""); err == nil {
		t.Fatal("expected error jumping Initializing -> Completed directly")
	}
}

func TestTerminalStatesHaveNoOutboundTransitions(t *testing.T) {
	s := NewSession(TransferRequest{TransferID: "t1", FileSize: 1 << 20}, nil)
	s.TransitionTo(StatusActive, "")
	s.TransitionTo(StatusCompleting, "")
	s.TransitionTo(StatusCompleted, "")
	if err := s.TransitionTo(StatusActive, ""); err == nil {
		t.Fatal("expected Completed to be terminal")
	}
}

func TestCurrentSpeedReflectsRecordedChunks(t *testing.T) {
	s := NewSession(TransferRequest{TransferID: "t1", FileSize: 10 << 20}, nil)
	s.RecordChunk(1 << 20)
	if s.CurrentSpeed() < 0 {
		t.Fatal("current speed should never be negative")
	}
	avg := s.AverageSpeed()
	if avg <= 0 {
		t.Fatal("average speed should be positive after recording a chunk")
	}
}

func TestETAUnknownWithoutSpeed(t *testing.T) {
	s := NewSession(TransferRequest{TransferID: "t1", FileSize: 10 << 20}, nil)
	_, known := s.ETA()
	if known {
		t.Fatal("ETA should be unknown before any chunk is recorded")
	}
}

func TestShouldEmitProgressThrottles(t *testing.T) {
	s := NewSession(TransferRequest{TransferID: "t1", FileSize: 1 << 20}, nil)
	if !s.ShouldEmitProgress() {
		t.Fatal("first call should emit")
	}
	if s.ShouldEmitProgress() {
		t.Fatal("immediate second call should be throttled")
	}
	time.Sleep(600 * time.Millisecond)
	if !s.ShouldEmitProgress() {
		t.Fatal("call after 600ms should emit again")
	}
}

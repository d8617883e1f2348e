package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/filemesh/transfercore/internal/fsio"
)

func TestAssemblerWritesInOrderOnlyWhenContiguous(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.partial")
	sink, err := fsio.OpenSink(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	a := newAssembler(sink, 4)
	if err := a.submit(1, []byte("BBBB")); err != nil {
		t.Fatal(err)
	}
	// chunk 0 hasn't arrived yet: nothing should be flushed past it.
	a.mu.Lock()
	if len(a.pending) != 1 {
		a.mu.Unlock()
		t.Fatal("expected chunk 1 held pending until chunk 0 arrives")
	}
	a.mu.Unlock()

	if err := a.submit(0, []byte("AAAA")); err != nil {
		t.Fatal(err)
	}
	if err := a.flush(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "AAAABBBB" {
		t.Fatalf("got %q, want AAAABBBB", got)
	}
}

func TestLimiterBoundsConcurrentHolders(t *testing.T) {
	l := NewLimiter(1)
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		l.Acquire(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should block while the only slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	l.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire should succeed once the slot is released")
	}
}

func TestLimiterAcquireRespectsContextCancellation(t *testing.T) {
	l := NewLimiter(1)
	l.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); err == nil {
		t.Fatal("expected context deadline error")
	}
}

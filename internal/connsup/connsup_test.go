package connsup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu          sync.Mutex
	heartbeats  int
	terminated  []string
	failHeartbeat bool
}

func (f *fakeSender) SendHeartbeat(_ context.Context, _ string, _ uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHeartbeat {
		return errors.New("simulated send failure")
	}
	f.heartbeats++
	return nil
}

func (f *fakeSender) SendTermination(_ context.Context, id string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	return nil
}

func TestEstablishTransitionsToConnected(t *testing.T) {
	sup := New(DefaultConfig(), &fakeSender{}, nil)
	conn, err := sup.Establish("c1", "peer:9000", "local:9000", nil)
	if err != nil {
		t.Fatal(err)
	}
	if conn.State() != StateConnected {
		t.Fatalf("state = %v, want Connected", conn.State())
	}
}

func TestHealthyRequiresRecentHeartbeatAndActivity(t *testing.T) {
	sup := New(DefaultConfig(), &fakeSender{}, nil)
	sup.Establish("c1", "peer", "local", nil)
	if !sup.Healthy("c1") {
		t.Fatal("freshly established connection should be healthy")
	}
}

func TestHeartbeatSendFailureDisconnects(t *testing.T) {
	sender := &fakeSender{failHeartbeat: true}
	events := make([]string, 0)
	sup := New(DefaultConfig(), sender, func(name, id string) { events = append(events, name) })
	conn, _ := sup.Establish("c1", "peer", "local", nil)

	err := sup.ProcessHeartbeat(context.Background(), "c1", false)
	if err == nil {
		t.Fatal("expected heartbeat error")
	}
	if conn.State() != StateDisconnected {
		t.Fatalf("state = %v, want Disconnected", conn.State())
	}
	found := false
	for _, e := range events {
		if e == "connection-lost" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected connection-lost event")
	}
}

func TestProcessHeartbeatIncrementsSequenceMonotonically(t *testing.T) {
	sup := New(DefaultConfig(), &fakeSender{}, nil)
	conn, _ := sup.Establish("c1", "peer", "local", nil)

	for i := 0; i < 3; i++ {
		if err := sup.ProcessHeartbeat(context.Background(), "c1", true); err != nil {
			t.Fatal(err)
		}
	}
	if conn.sequence != 3 {
		t.Fatalf("sequence = %d, want 3", conn.sequence)
	}
}

func TestTerminateRemovesFromActiveSet(t *testing.T) {
	sender := &fakeSender{}
	sup := New(DefaultConfig(), sender, nil)
	sup.Establish("c1", "peer", "local", nil)

	if err := sup.Terminate(context.Background(), "c1", "test reason"); err != nil {
		t.Fatal(err)
	}
	if _, ok := sup.Get("c1"); ok {
		t.Fatal("expected connection removed from active set")
	}
	if len(sender.terminated) != 1 || sender.terminated[0] != "c1" {
		t.Fatalf("expected termination notice sent to c1, got %v", sender.terminated)
	}
}

func TestShutdownTerminatesAllWithSystemShutdownReason(t *testing.T) {
	sender := &fakeSender{}
	sup := New(DefaultConfig(), sender, nil)
	sup.Establish("c1", "peer1", "local", nil)
	sup.Establish("c2", "peer2", "local", nil)

	sup.Shutdown(context.Background())

	if len(sender.terminated) != 2 {
		t.Fatalf("expected 2 terminations, got %d", len(sender.terminated))
	}
	if len(sup.Snapshots()) != 0 {
		t.Fatal("expected no connections left after shutdown")
	}
}

func TestSweeperTerminatesStaleConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = time.Millisecond
	cfg.InactivityTimeout = time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	sender := &fakeSender{}
	sup := New(cfg, sender, nil)
	sup.Establish("c1", "peer", "local", nil)

	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	stop := make(chan struct{})
	go sup.RunSweeper(ctx, stop)
	time.Sleep(30 * time.Millisecond)
	close(stop)

	if _, ok := sup.Get("c1"); ok {
		t.Fatal("expected stale connection to be swept")
	}
}

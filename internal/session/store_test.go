package session

import (
	"testing"
	"time"
)

func newTestSession(id string) *TransferSession {
	return NewSession(TransferRequest{TransferID: id, FileSize: 1 << 20}, nil)
}

func TestStoreAddGetRoundTrip(t *testing.T) {
	store := NewStore()
	s := newTestSession("t1")
	if err := store.Add(s); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "t1" {
		t.Fatalf("got ID %q, want t1", got.ID)
	}
}

func TestStoreAddDuplicateErrors(t *testing.T) {
	store := NewStore()
	store.Add(newTestSession("t1"))
	if err := store.Add(newTestSession("t1")); err != ErrSessionAlreadyExists {
		t.Fatalf("err = %v, want ErrSessionAlreadyExists", err)
	}
}

func TestStoreGetMissingErrors(t *testing.T) {
	store := NewStore()
	if _, err := store.Get("missing"); err != ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestStoreDeleteRemoves(t *testing.T) {
	store := NewStore()
	store.Add(newTestSession("t1"))
	if err := store.Delete("t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get("t1"); err != ErrSessionNotFound {
		t.Fatal("expected session gone after delete")
	}
}

func TestStoreListFiltersByStatus(t *testing.T) {
	store := NewStore()
	active := newTestSession("active")
	active.TransitionTo(StatusActive, "")
	store.Add(active)
	store.Add(newTestSession("pending"))

	want := StatusActive
	filtered, total := store.List(&want, 0, 0)
	if len(filtered) != 1 || filtered[0].ID != "active" {
		t.Fatalf("expected only the active session, got %v (total scanned %d)", filtered, total)
	}
}

func TestStoreCleanupOldSessionsOnlyRemovesTerminal(t *testing.T) {
	store := NewStore()
	completed := newTestSession("done")
	completed.TransitionTo(StatusActive, "")
	completed.TransitionTo(StatusCompleting, "")
	completed.TransitionTo(StatusCompleted, "")
	completed.UpdateTime = time.Now().Add(-48 * time.Hour)
	store.Add(completed)

	stillActive := newTestSession("running")
	stillActive.TransitionTo(StatusActive, "")
	stillActive.UpdateTime = time.Now().Add(-48 * time.Hour)
	store.Add(stillActive)

	removed := store.CleanupOldSessions(24 * time.Hour)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := store.Get("running"); err != nil {
		t.Fatal("active session should survive cleanup regardless of age")
	}
}

package queue

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueuePendingFIFO(t *testing.T) {
	s := openTestStore(t)

	base := time.Now()
	for i, text := range []string{"first", "second", "third"} {
		err := s.Enqueue(&Message{
			TargetID: "tgt1",
			Text:     text,
			Mode:     ModeSequential,
			QueuedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("Enqueue %q: %v", text, err)
		}
	}
	// A message for another target must not interleave.
	if err := s.Enqueue(&Message{TargetID: "tgt2", Text: "other", Mode: ModeSequential}); err != nil {
		t.Fatal(err)
	}

	pending, err := s.Pending("tgt1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Pending returned %d, want 3", len(pending))
	}
	for i, want := range []string{"first", "second", "third"} {
		if pending[i].Text != want {
			t.Errorf("pending[%d].Text = %q, want %q", i, pending[i].Text, want)
		}
	}
}

func TestEnqueueRejectsInvalidMode(t *testing.T) {
	s := openTestStore(t)
	if err := s.Enqueue(&Message{TargetID: "t", Text: "x", Mode: "shouty"}); err == nil {
		t.Error("Enqueue with invalid mode succeeded")
	}
}

func TestDeleteAfterDelivery(t *testing.T) {
	s := openTestStore(t)
	m := &Message{TargetID: "t", Text: "x", Mode: ModeSequential}
	if err := s.Enqueue(m); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(m.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	n, err := s.PendingCount("t")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("PendingCount = %d after delete, want 0", n)
	}
}

// Category-scoped cancel deletes context-monitor rows from
// the sender and leaves user traffic untouched.
func TestCancelContextMonitorFrom(t *testing.T) {
	s := openTestStore(t)

	monitor := &Message{TargetID: "em", SenderID: "a1", Text: "context at 72%", Mode: ModeImportant, Category: CategoryContextMonitor}
	user := &Message{TargetID: "em", SenderID: "a1", Text: "done with the refactor", Mode: ModeSequential}
	other := &Message{TargetID: "em", SenderID: "b2", Text: "context at 90%", Mode: ModeImportant, Category: CategoryContextMonitor}
	for _, m := range []*Message{monitor, user, other} {
		if err := s.Enqueue(m); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.CancelContextMonitorFrom("a1")
	if err != nil {
		t.Fatalf("CancelContextMonitorFrom: %v", err)
	}
	if n != 1 {
		t.Errorf("cancelled %d rows, want 1", n)
	}

	pending, _ := s.Pending("em")
	if len(pending) != 2 {
		t.Fatalf("%d rows remain, want 2", len(pending))
	}
	for _, m := range pending {
		if m.ID == monitor.ID {
			t.Error("context-monitor row from a1 survived cancel")
		}
	}
}

func TestDiscardForTargetAndTargets(t *testing.T) {
	s := openTestStore(t)
	_ = s.Enqueue(&Message{TargetID: "a", Text: "1", Mode: ModeSequential})
	_ = s.Enqueue(&Message{TargetID: "a", Text: "2", Mode: ModeSequential})
	_ = s.Enqueue(&Message{TargetID: "b", Text: "3", Mode: ModeUrgent})

	targets, err := s.Targets()
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 2 {
		t.Errorf("Targets = %v, want 2 entries", targets)
	}

	n, err := s.DiscardForTarget("a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("discarded %d, want 2", n)
	}
	if count, _ := s.PendingCount("b"); count != 1 {
		t.Errorf("target b count = %d, want 1", count)
	}
}

// Reopening an existing database re-runs the migration, including the
// category column check, without error and without disturbing existing
// rows.
func TestMigrationIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(&Message{TargetID: "t", Text: "x", Mode: ModeSequential}); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	pending, err := s2.Pending("t")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Text != "x" {
		t.Errorf("pending after reopen = %v", pending)
	}
}

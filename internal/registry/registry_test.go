package registry

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.json")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r, path
}

func TestCreateGetList(t *testing.T) {
	r, _ := openTestRegistry(t)

	s1, err := r.Create(CreateParams{Provider: ProviderClaudeTmux, TmuxName: "swb-a", FriendlyName: "alpha"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(s1.ID) != 8 {
		t.Errorf("ID length = %d, want 8", len(s1.ID))
	}
	if s1.Status != StatusRunning {
		t.Errorf("Status = %q, want running", s1.Status)
	}

	s2, err := r.Create(CreateParams{Provider: ProviderCodexTmux, TmuxName: "swb-b"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok := r.Get(s1.ID)
	if !ok || got.FriendlyName != "alpha" {
		t.Errorf("Get(%s) = %+v, %v", s1.ID, got, ok)
	}

	all := r.List()
	if len(all) != 2 {
		t.Fatalf("List returned %d sessions, want 2", len(all))
	}
	if all[0].ID != s1.ID || all[1].ID != s2.ID {
		t.Errorf("List not in creation order: %s, %s", all[0].ID, all[1].ID)
	}
}

func TestCreateRejectsUnknownProvider(t *testing.T) {
	r, _ := openTestRegistry(t)
	if _, err := r.Create(CreateParams{Provider: "vim_tmux"}); err == nil {
		t.Error("Create with unknown provider succeeded")
	}
}

func TestResolve(t *testing.T) {
	r, _ := openTestRegistry(t)

	s1, _ := r.Create(CreateParams{Provider: ProviderClaudeTmux, FriendlyName: "worker"})
	s2, _ := r.Create(CreateParams{Provider: ProviderClaudeTmux})

	// Exact id
	if got, err := r.Resolve(s1.ID); err != nil || got.ID != s1.ID {
		t.Errorf("Resolve(id) = %v, %v", got, err)
	}
	// Friendly name
	if got, err := r.Resolve("worker"); err != nil || got.ID != s1.ID {
		t.Errorf("Resolve(name) = %v, %v", got, err)
	}
	// Unambiguous prefix: use enough of the id to be unique
	prefix := s2.ID[:6]
	if s1.ID[:6] == prefix {
		t.Skip("improbable id prefix collision")
	}
	if got, err := r.Resolve(prefix); err != nil || got.ID != s2.ID {
		t.Errorf("Resolve(prefix) = %v, %v", got, err)
	}
	// Unknown
	if _, err := r.Resolve("zzzzzzzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestStoppedIsTerminal(t *testing.T) {
	r, _ := openTestRegistry(t)
	s, _ := r.Create(CreateParams{Provider: ProviderClaudeTmux})

	if err := r.UpdateStatus(s.ID, StatusStopped); err != nil {
		t.Fatalf("UpdateStatus(stopped): %v", err)
	}
	if err := r.UpdateStatus(s.ID, StatusRunning); !errors.Is(err, ErrStopped) {
		t.Errorf("transition out of stopped err = %v, want ErrStopped", err)
	}
	// Stopping again is a no-op, not an error.
	if err := r.UpdateStatus(s.ID, StatusStopped); err != nil {
		t.Errorf("UpdateStatus(stopped) twice: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	r, path := openTestRegistry(t)
	s, _ := r.Create(CreateParams{Provider: ProviderClaudeTmux, TmuxName: "swb-x", FriendlyName: "x"})
	if err := r.SetEMTopic(&EMTopic{ChatID: -100, ThreadID: 7}); err != nil {
		t.Fatalf("SetEMTopic: %v", err)
	}

	// Runtime-only fields must not survive a reload.
	_ = r.Update(s.ID, func(sess *Session) {
		sess.Compacting = true
		sess.PendingHandoffPath = "/tmp/x.md"
	})

	r2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := r2.Get(s.ID)
	if !ok {
		t.Fatal("session missing after reload")
	}
	if got.FriendlyName != "x" || got.TmuxName != "swb-x" {
		t.Errorf("reloaded session = %+v", got)
	}
	if got.Compacting || got.PendingHandoffPath != "" {
		t.Error("runtime-only fields were persisted")
	}
	topic := r2.EMTopic()
	if topic == nil || topic.ChatID != -100 || topic.ThreadID != 7 {
		t.Errorf("EMTopic = %+v", topic)
	}
}

func TestReconcilePanes(t *testing.T) {
	r, _ := openTestRegistry(t)
	alive, _ := r.Create(CreateParams{Provider: ProviderClaudeTmux, TmuxName: "swb-alive"})
	dead, _ := r.Create(CreateParams{Provider: ProviderClaudeTmux, TmuxName: "swb-dead"})
	app, _ := r.Create(CreateParams{Provider: ProviderCodexApp})

	stopped := r.ReconcilePanes(func(name string) bool { return name == "swb-alive" })
	if len(stopped) != 1 || stopped[0] != dead.ID {
		t.Fatalf("ReconcilePanes = %v, want [%s]", stopped, dead.ID)
	}

	if s, _ := r.Get(alive.ID); s.Status == StatusStopped {
		t.Error("live session was stopped")
	}
	if s, _ := r.Get(dead.ID); s.Status != StatusStopped {
		t.Error("dead session not stopped")
	}
	// App sessions have no pane and are never reconciled away.
	if s, _ := r.Get(app.ID); s.Status == StatusStopped {
		t.Error("app session was stopped by pane reconciliation")
	}
}

func TestEMLookup(t *testing.T) {
	r, _ := openTestRegistry(t)
	if _, ok := r.EM(); ok {
		t.Error("EM found in empty registry")
	}
	em, _ := r.Create(CreateParams{Provider: ProviderClaudeTmux, IsEM: true})
	got, ok := r.EM()
	if !ok || got.ID != em.ID {
		t.Errorf("EM = %v, %v", got, ok)
	}
	_ = r.UpdateStatus(em.ID, StatusStopped)
	if _, ok := r.EM(); ok {
		t.Error("stopped EM still returned")
	}
}

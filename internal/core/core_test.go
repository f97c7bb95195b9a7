package core

import (
	"sync"
	"testing"

	"github.com/rajeshgoli/switchboard/internal/config"
	"github.com/rajeshgoli/switchboard/internal/delivery"
	"github.com/rajeshgoli/switchboard/internal/queue"
	"github.com/rajeshgoli/switchboard/internal/registry"
)

type fakeDriver struct {
	mu    sync.Mutex
	panes map[string]bool
}

func newFakeDriver() *fakeDriver { return &fakeDriver{panes: make(map[string]bool)} }

func (f *fakeDriver) SendLiteral(pane, text string) error                 { return nil }
func (f *fakeDriver) SendSubmit(pane string) error                        { return nil }
func (f *fakeDriver) SendCancel(pane string) error                        { return nil }
func (f *fakeDriver) SendKey(pane, key string) error                      { return nil }
func (f *fakeDriver) CapturePane(pane string, lines int) (string, error)  { return "", nil }
func (f *fakeDriver) CapturePaneAll(pane string) (string, error)          { return "", nil }
func (f *fakeDriver) NewSessionWithCommand(name, workDir, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panes[name] = true
	return nil
}
func (f *fakeDriver) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.panes, name)
	return nil
}
func (f *fakeDriver) HasSession(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.panes[name], nil
}
func (f *fakeDriver) ListSessions() ([]string, error)   { return nil, nil }
func (f *fakeDriver) PipeToLog(pane, path string) error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.PipeLogDir = t.TempDir()
	return cfg
}

// A restart rebuilds the registry from the snapshot, stops sessions
// whose panes died while the daemon was down, and drops their queues.
func TestCrashRecovery(t *testing.T) {
	cfg := testConfig(t)
	drv := newFakeDriver()

	c, err := New(cfg, drv)
	if err != nil {
		t.Fatal(err)
	}
	alive, err := c.Spawn(SpawnParams{Provider: registry.ProviderClaudeTmux, WorkingDir: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	dead, err := c.Spawn(SpawnParams{Provider: registry.ProviderClaudeTmux, WorkingDir: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	// Queue a message to each target while both are busy.
	for _, id := range []string{alive.ID, dead.ID} {
		if _, err := c.Engine.Enqueue(delivery.Params{TargetID: id, Text: "pending", Mode: queue.ModeSequential}); err != nil {
			t.Fatal(err)
		}
	}
	c.Close()

	// The dead session's pane vanishes while the daemon is down.
	_ = drv.KillSession(dead.TmuxName)

	c2, err := New(cfg, drv)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer c2.Close()

	if s, _ := c2.Registry.Get(alive.ID); s.Status == registry.StatusStopped {
		t.Error("live session stopped by recovery")
	}
	if s, _ := c2.Registry.Get(dead.ID); s.Status != registry.StatusStopped {
		t.Error("dead session not stopped by recovery")
	}

	if n, _ := c2.Queue.PendingCount(alive.ID); n != 1 {
		t.Errorf("live target pending = %d, want 1", n)
	}
	if n, _ := c2.Queue.PendingCount(dead.ID); n != 0 {
		t.Errorf("dead target pending = %d, want 0 (discarded)", n)
	}
}

func TestKillCancelsEverything(t *testing.T) {
	cfg := testConfig(t)
	drv := newFakeDriver()
	c, err := New(cfg, drv)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	sess, err := c.Spawn(SpawnParams{Provider: registry.ProviderClaudeTmux, WorkingDir: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Engine.Enqueue(delivery.Params{TargetID: sess.ID, Text: "x", Mode: queue.ModeSequential}); err != nil {
		t.Fatal(err)
	}

	if err := c.Kill(sess.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	if s, _ := c.Registry.Get(sess.ID); s.Status != registry.StatusStopped {
		t.Error("session not stopped")
	}
	if n, _ := c.Queue.PendingCount(sess.ID); n != 0 {
		t.Errorf("queue not discarded: %d rows", n)
	}
	if ok, _ := drv.HasSession(sess.TmuxName); ok {
		t.Error("pane survived kill")
	}
	// Enqueue to a killed session is rejected.
	if _, err := c.Engine.Enqueue(delivery.Params{TargetID: sess.ID, Text: "y", Mode: queue.ModeUrgent}); err == nil {
		t.Error("enqueue to killed session succeeded")
	}
}

func TestCodexAppSpawnHasNoPane(t *testing.T) {
	cfg := testConfig(t)
	drv := newFakeDriver()
	c, err := New(cfg, drv)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	sess, err := c.Spawn(SpawnParams{Provider: registry.ProviderCodexApp})
	if err != nil {
		t.Fatal(err)
	}
	if sess.TmuxName != "" {
		t.Errorf("app session has pane %q", sess.TmuxName)
	}
	drv.mu.Lock()
	defer drv.mu.Unlock()
	if len(drv.panes) != 0 {
		t.Error("pane created for app session")
	}
}

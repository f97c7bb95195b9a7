package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rajeshgoli/switchboard/internal/config"
	"github.com/rajeshgoli/switchboard/internal/core"
	"github.com/rajeshgoli/switchboard/internal/registry"
)

type fakeDriver struct {
	mu       sync.Mutex
	panes    map[string]bool
	keys     []string
	literals []string
	capture  string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{panes: make(map[string]bool), capture: "$ claude\n\x1b[1msome output\x1b[0m\n> "}
}

func (f *fakeDriver) SendLiteral(pane, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.literals = append(f.literals, text)
	return nil
}
func (f *fakeDriver) SendSubmit(pane string) error { return nil }
func (f *fakeDriver) SendCancel(pane string) error { return nil }
func (f *fakeDriver) SendKey(pane, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}
func (f *fakeDriver) CapturePane(pane string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capture, nil
}
func (f *fakeDriver) CapturePaneAll(pane string) (string, error) { return f.CapturePane(pane, 0) }
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

func newTestServer(t *testing.T) (*httptest.Server, *core.Core, *fakeDriver) {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.PipeLogDir = t.TempDir()

	drv := newFakeDriver()
	c, err := core.New(cfg, drv)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	ts := httptest.NewServer(New(c).Router())
	t.Cleanup(ts.Close)
	return ts, c, drv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func createSession(t *testing.T, ts *httptest.Server, body map[string]any) map[string]any {
	t.Helper()
	resp := postJSON(t, ts.URL+"/sessions", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d", resp.StatusCode)
	}
	return decode[map[string]any](t, resp)
}

func TestCreateAndGetSession(t *testing.T) {
	ts, _, drv := newTestServer(t)

	got := createSession(t, ts, map[string]any{
		"provider": "claude_tmux", "working_dir": "/tmp", "friendly_name": "alpha",
	})
	id, _ := got["id"].(string)
	if len(id) != 8 {
		t.Fatalf("id = %q", id)
	}
	if got["status"] != "running" {
		t.Errorf("status = %v", got["status"])
	}
	drv.mu.Lock()
	panes := len(drv.panes)
	drv.mu.Unlock()
	if panes != 1 {
		t.Errorf("panes created = %d, want 1", panes)
	}

	// Resolve by friendly name.
	resp, err := http.Get(ts.URL + "/sessions/alpha")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get by name = %d", resp.StatusCode)
	}
	view := decode[map[string]any](t, resp)
	if view["id"] != id {
		t.Errorf("resolved id = %v, want %s", view["id"], id)
	}

	resp, _ = http.Get(ts.URL + "/sessions/zzzz9999")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestInputEnqueues(t *testing.T) {
	ts, c, _ := newTestServer(t)
	got := createSession(t, ts, map[string]any{"provider": "claude_tmux"})
	id := got["id"].(string)

	resp := postJSON(t, fmt.Sprintf("%s/sessions/%s/input", ts.URL, id), map[string]any{
		"text": "run the tests", "mode": "sequential",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("input status = %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["message_id"] == "" {
		t.Error("no message_id returned")
	}

	n, err := c.Queue.PendingCount(id)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pending = %d, want 1 (target not idle yet)", n)
	}
}

func TestInputValidation(t *testing.T) {
	ts, c, _ := newTestServer(t)
	got := createSession(t, ts, map[string]any{"provider": "claude_tmux"})
	id := got["id"].(string)

	resp := postJSON(t, fmt.Sprintf("%s/sessions/%s/input", ts.URL, id), map[string]any{
		"text": "x", "mode": "shouting",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad mode status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	_ = c.Kill(id)
	resp = postJSON(t, fmt.Sprintf("%s/sessions/%s/input", ts.URL, id), map[string]any{
		"text": "x", "mode": "urgent",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("urgent to stopped = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestKillSession(t *testing.T) {
	ts, c, drv := newTestServer(t)
	got := createSession(t, ts, map[string]any{"provider": "claude_tmux"})
	id := got["id"].(string)

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/sessions/%s", ts.URL, id), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("kill status = %d", resp.StatusCode)
	}

	sess, _ := c.Registry.Get(id)
	if sess.Status != registry.StatusStopped {
		t.Errorf("status = %s, want stopped", sess.Status)
	}
	drv.mu.Lock()
	panes := len(drv.panes)
	drv.mu.Unlock()
	if panes != 0 {
		t.Errorf("pane survived kill")
	}
}

func TestStopHookMarksIdleAndFlushes(t *testing.T) {
	ts, c, drv := newTestServer(t)
	got := createSession(t, ts, map[string]any{"provider": "claude_tmux"})
	id := got["id"].(string)

	// Queue a message while busy.
	resp := postJSON(t, fmt.Sprintf("%s/sessions/%s/input", ts.URL, id), map[string]any{"text": "hello"})
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/hooks/claude_tmux", map[string]any{
		"event": "Stop", "session_id": id,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("hook status = %d", resp.StatusCode)
	}

	if !c.Tracker.IsIdle(id) {
		t.Error("session not idle after stop hook")
	}

	// The idle flush delivers the queued message.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		drv.mu.Lock()
		n := len(drv.literals)
		drv.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	drv.mu.Lock()
	defer drv.mu.Unlock()
	if len(drv.literals) != 1 || !strings.Contains(drv.literals[0], "hello") {
		t.Errorf("flush delivered %v", drv.literals)
	}
}

func TestHookUnknownSessionIgnored(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/hooks/claude_tmux", map[string]any{
		"event": "Stop", "session_id": "nope1234",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unknown-session hook = %d, want 200", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["status"] != "ignored" {
		t.Errorf("body = %v", body)
	}
}

func TestCompactionHooks(t *testing.T) {
	ts, c, _ := newTestServer(t)
	got := createSession(t, ts, map[string]any{"provider": "claude_tmux"})
	id := got["id"].(string)

	resp := postJSON(t, ts.URL+"/hooks/claude_tmux", map[string]any{"event": "compaction", "session_id": id})
	resp.Body.Close()
	if sess, _ := c.Registry.Get(id); !sess.Compacting {
		t.Error("compaction hook did not set the flag")
	}

	resp = postJSON(t, ts.URL+"/hooks/claude_tmux", map[string]any{"event": "compaction_complete", "session_id": id})
	resp.Body.Close()
	if sess, _ := c.Registry.Get(id); sess.Compacting {
		t.Error("compaction_complete did not clear the flag")
	}
}

func TestContextUsageHookSendsMonitorNotice(t *testing.T) {
	ts, c, _ := newTestServer(t)
	parent := createSession(t, ts, map[string]any{"provider": "claude_tmux"})
	child := createSession(t, ts, map[string]any{"provider": "claude_tmux", "parent_id": parent["id"]})

	resp := postJSON(t, ts.URL+"/hooks/claude_tmux", map[string]any{
		"event": "context_usage", "session_id": child["id"],
		"tokens_used": 150_000, "context_limit": 200_000,
	})
	resp.Body.Close()

	pending, err := c.Queue.Pending(parent["id"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("parent pending = %d, want 1 context notice", len(pending))
	}
	if pending[0].Category != "context_monitor" {
		t.Errorf("category = %q", pending[0].Category)
	}

	// Same threshold again: the one-shot guard holds.
	resp = postJSON(t, ts.URL+"/hooks/claude_tmux", map[string]any{
		"event": "context_usage", "session_id": child["id"],
		"tokens_used": 151_000, "context_limit": 200_000,
	})
	resp.Body.Close()
	pending, _ = c.Queue.Pending(parent["id"].(string))
	if len(pending) != 1 {
		t.Errorf("duplicate warning sent: %d notices", len(pending))
	}
}

func TestOutputStripsANSI(t *testing.T) {
	ts, _, _ := newTestServer(t)
	got := createSession(t, ts, map[string]any{"provider": "claude_tmux"})
	id := got["id"].(string)

	resp, err := http.Get(fmt.Sprintf("%s/sessions/%s/output?lines=10", ts.URL, id))
	if err != nil {
		t.Fatal(err)
	}
	body := decode[map[string][]string](t, resp)
	for _, line := range body["lines"] {
		if strings.Contains(line, "\x1b") {
			t.Errorf("ANSI escape survived: %q", line)
		}
	}
	joined := strings.Join(body["lines"], "\n")
	if !strings.Contains(joined, "some output") {
		t.Errorf("output missing content: %q", joined)
	}
}

func TestWatchEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	target := createSession(t, ts, map[string]any{"provider": "claude_tmux"})
	observer := createSession(t, ts, map[string]any{"provider": "claude_tmux"})

	resp := postJSON(t, ts.URL+"/watch", map[string]any{
		"target": target["id"], "observer": observer["id"], "timeout_s": 5,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("watch status = %d, want 202", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/watch", map[string]any{
		"target": "missing0", "observer": observer["id"],
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("watch unknown target = %d, want 404", resp.StatusCode)
	}
}

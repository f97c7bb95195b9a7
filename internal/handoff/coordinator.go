// Package handoff implements the context-reset protocol: snapshot the
// pane, arm the skip fence, clear the agent, and re-prime it with a
// continuation prompt once the clear's hook storm has been absorbed.
//
// The protocol carries state across the terminal reset by making the
// next stop hook the trigger for the wake-up message, rather than racing
// against the clear.
package handoff

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rajeshgoli/switchboard/internal/delivery"
	"github.com/rajeshgoli/switchboard/internal/queue"
	"github.com/rajeshgoli/switchboard/internal/registry"
	"github.com/rajeshgoli/switchboard/internal/tmux"
	"github.com/rajeshgoli/switchboard/internal/tracker"
)

// ErrUnsupported is returned for providers without a /clear command.
var ErrUnsupported = errors.New("handoff requires a claude_tmux session")

// Paths resolves artifact locations; satisfied by *config.Config.
type Paths interface {
	HandoffDir(sessionID string, ts time.Time) string
	PipeLogPath(pane string) string
}

// Canceller is the slice of the reminder scheduler a clear touches.
type Canceller interface {
	OnTargetCleared(targetID string)
}

// Coordinator runs handoffs. One per process.
type Coordinator struct {
	reg    *registry.Registry
	tr     *tracker.Tracker
	eng    *delivery.Engine
	driver tmux.Driver
	paths  Paths
	sched  Canceller

	// snapshots remembers the dump path between Handoff and the wake.
	mu        sync.Mutex
	snapshots map[string]string
}

// New creates a coordinator and wires it as the tracker's pending-handoff
// branch target.
func New(reg *registry.Registry, tr *tracker.Tracker, eng *delivery.Engine, driver tmux.Driver, paths Paths, sched Canceller) *Coordinator {
	c := &Coordinator{
		reg:       reg,
		tr:        tr,
		eng:       eng,
		driver:    driver,
		paths:     paths,
		sched:     sched,
		snapshots: make(map[string]string),
	}
	tr.SetHandoffFn(c.complete)
	return c
}

// Handoff runs the clear-then-reprime protocol for a session. The whole
// sequence holds the target's delivery lock, so it is totally ordered
// against user sends; a second concurrent handoff queues behind the
// first rather than interleaving.
func (c *Coordinator) Handoff(id, continuationPath string) error {
	sess, ok := c.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	if sess.Status == registry.StatusStopped {
		return fmt.Errorf("%w: %s", registry.ErrStopped, id)
	}
	if sess.Provider != registry.ProviderClaudeTmux {
		return ErrUnsupported
	}

	return c.eng.WithTargetLock(id, func() error {
		// 1. Snapshot the scrollback. Best-effort: a failed capture is
		// logged and the wake message simply omits the reference.
		snapPath := c.snapshot(sess)
		c.mu.Lock()
		c.snapshots[id] = snapPath
		c.mu.Unlock()

		// 2+3. Arm the fence and store the pending continuation before
		// anything can produce a stop hook.
		c.tr.ArmSkipFence(id)
		c.tr.SetPendingHandoff(id, continuationPath)

		// A clear cancels reminders and outstanding context-monitor
		// notices immediately.
		if c.sched != nil {
			c.sched.OnTargetCleared(id)
		}
		if _, err := c.eng.CancelContextMonitorFrom(id); err != nil {
			slog.Warn("cancelling context-monitor messages", "session", id, "error", err)
		}

		// 4. Issue /clear under the two-phase contract.
		if err := c.eng.InjectCommand(sess, "/clear"); err != nil {
			// Abandon: no wake may be queued off a later genuine stop.
			// The fence is left to drain by TTL.
			c.tr.SetPendingHandoff(id, "")
			return fmt.Errorf("injecting /clear: %w", err)
		}
		return nil
	})
}

// snapshot writes the pane scrollback to the handoff dump file and
// returns its path, or "" on failure.
func (c *Coordinator) snapshot(sess *registry.Session) string {
	out, err := c.driver.CapturePaneAll(sess.TmuxName)
	if err != nil {
		slog.Warn("handoff snapshot capture failed", "session", sess.ID, "error", err)
		return ""
	}
	dir := c.paths.HandoffDir(sess.ID, time.Now())
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("creating handoff dir", "session", sess.ID, "error", err)
		return ""
	}
	path := filepath.Join(dir, "dump.txt")
	if err := os.WriteFile(path, []byte(out), 0644); err != nil {
		slog.Warn("writing handoff dump", "session", sess.ID, "error", err)
		return ""
	}
	return path
}

// complete is the pending-handoff branch: the clear's stop hook arrived
// and was absorbed, so the agent is sitting at a fresh prompt. Enqueue
// the wake message and flush it immediately.
func (c *Coordinator) complete(id, continuationPath string) {
	sess, ok := c.reg.Get(id)
	if !ok {
		return
	}

	c.mu.Lock()
	snapPath := c.snapshots[id]
	delete(c.snapshots, id)
	c.mu.Unlock()

	text := fmt.Sprintf("Your context was reset for a handoff. Read %s and continue from where it leaves off.", continuationPath)
	if snapPath != "" {
		text += fmt.Sprintf(" A snapshot of your previous terminal is at %s.", snapPath)
	}
	text += fmt.Sprintf(" The full pane log is at %s.", c.paths.PipeLogPath(sess.TmuxName))

	if _, err := c.eng.Enqueue(delivery.Params{
		TargetID: id,
		Text:     text,
		Mode:     queue.ModeImportant,
	}); err != nil {
		slog.Error("enqueueing handoff wake", "session", id, "error", err)
		return
	}
	// The absorbed hook left the session non-idle, so no idle signal
	// will flush the wake; deliver it now.
	go c.eng.FlushTarget(id)
}

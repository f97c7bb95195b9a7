// Package watch registers one-shot observers notified when a target
// session goes idle.
package watch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rajeshgoli/switchboard/internal/delivery"
	"github.com/rajeshgoli/switchboard/internal/queue"
	"github.com/rajeshgoli/switchboard/internal/registry"
	"github.com/rajeshgoli/switchboard/internal/tracker"
)

// Enqueuer is the slice of the delivery engine watchers need.
type Enqueuer interface {
	Enqueue(delivery.Params) (*queue.Message, error)
}

// Manager owns the active watchers.
type Manager struct {
	reg  *registry.Registry
	tr   *tracker.Tracker
	enq  Enqueuer
	poll time.Duration

	mu   sync.Mutex
	done bool
	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a watcher manager. poll is the idle-check interval
// (about 2s in production).
func New(reg *registry.Registry, tr *tracker.Tracker, enq Enqueuer, poll time.Duration) *Manager {
	return &Manager{
		reg:  reg,
		tr:   tr,
		enq:  enq,
		poll: poll,
		quit: make(chan struct{}),
	}
}

// Watch registers a one-shot idle watcher. The target is marked active
// first: a target that was already idle at watch time must not resolve
// immediately and notify spuriously — only a fresh idle transition
// counts.
func (m *Manager) Watch(targetID, observerID string, timeout time.Duration) error {
	target, ok := m.reg.Get(targetID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrNotFound, targetID)
	}
	if _, ok := m.reg.Get(observerID); !ok {
		return fmt.Errorf("%w: observer %s", registry.ErrNotFound, observerID)
	}
	if target.Status == registry.StatusStopped {
		return fmt.Errorf("%w: %s", registry.ErrStopped, targetID)
	}

	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return fmt.Errorf("watcher manager stopped")
	}
	m.wg.Add(1)
	m.mu.Unlock()

	m.tr.MarkActive(targetID)

	go m.run(targetID, observerID, timeout)
	return nil
}

// run polls until the target idles, the timeout passes, or the manager
// shuts down.
func (m *Manager) run(targetID, observerID string, timeout time.Duration) {
	defer m.wg.Done()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
		}

		target, ok := m.reg.Get(targetID)
		if !ok || target.Status == registry.StatusStopped {
			m.notify(observerID, targetID, fmt.Sprintf("Watched session %s has stopped.", targetID))
			return
		}

		if m.isIdle(target) {
			m.notify(observerID, targetID, fmt.Sprintf("Watched session %s is now idle.", targetID))
			return
		}

		if time.Now().After(deadline) {
			m.notify(observerID, targetID, fmt.Sprintf("Watch on session %s timed out while it was still working.", targetID))
			return
		}
	}
}

// isIdle combines the tracker's view with the secondary signals for
// hook-less providers: the external status maintained by prompt
// inspection, and a direct prompt check.
func (m *Manager) isIdle(target *registry.Session) bool {
	if m.tr.IsIdle(target.ID) {
		return true
	}
	if target.Provider == registry.ProviderCodexTmux {
		if target.Status == registry.StatusIdle {
			return true
		}
		return m.tr.CheckPromptIdle(target.ID)
	}
	return false
}

// notify enqueues the one-shot notification to the observer.
func (m *Manager) notify(observerID, targetID, text string) {
	if _, err := m.enq.Enqueue(delivery.Params{
		TargetID: observerID,
		SenderID: targetID,
		Text:     text,
		Mode:     queue.ModeImportant,
	}); err != nil {
		slog.Warn("enqueueing watch notification", "observer", observerID, "error", err)
	}
}

// Stop cancels all watchers and waits for their tasks to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	close(m.quit)
	m.mu.Unlock()
	m.wg.Wait()
}

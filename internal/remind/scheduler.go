// Package remind runs per-target reminder timers and parent wake-up
// digests for dispatched sessions.
//
// A child reminder escalates soft (important) then hard (urgent) when the
// agent goes quiet without a status update. A parent wake periodically
// digests the child's progress to the dispatching session, tightening the
// period once a tick observes no status change. Both registrations cancel
// when the child goes idle.
package remind

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rajeshgoli/switchboard/internal/delivery"
	"github.com/rajeshgoli/switchboard/internal/obs"
	"github.com/rajeshgoli/switchboard/internal/queue"
	"github.com/rajeshgoli/switchboard/internal/registry"
)

// Enqueuer is the slice of the delivery engine the scheduler needs.
type Enqueuer interface {
	Enqueue(delivery.Params) (*queue.Message, error)
}

// ToolUseReader supplies recent tool activity for wake digests.
type ToolUseReader interface {
	LastN(sessionID string, n int) ([]obs.ToolUse, error)
}

// Config carries the scheduler's timing knobs.
type Config struct {
	SoftThreshold time.Duration
	HardThreshold time.Duration
	PollInterval  time.Duration

	WakePeriod          time.Duration
	WakePeriodEscalated time.Duration

	// CompactionWaitCeiling bounds how long a due reminder waits out a
	// compacting agent before delivering anyway.
	CompactionWaitCeiling time.Duration
}

// reminder is one child reminder registration.
type reminder struct {
	targetID  string
	parentID  string
	soft      time.Duration
	hard      time.Duration
	softFired bool
	hardFired bool
	lastReset time.Time
	cancel    chan struct{}
}

// wake is one parent wake registration.
type wake struct {
	childID   string
	parentID  string
	period    time.Duration
	escalated bool
	// lastStatusSeen is the child's status-update timestamp observed at
	// the previous tick.
	lastStatusSeen time.Time
	cancel         chan struct{}
}

// Scheduler owns all reminder and wake registrations.
type Scheduler struct {
	mu        sync.Mutex
	reminders map[string]*reminder
	wakes     map[string]*wake
	// statusAt is the last explicit agent status update per target.
	statusAt map[string]time.Time

	reg *registry.Registry
	enq Enqueuer
	obs ToolUseReader
	cfg Config
}

// New creates a scheduler.
func New(reg *registry.Registry, enq Enqueuer, tools ToolUseReader, cfg Config) *Scheduler {
	return &Scheduler{
		reminders: make(map[string]*reminder),
		wakes:     make(map[string]*wake),
		statusAt:  make(map[string]time.Time),
		reg:       reg,
		enq:       enq,
		obs:       tools,
		cfg:       cfg,
	}
}

// RegisterReminder arms soft/hard reminders for a dispatched target.
// Zero thresholds take the configured defaults. An existing registration
// for the target is replaced.
func (s *Scheduler) RegisterReminder(targetID, parentID string, soft, hard time.Duration) {
	if soft <= 0 {
		soft = s.cfg.SoftThreshold
	}
	if hard <= 0 {
		hard = s.cfg.HardThreshold
	}

	s.mu.Lock()
	if old, ok := s.reminders[targetID]; ok {
		close(old.cancel)
	}
	r := &reminder{
		targetID:  targetID,
		parentID:  parentID,
		soft:      soft,
		hard:      hard,
		lastReset: time.Now(),
		cancel:    make(chan struct{}),
	}
	s.reminders[targetID] = r
	s.mu.Unlock()

	go s.runReminder(r)
}

// runReminder polls the registration until cancelled.
func (s *Scheduler) runReminder(r *reminder) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.cancel:
			return
		case <-ticker.C:
		}

		sess, ok := s.reg.Get(r.targetID)
		if !ok || sess.Status == registry.StatusStopped {
			s.CancelReminder(r.targetID)
			return
		}
		// A compacting agent is flushing its context window; reminding it
		// now would trigger a secondary compaction.
		if sess.Compacting {
			continue
		}

		s.mu.Lock()
		elapsed := time.Since(r.lastReset)
		fireHard := elapsed >= r.hard && !r.hardFired
		fireSoft := !fireHard && elapsed >= r.soft && !r.softFired
		if fireHard {
			r.hardFired = true
			r.softFired = true
		}
		if fireSoft {
			r.softFired = true
		}
		s.mu.Unlock()

		switch {
		case fireHard:
			s.fire(r.targetID, delivery.Params{
				TargetID: r.targetID,
				SenderID: r.parentID,
				Text:     "No status update received past the hard deadline. Reply with a status update now, or report what is blocking you.",
				Mode:     queue.ModeUrgent,
			})
		case fireSoft:
			s.fire(r.targetID, delivery.Params{
				TargetID: r.targetID,
				SenderID: r.parentID,
				Text:     "Checking in: no status update for a while. Post a brief status update when you reach a stopping point.",
				Mode:     queue.ModeImportant,
			})
		}
	}
}

// fire enqueues a due reminder, waiting out compaction up to the ceiling.
// Delivering into a compaction reproduces the very condition the
// reminder is meant to diagnose, so the one-shot path waits rather than
// skips; past the ceiling it delivers anyway and logs.
func (s *Scheduler) fire(targetID string, p delivery.Params) {
	deadline := time.Now().Add(s.cfg.CompactionWaitCeiling)
	for {
		sess, ok := s.reg.Get(targetID)
		if !ok {
			return
		}
		if !sess.Compacting {
			break
		}
		if time.Now().After(deadline) {
			slog.Warn("compaction wait ceiling reached, delivering reminder anyway", "session", targetID)
			break
		}
		time.Sleep(s.cfg.PollInterval)
	}

	if _, err := s.enq.Enqueue(p); err != nil {
		slog.Warn("enqueueing reminder failed", "session", targetID, "error", err)
	}
}

// ResetStatus records an explicit agent status update: the reminder clock
// restarts and a fired soft reminder is rescheduled.
func (s *Scheduler) ResetStatus(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusAt[targetID] = time.Now()
	if r, ok := s.reminders[targetID]; ok {
		r.lastReset = time.Now()
		r.softFired = false
		r.hardFired = false
	}
}

// CancelReminder drops the target's reminder registration.
func (s *Scheduler) CancelReminder(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reminders[targetID]; ok {
		close(r.cancel)
		delete(s.reminders, targetID)
	}
}

// RegisterWake arms the periodic parent digest for a dispatched child.
func (s *Scheduler) RegisterWake(childID, parentID string) {
	s.mu.Lock()
	if old, ok := s.wakes[childID]; ok {
		close(old.cancel)
	}
	w := &wake{
		childID:        childID,
		parentID:       parentID,
		period:         s.cfg.WakePeriod,
		lastStatusSeen: s.statusAt[childID],
		cancel:         make(chan struct{}),
	}
	s.wakes[childID] = w
	s.mu.Unlock()

	go s.runWake(w)
}

// runWake ticks at the registration's current period until cancelled.
func (s *Scheduler) runWake(w *wake) {
	for {
		s.mu.Lock()
		period := w.period
		s.mu.Unlock()

		select {
		case <-w.cancel:
			return
		case <-time.After(period):
		}

		child, ok := s.reg.Get(w.childID)
		if !ok || child.Status == registry.StatusStopped {
			s.CancelWake(w.childID)
			return
		}
		if child.Compacting {
			continue
		}

		// Escalate (one-way) when the child posted no status update
		// since the previous tick.
		s.mu.Lock()
		current := s.statusAt[w.childID]
		if !w.escalated && current.Equal(w.lastStatusSeen) {
			w.escalated = true
			w.period = s.cfg.WakePeriodEscalated
		}
		w.lastStatusSeen = current
		s.mu.Unlock()

		digest := s.buildDigest(child)
		if _, ok := s.reg.Get(w.parentID); !ok {
			// Parent vanished before the tick. Keep the registration and
			// log the digest instead of enqueueing it; the child's idle
			// transition still cancels the wake.
			slog.Warn("wake parent missing, logging digest", "child", w.childID, "parent", w.parentID, "digest", digest)
			continue
		}

		if _, err := s.enq.Enqueue(delivery.Params{
			TargetID: w.parentID,
			SenderID: w.childID,
			ParentID: w.parentID,
			Text:     digest,
			Mode:     queue.ModeImportant,
		}); err != nil {
			slog.Warn("enqueueing wake digest failed", "child", w.childID, "error", err)
		}
	}
}

// buildDigest assembles the parent wake-up text: child status, running
// duration, and the last five tool uses.
func (s *Scheduler) buildDigest(child *registry.Session) string {
	var b strings.Builder
	name := child.FriendlyName
	if name == "" {
		name = child.ID
	}
	fmt.Fprintf(&b, "Dispatch check-in for %s: status %s, running %s.",
		name, child.Status, time.Since(child.CreatedAt).Round(time.Second))

	if s.obs != nil {
		uses, err := s.obs.LastN(child.ID, 5)
		if err == nil && len(uses) > 0 {
			b.WriteString(" Recent tools:")
			for _, u := range uses {
				fmt.Fprintf(&b, " %s", u.ToolName)
				if u.TargetFile != "" {
					fmt.Fprintf(&b, "(%s)", u.TargetFile)
				}
			}
			b.WriteString(".")
		}
	}
	return b.String()
}

// CancelWake drops the child's wake registration.
func (s *Scheduler) CancelWake(childID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wakes[childID]; ok {
		close(w.cancel)
		delete(s.wakes, childID)
	}
}

// OnTargetIdle cancels both registrations for a target that stopped.
// Wired to the tracker's idle transition.
func (s *Scheduler) OnTargetIdle(targetID string) {
	s.CancelReminder(targetID)
	s.CancelWake(targetID)
}

// OnTargetCleared handles an explicit /clear: reminders cancel
// immediately.
func (s *Scheduler) OnTargetCleared(targetID string) {
	s.CancelReminder(targetID)
}

// CompactionComplete clears the compaction interlock effects: the remind
// clock restarts so the agent isn't immediately reminded for time spent
// compacting.
func (s *Scheduler) CompactionComplete(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reminders[targetID]; ok {
		r.lastReset = time.Now()
		r.softFired = false
		r.hardFired = false
	}
}

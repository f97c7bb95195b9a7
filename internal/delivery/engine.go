// Package delivery injects queued messages into agent panes.
//
// The engine owns the per-target delivery locks and the two-phase
// injection contract. A single injection is always literal text, a settle
// delay, then the submit key — as three separate steps. Sequential and
// important messages wait for the target to go idle and flush FIFO;
// urgent messages preempt with a cancel key but share the same per-target
// lock, so a stop-hook-triggered flush can never interleave with an
// in-progress urgent send.
package delivery

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rajeshgoli/switchboard/internal/queue"
	"github.com/rajeshgoli/switchboard/internal/registry"
	"github.com/rajeshgoli/switchboard/internal/tmux"
	"github.com/rajeshgoli/switchboard/internal/tracker"
)

// Common errors
var (
	ErrStopped     = errors.New("target session is stopped")
	ErrInvalidMode = errors.New("invalid delivery mode")
	ErrNoTransport = errors.New("no transport for app sessions")
)

// Engine delivers queued messages to sessions.
type Engine struct {
	store   *queue.Store
	reg     *registry.Registry
	tracker *tracker.Tracker
	driver  tmux.Driver

	settle     time.Duration
	urgentWait time.Duration

	// locks maps session id to its delivery mutex. Held for the full
	// duration of one injection (cancel + settle + text + submit).
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// appSend delivers to codex_app sessions, which have no pane.
	appSend func(sessionID, text string) error

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// New creates a delivery engine. settle is the pause between literal text
// and submit (at least 300ms in production); urgentWait bounds the
// prompt-signature poll after a cancel key.
func New(store *queue.Store, reg *registry.Registry, tr *tracker.Tracker, driver tmux.Driver, settle, urgentWait time.Duration) *Engine {
	e := &Engine{
		store:      store,
		reg:        reg,
		tracker:    tr,
		driver:     driver,
		settle:     settle,
		urgentWait: urgentWait,
		locks:      make(map[string]*sync.Mutex),
		sleep:      time.Sleep,
	}
	e.appSend = func(string, string) error { return ErrNoTransport }
	return e
}

// SetAppSender installs the transport for codex_app sessions.
func (e *Engine) SetAppSender(fn func(sessionID, text string) error) {
	e.appSend = fn
}

// targetLock returns the delivery mutex for a session, creating it lazily.
func (e *Engine) targetLock(id string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[id] = mu
	}
	return mu
}

// WithTargetLock runs fn while holding the target's delivery lock. The
// handoff coordinator uses this to order its protocol against deliveries.
func (e *Engine) WithTargetLock(id string, fn func() error) error {
	mu := e.targetLock(id)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Params describes one enqueue request.
type Params struct {
	TargetID     string
	SenderID     string
	ParentID     string
	Text         string
	Mode         queue.Mode
	Category     string
	NotifyOnStop bool
}

// Enqueue validates and inserts a message, then either delivers it
// (urgent: synchronously, surfacing errors) or arms a flush (sequential/
// important when the target is already idle).
func (e *Engine) Enqueue(p Params) (*queue.Message, error) {
	if !p.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, p.Mode)
	}
	target, ok := e.reg.Get(p.TargetID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, p.TargetID)
	}
	if target.Status == registry.StatusStopped {
		return nil, fmt.Errorf("%w: %s", ErrStopped, p.TargetID)
	}

	m := &queue.Message{
		TargetID: p.TargetID,
		SenderID: p.SenderID,
		ParentID: p.ParentID,
		Text:     p.Text,
		Mode:     p.Mode,
		Category: p.Category,
	}
	if err := e.store.Enqueue(m); err != nil {
		return nil, err
	}

	e.tracker.RecordOutgoingSend(p.SenderID, p.TargetID)
	if p.NotifyOnStop && p.SenderID != "" {
		e.tracker.SetStopNotify(p.TargetID, p.SenderID)
	}

	switch p.Mode {
	case queue.ModeUrgent:
		// Urgent enqueue marks the target active immediately; the agent
		// is about to be preempted.
		e.tracker.MarkActive(p.TargetID)
		if err := e.deliverUrgent(target, m); err != nil {
			// Surface to the enqueuer, but leave the row for the
			// sequential retry path.
			return m, err
		}
	default:
		if e.tracker.IsIdle(p.TargetID) {
			go e.FlushTarget(p.TargetID)
		}
	}
	return m, nil
}

// FlushTarget drains the target's pending messages FIFO under the
// delivery lock. Called by the tracker's idle transition and by crash
// recovery. Any delivery error stops the flush; remaining rows wait for
// the next idle signal.
func (e *Engine) FlushTarget(id string) {
	mu := e.targetLock(id)
	mu.Lock()
	defer mu.Unlock()

	target, ok := e.reg.Get(id)
	if !ok || target.Status == registry.StatusStopped {
		return
	}

	pending, err := e.store.Pending(id)
	if err != nil {
		slog.Error("listing pending messages", "session", id, "error", err)
		return
	}

	delivered := 0
	for _, m := range pending {
		if err := e.inject(target, formatMessage(m)); err != nil {
			slog.Warn("delivery failed, leaving message queued",
				"session", id, "message", m.ID, "error", err)
			break
		}
		if err := e.store.Delete(m.ID); err != nil {
			slog.Error("deleting delivered message", "message", m.ID, "error", err)
		}
		delivered++
	}

	if delivered > 0 {
		e.tracker.MarkActive(id)
	}
}

// deliverUrgent preempts the target: cancel key, wait for the input
// prompt to reappear (bounded), then inject. Holds the same per-target
// lock as FlushTarget.
func (e *Engine) deliverUrgent(target *registry.Session, m *queue.Message) error {
	mu := e.targetLock(target.ID)
	mu.Lock()
	defer mu.Unlock()

	if target.Provider == registry.ProviderCodexApp {
		// No pane to preempt; deliver through the app transport.
		if err := e.appSend(target.ID, formatMessage(m)); err != nil {
			return err
		}
		return e.store.Delete(m.ID)
	}

	if err := e.driver.SendCancel(target.TmuxName); err != nil {
		return fmt.Errorf("sending cancel key: %w", err)
	}
	e.awaitPrompt(target)

	if err := e.inject(target, formatMessage(m)); err != nil {
		return err
	}
	if err := e.store.Delete(m.ID); err != nil {
		slog.Error("deleting delivered message", "message", m.ID, "error", err)
	}
	return nil
}

// awaitPrompt polls the pane for the provider's input-prompt signature
// after a cancel key, up to urgentWait. Best-effort: on timeout the
// injection proceeds anyway.
func (e *Engine) awaitPrompt(target *registry.Session) {
	glyph := tracker.PromptGlyph(target.Provider)
	if glyph == "" {
		return
	}
	deadline := time.Now().Add(e.urgentWait)
	for time.Now().Before(deadline) {
		capture, err := e.driver.CapturePane(target.TmuxName, 20)
		if err == nil && tracker.PromptIdle(target.Provider, capture) {
			return
		}
		e.sleep(100 * time.Millisecond)
	}
}

// inject performs one two-phase injection: literal text, settle, submit.
// Caller holds the target's delivery lock.
func (e *Engine) inject(target *registry.Session, text string) error {
	if target.Provider == registry.ProviderCodexApp {
		return e.appSend(target.ID, text)
	}
	if err := e.driver.SendLiteral(target.TmuxName, text); err != nil {
		return fmt.Errorf("sending text: %w", err)
	}
	e.sleep(e.settle)
	if err := e.driver.SendSubmit(target.TmuxName); err != nil {
		return fmt.Errorf("sending submit: %w", err)
	}
	return nil
}

// InjectCommand sends raw text (e.g. "/clear") to a session under the
// two-phase contract, without a queue row. Caller must already hold the
// target's delivery lock via WithTargetLock.
func (e *Engine) InjectCommand(target *registry.Session, text string) error {
	return e.inject(target, text)
}

// CancelContextMonitorFrom removes undelivered context-monitor messages
// originated by sender. Invoked on session clear and context reset.
func (e *Engine) CancelContextMonitorFrom(sender string) (int64, error) {
	return e.store.CancelContextMonitorFrom(sender)
}

// DropTarget discards all undelivered messages for a killed target.
func (e *Engine) DropTarget(id string) {
	n, err := e.store.DiscardForTarget(id)
	if err != nil {
		slog.Error("discarding queue for target", "session", id, "error", err)
		return
	}
	if n > 0 {
		slog.Info("discarded queued messages", "session", id, "count", n)
	}
}

// Recover re-arms flushes for queue targets that survived a restart and
// discards messages whose target no longer exists.
func (e *Engine) Recover() {
	targets, err := e.store.Targets()
	if err != nil {
		slog.Error("listing recovery targets", "error", err)
		return
	}
	for _, id := range targets {
		s, ok := e.reg.Get(id)
		if !ok || s.Status == registry.StatusStopped {
			n, _ := e.store.DiscardForTarget(id)
			slog.Info("discarded messages for dead target", "session", id, "count", n)
			continue
		}
		if e.tracker.IsIdle(id) {
			go e.FlushTarget(id)
		}
	}
}

// formatMessage renders the user-visible text for a message. The modes
// differ only in this prefix.
func formatMessage(m *queue.Message) string {
	sender := m.SenderID
	if sender == "" {
		sender = "operator"
	}
	switch m.Mode {
	case queue.ModeImportant:
		return fmt.Sprintf("[IMPORTANT from %s] %s", sender, m.Text)
	case queue.ModeUrgent:
		return fmt.Sprintf("[URGENT from %s] %s", sender, m.Text)
	default:
		return fmt.Sprintf("[message from %s] %s", sender, m.Text)
	}
}

// Package tracker arbitrates whether a session is idle.
//
// Idle state is reconciled from three signal classes: stop/notification
// hooks (claude_tmux, authoritative but possibly late or lost), prompt
// inspection of the pane (claude_tmux and codex_tmux, always available),
// and provider RPC (codex_app). The tracker also owns the skip fence that
// absorbs the hook storm produced by a handoff's /clear.
package tracker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rajeshgoli/switchboard/internal/registry"
	"github.com/rajeshgoli/switchboard/internal/tmux"
)

// Transcript read retry delays. The two failure modes are disjoint by
// precondition: an empty read gets the longer retry, a stale read (equal
// to the previously stored response) the shorter one. Each fires at most
// once per stop hook.
const (
	nullRetryDelay  = 500 * time.Millisecond
	staleRetryDelay = 300 * time.Millisecond
)

// State is the per-target delivery state. Ephemeral; rebuilt after crash.
type State struct {
	IsIdle       bool
	LastIdleAt   time.Time
	LastActiveAt time.Time

	// Skip fence: armed by the handoff coordinator before /clear, drained
	// by absorbed stop hooks. Count and arm timestamp clear together.
	StopNotifySkipCount int
	SkipCountArmedAt    time.Time

	// Ownership hints for stop notifications.
	StopNotifySender       string
	LastOutgoingSendTarget string

	// PendingHandoffPath routes the next stop signal into the handoff
	// wake-up branch instead of the idle transition.
	PendingHandoffPath string
}

// Tracker reconciles idle signals into per-session state.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*State

	reg      *registry.Registry
	driver   tmux.Driver
	fenceTTL time.Duration

	// lastResponses stores the previously read assistant response per
	// session, for stale-read detection.
	lastResponses map[string]string

	onIdle       []func(sessionID string)
	onHandoff    func(sessionID, continuationPath string)
	onStopNotify func(target, sender, response string)

	// sleep is swapped out in tests.
	sleep func(time.Duration)
	// readTranscript is swapped out in tests; defaults to LastAssistantResponse.
	readTranscript func(path string) (string, error)
}

// New creates a tracker. fenceTTL bounds how long an armed skip fence
// absorbs stop hooks; it should be the hook transport timeout plus a
// margin.
func New(reg *registry.Registry, driver tmux.Driver, fenceTTL time.Duration) *Tracker {
	return &Tracker{
		states:         make(map[string]*State),
		reg:            reg,
		driver:         driver,
		fenceTTL:       fenceTTL,
		lastResponses:  make(map[string]string),
		sleep:          time.Sleep,
		readTranscript: LastAssistantResponse,
	}
}

// OnIdle registers a listener fired (without the tracker lock held) after
// a session transitions to idle.
func (t *Tracker) OnIdle(fn func(sessionID string)) {
	t.onIdle = append(t.onIdle, fn)
}

// SetHandoffFn registers the pending-handoff branch target.
func (t *Tracker) SetHandoffFn(fn func(sessionID, continuationPath string)) {
	t.onHandoff = fn
}

// SetStopNotifyFn registers the stop-notification sink.
func (t *Tracker) SetStopNotifyFn(fn func(target, sender, response string)) {
	t.onStopNotify = fn
}

// state returns the state for id, creating it lazily. Caller holds mu.
func (t *Tracker) state(id string) *State {
	st, ok := t.states[id]
	if !ok {
		st = &State{LastActiveAt: time.Now()}
		t.states[id] = st
	}
	return st
}

// Snapshot returns a copy of the session's delivery state.
func (t *Tracker) Snapshot(id string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.state(id)
}

// IsIdle reports whether the session is currently idle.
func (t *Tracker) IsIdle(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(id).IsIdle
}

// Forget drops a session's state. Called when the session is removed.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
	delete(t.lastResponses, id)
}

// MarkActive clears the idle flag. Called on delivery, on URGENT enqueue,
// and on explicit activity RPC. The external status lags to RUNNING.
func (t *Tracker) MarkActive(id string) {
	t.mu.Lock()
	st := t.state(id)
	st.IsIdle = false
	st.LastActiveAt = time.Now()
	t.mu.Unlock()

	if s, ok := t.reg.Get(id); ok && s.Status == registry.StatusIdle {
		_ = t.reg.UpdateStatus(id, registry.StatusRunning)
	}
}

// ArmSkipFence increments the fence count and stamps the arm time. The
// upcoming /clear's stop hook will be absorbed instead of marking idle.
func (t *Tracker) ArmSkipFence(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(id)
	st.StopNotifySkipCount++
	st.SkipCountArmedAt = time.Now()
}

// SetPendingHandoff stores the continuation path consumed by the next
// stop signal.
func (t *Tracker) SetPendingHandoff(id, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(id).PendingHandoffPath = path
}

// SetStopNotify records who should be notified when the target stops.
func (t *Tracker) SetStopNotify(target, sender string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(target).StopNotifySender = sender
}

// RecordOutgoingSend notes that a delivery originating from `from` went
// to `to`. Used to suppress self-echo stop notifications.
func (t *Tracker) RecordOutgoingSend(from, to string) {
	if from == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(from).LastOutgoingSendTarget = to
}

// HandleStop processes a stop hook (or a codex_app turn-complete RPC,
// which carries no transcript).
//
// Fence discipline: an armed, unexpired fence absorbs the hook — the
// count is decremented, idle is NOT set, and the external status is NOT
// downgraded (a late clear hook arriving after a re-dispatch must not
// mark the live task idle). When the count fully drains, the arm
// timestamp clears with it. An armed but expired fence is reset whole
// (count and timestamp) before the hook is processed normally; the
// pending handoff, if any, is abandoned — its clear hook was lost.
func (t *Tracker) HandleStop(id, transcriptPath string) {
	t.mu.Lock()
	st := t.state(id)

	if st.StopNotifySkipCount > 0 {
		if time.Since(st.SkipCountArmedAt) < t.fenceTTL {
			st.StopNotifySkipCount--
			if st.StopNotifySkipCount == 0 {
				st.SkipCountArmedAt = time.Time{}
			}
			path := st.PendingHandoffPath
			st.PendingHandoffPath = ""
			t.mu.Unlock()

			if path != "" && t.onHandoff != nil {
				t.onHandoff(id, path)
			}
			return
		}
		// Fence expired: the clear hook was lost in transport. Reset the
		// whole fence and process this hook as a genuine stop.
		st.StopNotifySkipCount = 0
		st.SkipCountArmedAt = time.Time{}
		if st.PendingHandoffPath != "" {
			slog.Warn("abandoning handoff: clear hook lost", "session", id, "path", st.PendingHandoffPath)
			st.PendingHandoffPath = ""
		}
	}

	// Unfenced stop with a pending handoff: the clear hook arrived after
	// the fence drained some other way. Route it into the wake branch
	// rather than marking the re-primed session idle.
	if st.PendingHandoffPath != "" {
		path := st.PendingHandoffPath
		st.PendingHandoffPath = ""
		t.mu.Unlock()
		if t.onHandoff != nil {
			t.onHandoff(id, path)
		}
		return
	}
	notifySender := st.StopNotifySender
	selfEcho := notifySender != "" && st.LastOutgoingSendTarget == notifySender
	st.StopNotifySender = ""
	t.mu.Unlock()

	response := t.readResponse(id, transcriptPath)
	t.markIdle(id)

	if notifySender != "" && !selfEcho && t.onStopNotify != nil {
		t.onStopNotify(id, notifySender, response)
	}
}

// MarkIdleFromPrompt records an idle transition observed via prompt
// inspection (codex_tmux's only source; claude_tmux's fallback).
func (t *Tracker) MarkIdleFromPrompt(id string) {
	t.markIdle(id)
}

// markIdle flips the idle flag, updates the external status, and fires
// the idle listeners.
func (t *Tracker) markIdle(id string) {
	t.mu.Lock()
	st := t.state(id)
	st.IsIdle = true
	st.LastIdleAt = time.Now()
	t.mu.Unlock()

	if s, ok := t.reg.Get(id); ok && s.Status == registry.StatusRunning {
		_ = t.reg.UpdateStatus(id, registry.StatusIdle)
	}

	for _, fn := range t.onIdle {
		fn(id)
	}
}

// readResponse reads the last assistant response from the transcript with
// the bounded retry policy: one retry for an empty read, one for a read
// equal to the previously stored response. The preconditions are
// mutually exclusive, so at most one retry fires.
func (t *Tracker) readResponse(id, transcriptPath string) string {
	if transcriptPath == "" {
		return ""
	}

	resp, err := t.readTranscript(transcriptPath)
	if err != nil {
		slog.Debug("transcript read failed", "session", id, "error", err)
		return ""
	}

	t.mu.Lock()
	stored := t.lastResponses[id]
	t.mu.Unlock()

	switch {
	case resp == "":
		// Not yet flushed by the agent.
		t.sleep(nullRetryDelay)
		resp, err = t.readTranscript(transcriptPath)
		if err != nil {
			return ""
		}
	case resp == stored && stored != "":
		// Stale: the agent hasn't appended the new turn yet.
		t.sleep(staleRetryDelay)
		resp, err = t.readTranscript(transcriptPath)
		if err != nil {
			return ""
		}
	}

	if resp == "" || (resp == stored && stored != "") {
		// Both bounded retries exhausted; proceed without the payload.
		return ""
	}

	t.mu.Lock()
	t.lastResponses[id] = resp
	t.mu.Unlock()
	return resp
}

// LastResponse returns the most recently read assistant response for a
// session, or "".
func (t *Tracker) LastResponse(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastResponses[id]
}

// CheckPromptIdle captures the session's pane and applies the provider
// prompt signature. On a match the session transitions to idle. Returns
// whether the pane currently shows an idle prompt.
func (t *Tracker) CheckPromptIdle(id string) bool {
	s, ok := t.reg.Get(id)
	if !ok || !s.Provider.HasPane() {
		return false
	}

	capture, err := t.driver.CapturePane(s.TmuxName, 40)
	if err != nil {
		return false
	}
	if !PromptIdle(s.Provider, capture) {
		return false
	}

	t.mu.Lock()
	alreadyIdle := t.state(id).IsIdle
	t.mu.Unlock()
	if !alreadyIdle {
		t.markIdle(id)
	}
	return true
}

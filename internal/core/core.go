// Package core is the supervisor: it constructs the orchestration
// components, wires their callbacks, and owns session spawn/kill and the
// hook fan-out.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rajeshgoli/switchboard/internal/config"
	"github.com/rajeshgoli/switchboard/internal/delivery"
	"github.com/rajeshgoli/switchboard/internal/handoff"
	"github.com/rajeshgoli/switchboard/internal/obs"
	"github.com/rajeshgoli/switchboard/internal/queue"
	"github.com/rajeshgoli/switchboard/internal/registry"
	"github.com/rajeshgoli/switchboard/internal/remind"
	"github.com/rajeshgoli/switchboard/internal/telegram"
	"github.com/rajeshgoli/switchboard/internal/tmux"
	"github.com/rajeshgoli/switchboard/internal/tracker"
	"github.com/rajeshgoli/switchboard/internal/watch"
)

// providerCommands maps each pane provider to the command launched as
// the pane's initial process.
var providerCommands = map[registry.Provider]string{
	registry.ProviderClaudeTmux: "claude",
	registry.ProviderCodexTmux:  "codex",
}

// Core owns all orchestration state for one daemon process.
type Core struct {
	Cfg      *config.Config
	Registry *registry.Registry
	Queue    *queue.Store
	Obs      *obs.Store
	Tracker  *tracker.Tracker
	Engine   *delivery.Engine
	Remind   *remind.Scheduler
	Watch    *watch.Manager
	Handoff  *handoff.Coordinator
	Gateway  *telegram.Gateway
	Driver   tmux.Driver

	// transcripts maps transcript paths to session ids, for hook
	// payloads that arrive without a recognized session id.
	mu          sync.Mutex
	transcripts map[string]string

	cancel context.CancelFunc
}

// New builds the component graph and runs crash recovery.
func New(cfg *config.Config, driver tmux.Driver) (*Core, error) {
	reg, err := registry.Open(cfg.SnapshotPath())
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	store, err := queue.Open(cfg.QueuePath())
	if err != nil {
		return nil, fmt.Errorf("opening queue: %w", err)
	}
	toolStore, err := obs.Open(cfg.ObsPath())
	if err != nil {
		return nil, fmt.Errorf("opening obs store: %w", err)
	}

	tr := tracker.New(reg, driver, cfg.SkipFenceTTL())
	eng := delivery.New(store, reg, tr, driver, cfg.SettleDelay(), cfg.UrgentPromptWait())
	sched := remind.New(reg, eng, toolStore, remind.Config{
		SoftThreshold:         cfg.Remind.SoftThreshold.Duration,
		HardThreshold:         cfg.Remind.HardThreshold.Duration,
		PollInterval:          cfg.Remind.PollInterval.Duration,
		WakePeriod:            cfg.Remind.WakePeriod.Duration,
		WakePeriodEscalated:   cfg.Remind.WakePeriodEscalated.Duration,
		CompactionWaitCeiling: cfg.Remind.CompactionWaitCeiling.Duration,
	})
	watcher := watch.New(reg, tr, eng, 2*time.Second)
	co := handoff.New(reg, tr, eng, driver, cfg, sched)

	c := &Core{
		Cfg:         cfg,
		Registry:    reg,
		Queue:       store,
		Obs:         toolStore,
		Tracker:     tr,
		Engine:      eng,
		Remind:      sched,
		Watch:       watcher,
		Handoff:     co,
		Driver:      driver,
		transcripts: make(map[string]string),
	}

	// Idle transitions flush the target's queue and cancel its
	// dispatch registrations.
	tr.OnIdle(func(id string) {
		sched.OnTargetIdle(id)
		go eng.FlushTarget(id)
	})
	tr.SetStopNotifyFn(c.stopNotify)

	// Crash recovery: stale panes first, then the persistent queue.
	stopped := reg.ReconcilePanes(c.paneExists)
	for _, id := range stopped {
		slog.Info("marked session stopped: pane gone", "session", id)
		eng.DropTarget(id)
	}
	eng.Recover()

	return c, nil
}

// ConnectTelegram attaches the remote-chat gateway. No-op if the token
// is empty.
func (c *Core) ConnectTelegram() error {
	if c.Cfg.Telegram.Token == "" {
		return nil
	}
	gw, err := telegram.New(c.Cfg.Telegram.Token, c.Registry, c.Engine, telegram.Config{
		ChatID:         c.Cfg.Telegram.ChatID,
		PollTimeout:    c.Cfg.Telegram.PollTimeout.Duration,
		HealthInterval: c.Cfg.Telegram.HealthInterval.Duration,
	})
	if err != nil {
		return err
	}
	c.Gateway = gw
	return nil
}

// Run starts the background loops (gateway poller, dead-pane sweep) and
// blocks until ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	if c.Gateway != nil {
		go c.Gateway.Run(ctx)
	}
	c.sweep(ctx)
}

// Close shuts the core down: watchers are awaited, stores closed.
func (c *Core) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.Watch.Stop()
	_ = c.Queue.Close()
	_ = c.Obs.Close()
}

// sweep periodically reconciles dead panes and runs prompt inspection
// for hook-less providers.
func (c *Core) sweep(ctx context.Context) {
	ticker := time.NewTicker(c.Cfg.ReconcileInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, id := range c.Registry.ReconcilePanes(c.paneExists) {
			slog.Info("session pane died", "session", id)
			c.Remind.OnTargetIdle(id)
			c.Engine.DropTarget(id)
		}

		// codex_tmux has no hooks; the prompt glyph is its only signal.
		for _, s := range c.Registry.List() {
			if s.Provider == registry.ProviderCodexTmux && s.Status == registry.StatusRunning {
				c.Tracker.CheckPromptIdle(s.ID)
			}
		}
	}
}

func (c *Core) paneExists(name string) bool {
	ok, err := c.Driver.HasSession(name)
	return err == nil && ok
}

// SpawnParams describes a session to create.
type SpawnParams struct {
	Provider     registry.Provider
	WorkingDir   string
	ParentID     string
	FriendlyName string
	IsEM         bool
	Command      string // overrides the provider default
}

// Spawn creates the session: registry row, tmux pane running the agent,
// and the pane pipe-log.
func (c *Core) Spawn(p SpawnParams) (*registry.Session, error) {
	if !p.Provider.Valid() {
		return nil, fmt.Errorf("unknown provider %q", p.Provider)
	}

	tmuxName := ""
	if p.Provider.HasPane() {
		tmuxName = "swb-" + registry.NewID()
	}

	sess, err := c.Registry.Create(registry.CreateParams{
		Provider:     p.Provider,
		TmuxName:     tmuxName,
		ParentID:     p.ParentID,
		WorkingDir:   p.WorkingDir,
		FriendlyName: p.FriendlyName,
		IsEM:         p.IsEM,
	})
	if err != nil {
		return nil, err
	}

	if p.Provider.HasPane() {
		command := p.Command
		if command == "" {
			command = providerCommands[p.Provider]
		}
		if err := c.Driver.NewSessionWithCommand(tmuxName, p.WorkingDir, command); err != nil {
			_ = c.Registry.Remove(sess.ID)
			return nil, fmt.Errorf("creating pane: %w", err)
		}
		if err := os.MkdirAll(c.Cfg.PipeLogDir, 0755); err == nil {
			if err := c.Driver.PipeToLog(tmuxName, c.Cfg.PipeLogPath(tmuxName)); err != nil {
				slog.Warn("enabling pipe log", "session", sess.ID, "error", err)
			}
		}
	}

	slog.Info("session created", "session", sess.ID, "provider", p.Provider, "pane", tmuxName)
	return sess, nil
}

// Kill stops a session: terminal state, registrations cancelled, queue
// discarded, pane killed.
func (c *Core) Kill(id string) error {
	sess, ok := c.Registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}

	if err := c.Registry.UpdateStatus(id, registry.StatusStopped); err != nil {
		return err
	}
	c.Remind.OnTargetIdle(id)
	c.Engine.DropTarget(id)
	c.Tracker.Forget(id)
	if c.Gateway != nil {
		c.Gateway.ForgetSession(id)
	}

	if sess.Provider.HasPane() && sess.TmuxName != "" {
		if err := c.Driver.KillSession(sess.TmuxName); err != nil {
			slog.Warn("killing pane", "session", id, "error", err)
		}
	}
	slog.Info("session killed", "session", id)
	return nil
}

// stopNotify delivers a stop notification to the session that asked for
// one, and mirrors the final response into the remote chat.
func (c *Core) stopNotify(target, sender, response string) {
	text := fmt.Sprintf("Session %s finished its turn.", target)
	if response != "" {
		text = fmt.Sprintf("Session %s finished: %s", target, response)
	}
	if _, err := c.Engine.Enqueue(delivery.Params{
		TargetID: sender,
		SenderID: target,
		Text:     text,
		Mode:     queue.ModeImportant,
	}); err != nil {
		slog.Warn("enqueueing stop notification", "target", sender, "error", err)
	}
}

// ResolveHookSession maps a hook payload to a session: by id when
// recognized, falling back to the transcript path.
func (c *Core) ResolveHookSession(sessionID, transcriptPath string) (*registry.Session, bool) {
	if sessionID != "" {
		if s, ok := c.Registry.Get(sessionID); ok {
			return s, true
		}
	}
	if transcriptPath != "" {
		c.mu.Lock()
		id, ok := c.transcripts[transcriptPath]
		c.mu.Unlock()
		if ok {
			if s, found := c.Registry.Get(id); found {
				return s, true
			}
		}
	}
	return nil, false
}

// rememberTranscript records a transcript-path-to-session binding for
// later payloads that arrive without a session id.
func (c *Core) rememberTranscript(sessionID, transcriptPath string) {
	if transcriptPath == "" {
		return
	}
	c.mu.Lock()
	c.transcripts[transcriptPath] = sessionID
	c.mu.Unlock()
}

// OnStop handles a stop hook (or codex_app turn-complete).
func (c *Core) OnStop(sess *registry.Session, transcriptPath string) {
	c.rememberTranscript(sess.ID, transcriptPath)
	c.Tracker.HandleStop(sess.ID, transcriptPath)

	if c.Gateway != nil {
		if resp := c.Tracker.LastResponse(sess.ID); resp != "" {
			go c.Gateway.NotifySession(context.Background(), sess, resp)
		}
	}
}

// OnToolUse handles Pre/PostToolUse hooks: telemetry plus the obs store.
func (c *Core) OnToolUse(sess *registry.Session, toolName, targetFile, command string) {
	now := time.Now()
	_ = c.Registry.Update(sess.ID, func(s *registry.Session) {
		s.LastActivity = now
		s.LastToolCall = now
		s.LastToolName = toolName
	})
	c.Tracker.MarkActive(sess.ID)
	if err := c.Obs.Record(obs.ToolUse{
		SessionID:  sess.ID,
		ToolName:   toolName,
		TargetFile: targetFile,
		Command:    command,
		At:         now,
	}); err != nil {
		slog.Warn("recording tool use", "session", sess.ID, "error", err)
	}
}

// OnSessionStart handles the SessionStart hook.
func (c *Core) OnSessionStart(sess *registry.Session, transcriptPath string) {
	c.rememberTranscript(sess.ID, transcriptPath)
	c.Tracker.MarkActive(sess.ID)
}

// OnCompaction flags the session as compacting: reminders hold off.
func (c *Core) OnCompaction(sess *registry.Session) {
	_ = c.Registry.Update(sess.ID, func(s *registry.Session) { s.Compacting = true })
}

// OnCompactionComplete clears the flag and restarts the remind clock.
func (c *Core) OnCompactionComplete(sess *registry.Session) {
	_ = c.Registry.Update(sess.ID, func(s *registry.Session) { s.Compacting = false })
	c.Remind.CompactionComplete(sess.ID)
}

// OnContextReset handles an explicit context reset: the warning flags
// rearm and outstanding context-monitor notices from this session die.
func (c *Core) OnContextReset(sess *registry.Session) {
	_ = c.Registry.Update(sess.ID, func(s *registry.Session) {
		s.ContextWarningSent = false
		s.ContextCriticalSent = false
		s.TokensUsed = 0
	})
	if n, err := c.Engine.CancelContextMonitorFrom(sess.ID); err == nil && n > 0 {
		slog.Info("cancelled context-monitor messages", "session", sess.ID, "count", n)
	}
}

// OnAgentStatus records an explicit agent status update.
func (c *Core) OnAgentStatus(sess *registry.Session) {
	_ = c.Registry.Update(sess.ID, func(s *registry.Session) { s.LastActivity = time.Now() })
	c.Remind.ResetStatus(sess.ID)
}

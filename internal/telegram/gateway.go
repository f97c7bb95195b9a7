// Package telegram is the remote-chat gateway: it relays session output
// to a Telegram forum (one thread per session) and turns inbound thread
// messages into queued sends.
//
// The poll loop bounds every long poll with an explicit total timeout
// shorter than the transport default, and a background health monitor
// restarts the loop when no round-trip is observed for too long. This
// guards against silent TCP stalls where per-chunk timeouts never fire
// because keepalive traffic keeps the connection "alive".
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/rajeshgoli/switchboard/internal/delivery"
	"github.com/rajeshgoli/switchboard/internal/queue"
	"github.com/rajeshgoli/switchboard/internal/registry"
)

// api is the slice of the Telegram Bot API the gateway uses. Satisfied
// by *telego.Bot; tests substitute a fake.
type api interface {
	GetUpdates(ctx context.Context, params *telego.GetUpdatesParams) ([]telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	CreateForumTopic(ctx context.Context, params *telego.CreateForumTopicParams) (*telego.ForumTopic, error)
	DeleteForumTopic(ctx context.Context, params *telego.DeleteForumTopicParams) error
}

// Enqueuer is the slice of the delivery engine the gateway needs.
type Enqueuer interface {
	Enqueue(delivery.Params) (*queue.Message, error)
}

// Config carries the gateway's chat and timing parameters.
type Config struct {
	ChatID         int64
	PollTimeout    time.Duration
	HealthInterval time.Duration
}

// Gateway relays messages between sessions and the operator chat.
type Gateway struct {
	bot api
	reg *registry.Registry
	enq Enqueuer
	cfg Config

	mu      sync.Mutex
	threads map[string]int // session id -> forum thread id
	byTopic map[int]string // forum thread id -> session id

	lastRoundTrip time.Time
	cancelPoll    context.CancelFunc
}

// NewFromBot creates a gateway over an existing bot client.
func NewFromBot(bot api, reg *registry.Registry, enq Enqueuer, cfg Config) *Gateway {
	return &Gateway{
		bot:     bot,
		reg:     reg,
		enq:     enq,
		cfg:     cfg,
		threads: make(map[string]int),
		byTopic: make(map[int]string),
	}
}

// New creates a gateway with a real Telegram client.
func New(token string, reg *registry.Registry, enq Enqueuer, cfg Config) (*Gateway, error) {
	bot, err := telego.NewBot(token, telego.WithDefaultLogger(false, false))
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return NewFromBot(bot, reg, enq, cfg), nil
}

// Run polls for updates until ctx is cancelled. The health monitor runs
// alongside and restarts the poll loop on a stall.
func (g *Gateway) Run(ctx context.Context) {
	go g.healthMonitor(ctx)

	var offset int
	for ctx.Err() == nil {
		pollCtx, cancel := context.WithTimeout(ctx, g.cfg.PollTimeout)
		g.mu.Lock()
		g.cancelPoll = cancel
		g.mu.Unlock()

		// Ask the server to hold the poll slightly shorter than our own
		// deadline so a healthy empty poll returns before we cancel it.
		serverTimeout := int(g.cfg.PollTimeout/time.Second) - 1
		if serverTimeout < 1 {
			serverTimeout = 1
		}
		updates, err := g.bot.GetUpdates(pollCtx, &telego.GetUpdatesParams{
			Offset:  offset,
			Timeout: serverTimeout,
		})
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("telegram poll failed, retrying", "error", err)
			time.Sleep(time.Second)
			continue
		}

		g.mu.Lock()
		g.lastRoundTrip = time.Now()
		g.mu.Unlock()

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			g.handleUpdate(ctx, u)
		}
	}
}

// healthMonitor restarts the poll loop when no round-trip has been
// observed within the health interval.
func (g *Gateway) healthMonitor(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.HealthInterval / 3)
	defer ticker.Stop()

	g.mu.Lock()
	g.lastRoundTrip = time.Now()
	g.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		g.mu.Lock()
		stalled := time.Since(g.lastRoundTrip) > g.cfg.HealthInterval
		cancel := g.cancelPoll
		g.mu.Unlock()

		if stalled && cancel != nil {
			slog.Warn("telegram poll stalled, restarting", "silent_for", time.Since(g.lastRoundTrip))
			cancel()
		}
	}
}

// handleUpdate routes one inbound update: thread messages become queued
// sends to the thread's session.
func (g *Gateway) handleUpdate(ctx context.Context, u telego.Update) {
	msg := u.Message
	if msg == nil || msg.Text == "" || msg.Chat.ID != g.cfg.ChatID {
		return
	}

	g.mu.Lock()
	sessionID, ok := g.byTopic[msg.MessageThreadID]
	g.mu.Unlock()
	if !ok {
		// Also accept the inherited EM thread.
		if topic := g.reg.EMTopic(); topic != nil && topic.ThreadID == msg.MessageThreadID {
			if em, found := g.reg.EM(); found {
				sessionID, ok = em.ID, true
			}
		}
	}
	if !ok {
		return
	}

	text := msg.Text
	mode := queue.ModeSequential
	switch {
	case text == "/status":
		g.replyStatus(ctx, msg.MessageThreadID)
		return
	case strings.HasPrefix(text, "/urgent "):
		text = strings.TrimPrefix(text, "/urgent ")
		mode = queue.ModeUrgent
	}

	if _, err := g.enq.Enqueue(delivery.Params{
		TargetID: sessionID,
		Text:     text,
		Mode:     mode,
	}); err != nil {
		slog.Warn("enqueueing inbound chat message", "session", sessionID, "error", err)
		g.send(ctx, msg.MessageThreadID, fmt.Sprintf("send failed: %v", err))
	}
}

// replyStatus posts the session table into the requesting thread.
func (g *Gateway) replyStatus(ctx context.Context, threadID int) {
	var b strings.Builder
	for _, s := range g.reg.List() {
		name := s.FriendlyName
		if name == "" {
			name = s.ID
		}
		fmt.Fprintf(&b, "%s  %s  %s\n", s.ID, name, s.Status)
	}
	if b.Len() == 0 {
		b.WriteString("no sessions")
	}
	g.send(ctx, threadID, b.String())
}

// NotifySession relays text from a session into its forum thread,
// creating the thread on first use.
func (g *Gateway) NotifySession(ctx context.Context, sess *registry.Session, text string) {
	threadID, err := g.threadFor(ctx, sess)
	if err != nil {
		slog.Warn("resolving forum thread", "session", sess.ID, "error", err)
		threadID = 0
	}
	g.send(ctx, threadID, text)
}

// send posts to (chat, thread) with an opportunistic fallback to the
// main chat when the thread has been closed or deleted.
func (g *Gateway) send(ctx context.Context, threadID int, text string) {
	params := tu.Message(tu.ID(g.cfg.ChatID), text)
	params.MessageThreadID = threadID
	if _, err := g.bot.SendMessage(ctx, params); err != nil {
		if threadID == 0 {
			slog.Warn("telegram send failed", "error", err)
			return
		}
		params.MessageThreadID = 0
		if _, err := g.bot.SendMessage(ctx, params); err != nil {
			slog.Warn("telegram send failed after thread fallback", "error", err)
		}
	}
}

// threadFor returns the forum thread for a session, creating one lazily.
// EM sessions inherit the prior EM's thread instead of accumulating new
// ones: the freshly created thread is deleted and the stored topic
// adopted. Fail-open: any error leaves the session with a usable thread.
func (g *Gateway) threadFor(ctx context.Context, sess *registry.Session) (int, error) {
	g.mu.Lock()
	if id, ok := g.threads[sess.ID]; ok {
		g.mu.Unlock()
		return id, nil
	}
	g.mu.Unlock()

	name := sess.FriendlyName
	if name == "" {
		name = sess.ID
	}
	topic, err := g.bot.CreateForumTopic(ctx, &telego.CreateForumTopicParams{
		ChatID: tu.ID(g.cfg.ChatID),
		Name:   name,
	})
	if err != nil {
		return 0, fmt.Errorf("creating forum topic: %w", err)
	}
	threadID := topic.MessageThreadID

	if sess.IsEM {
		if prior := g.reg.EMTopic(); prior != nil && prior.ChatID == g.cfg.ChatID && prior.ThreadID != 0 {
			// Adopt the inherited thread; drop the one we just made.
			if err := g.bot.DeleteForumTopic(ctx, &telego.DeleteForumTopicParams{
				ChatID:          tu.ID(g.cfg.ChatID),
				MessageThreadID: threadID,
			}); err != nil {
				slog.Warn("deleting fresh EM topic, keeping it instead", "error", err)
			} else {
				threadID = prior.ThreadID
			}
		}
		if err := g.reg.SetEMTopic(&registry.EMTopic{ChatID: g.cfg.ChatID, ThreadID: threadID}); err != nil {
			slog.Warn("storing EM topic", "error", err)
		}
	}

	g.mu.Lock()
	g.threads[sess.ID] = threadID
	g.byTopic[threadID] = sess.ID
	g.mu.Unlock()
	return threadID, nil
}

// ForgetSession drops the session's thread mapping (the thread itself is
// left in the chat as history).
func (g *Gateway) ForgetSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.threads[sessionID]; ok {
		delete(g.byTopic, id)
		delete(g.threads, sessionID)
	}
}

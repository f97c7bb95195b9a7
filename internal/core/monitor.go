package core

import (
	"fmt"
	"log/slog"

	"github.com/rajeshgoli/switchboard/internal/delivery"
	"github.com/rajeshgoli/switchboard/internal/queue"
	"github.com/rajeshgoli/switchboard/internal/registry"
)

// defaultContextLimit is assumed when the hook payload omits the model's
// context window size.
const defaultContextLimit = 200_000

// OnContextUsage handles a context_usage hook: it records the token
// figure and sends one-shot warning/critical notices to the session's
// parent (or the EM) when the usage fraction crosses a threshold.
//
// The notices carry category context_monitor with the monitored session
// as sender, so a later clear or context reset can cancel exactly these
// rows without touching user traffic.
func (c *Core) OnContextUsage(sess *registry.Session, tokensUsed, contextLimit int) {
	if contextLimit <= 0 {
		contextLimit = defaultContextLimit
	}
	frac := float64(tokensUsed) / float64(contextLimit)

	var fireWarn, fireCritical bool
	_ = c.Registry.Update(sess.ID, func(s *registry.Session) {
		s.TokensUsed = tokensUsed
		if frac >= c.Cfg.Context.CriticalFraction && !s.ContextCriticalSent {
			s.ContextCriticalSent = true
			s.ContextWarningSent = true
			fireCritical = true
		} else if frac >= c.Cfg.Context.WarnFraction && !s.ContextWarningSent {
			s.ContextWarningSent = true
			fireWarn = true
		}
	})

	if !fireWarn && !fireCritical {
		return
	}

	observer := c.monitorTarget(sess)
	if observer == "" {
		slog.Debug("context threshold crossed but no observer", "session", sess.ID, "fraction", frac)
		return
	}

	name := sess.FriendlyName
	if name == "" {
		name = sess.ID
	}
	var text string
	var mode queue.Mode
	if fireCritical {
		text = fmt.Sprintf("Session %s is at %.0f%% context. Hand off or clear soon, or it will compact mid-task.", name, frac*100)
		mode = queue.ModeImportant
	} else {
		text = fmt.Sprintf("Session %s has used %.0f%% of its context window.", name, frac*100)
		mode = queue.ModeSequential
	}

	if _, err := c.Engine.Enqueue(delivery.Params{
		TargetID: observer,
		SenderID: sess.ID,
		Text:     text,
		Mode:     mode,
		Category: queue.CategoryContextMonitor,
	}); err != nil {
		slog.Warn("enqueueing context notice", "session", sess.ID, "error", err)
	}
}

// monitorTarget picks who hears about a session's context pressure: its
// parent when dispatched, otherwise the EM.
func (c *Core) monitorTarget(sess *registry.Session) string {
	if sess.ParentID != "" {
		if p, ok := c.Registry.Get(sess.ParentID); ok && p.Status != registry.StatusStopped {
			return p.ID
		}
	}
	if em, ok := c.Registry.EM(); ok && em.ID != sess.ID {
		return em.ID
	}
	return ""
}

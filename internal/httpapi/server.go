// Package httpapi is the loopback HTTP control plane: session CRUD,
// message input, handoff, watch, pane output, and the agent hook sink.
// Local trust: the listener binds to loopback and carries no auth.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rajeshgoli/switchboard/internal/core"
	"github.com/rajeshgoli/switchboard/internal/delivery"
	"github.com/rajeshgoli/switchboard/internal/handoff"
	"github.com/rajeshgoli/switchboard/internal/queue"
	"github.com/rajeshgoli/switchboard/internal/registry"
)

// Server wraps the chi router over the core.
type Server struct {
	core *core.Core
}

// New creates the control-plane server.
func New(c *core.Core) *Server {
	return &Server{core: c}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Get("/", s.listSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.killSession)
			r.Post("/input", s.input)
			r.Post("/key", s.key)
			r.Post("/handoff", s.handoff)
			r.Post("/status", s.agentStatus)
			r.Get("/output", s.output)
		})
	})
	r.Post("/hooks/{provider}", s.hook)
	r.Post("/watch", s.watch)

	return r
}

// writeJSON writes a JSON body with status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps error kinds onto status codes with a JSON body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrAmbiguous),
		errors.Is(err, delivery.ErrInvalidMode):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrStopped),
		errors.Is(err, delivery.ErrStopped),
		errors.Is(err, handoff.ErrUnsupported):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// resolve turns the {id} path segment into a session.
func (s *Server) resolve(r *http.Request) (*registry.Session, error) {
	return s.core.Registry.Resolve(chi.URLParam(r, "id"))
}

// sessionView is the introspection shape for one session.
type sessionView struct {
	ID                    string    `json:"id"`
	Provider              string    `json:"provider"`
	TmuxName              string    `json:"tmux_name,omitempty"`
	ParentID              string    `json:"parent_id,omitempty"`
	WorkingDir            string    `json:"working_dir,omitempty"`
	FriendlyName          string    `json:"friendly_name,omitempty"`
	Status                string    `json:"status"`
	CreatedAt             time.Time `json:"created_at"`
	LastActivity          time.Time `json:"last_activity,omitempty"`
	LastToolCall          time.Time `json:"last_tool_call,omitempty"`
	LastToolName          string    `json:"last_tool_name,omitempty"`
	TokensUsed            int       `json:"tokens_used"`
	IsEM                  bool      `json:"is_em,omitempty"`
	ContextMonitorEnabled bool      `json:"context_monitor_enabled"`
	PendingMessages       int       `json:"pending_messages"`
}

func (s *Server) view(sess *registry.Session) sessionView {
	pending, _ := s.core.Queue.PendingCount(sess.ID)
	return sessionView{
		ID:                    sess.ID,
		Provider:              string(sess.Provider),
		TmuxName:              sess.TmuxName,
		ParentID:              sess.ParentID,
		WorkingDir:            sess.WorkingDir,
		FriendlyName:          sess.FriendlyName,
		Status:                string(sess.Status),
		CreatedAt:             sess.CreatedAt,
		LastActivity:          sess.LastActivity,
		LastToolCall:          sess.LastToolCall,
		LastToolName:          sess.LastToolName,
		TokensUsed:            sess.TokensUsed,
		IsEM:                  sess.IsEM,
		ContextMonitorEnabled: sess.Provider == registry.ProviderClaudeTmux,
		PendingMessages:       pending,
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider     string `json:"provider"`
		WorkingDir   string `json:"working_dir"`
		ParentID     string `json:"parent_id"`
		FriendlyName string `json:"friendly_name"`
		IsEM         bool   `json:"is_em"`
		Command      string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	sess, err := s.core.Spawn(core.SpawnParams{
		Provider:     registry.Provider(req.Provider),
		WorkingDir:   req.WorkingDir,
		ParentID:     req.ParentID,
		FriendlyName: req.FriendlyName,
		IsEM:         req.IsEM,
		Command:      req.Command,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(sess))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.core.Registry.List()
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, s.view(sess))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess))
}

func (s *Server) killSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.core.Kill(sess.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) input(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Text         string `json:"text"`
		Mode         string `json:"mode"`
		SenderID     string `json:"sender_id"`
		RemindSoftS  int    `json:"remind_soft_s"`
		RemindHardS  int    `json:"remind_hard_s"`
		ParentID     string `json:"parent_id"`
		NotifyOnStop bool   `json:"notify_on_stop"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	mode := queue.Mode(req.Mode)
	if req.Mode == "" {
		mode = queue.ModeSequential
	}

	m, err := s.core.Engine.Enqueue(delivery.Params{
		TargetID:     sess.ID,
		SenderID:     req.SenderID,
		ParentID:     req.ParentID,
		Text:         req.Text,
		Mode:         mode,
		NotifyOnStop: req.NotifyOnStop,
	})
	if err != nil {
		// An urgent delivery failure still leaves the row queued; the
		// caller learns about it either way.
		writeError(w, err)
		return
	}

	// Dispatch-mode extras: reminders and the parent wake.
	if req.RemindSoftS > 0 || req.RemindHardS > 0 {
		s.core.Remind.RegisterReminder(sess.ID, req.ParentID,
			time.Duration(req.RemindSoftS)*time.Second,
			time.Duration(req.RemindHardS)*time.Second)
	}
	if req.ParentID != "" {
		s.core.Remind.RegisterWake(sess.ID, req.ParentID)
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": m.ID})
}

func (s *Server) key(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key is required"})
		return
	}
	if !sess.Provider.HasPane() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session has no pane"})
		return
	}
	if err := s.core.Driver.SendKey(sess.TmuxName, req.Key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handoff(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		ContinuationPath string `json:"continuation_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContinuationPath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "continuation_path is required"})
		return
	}
	if err := s.core.Handoff.Handoff(sess.ID, req.ContinuationPath); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "handoff started"})
}

func (s *Server) agentStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.core.OnAgentStatus(sess)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// ansiPattern matches terminal escape sequences for output stripping.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

func (s *Server) output(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !sess.Provider.HasPane() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session has no pane"})
		return
	}

	lines := 50
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}

	capture, err := s.core.Driver.CapturePane(sess.TmuxName, lines)
	if err != nil {
		writeError(w, err)
		return
	}
	capture = ansiPattern.ReplaceAllString(capture, "")

	all := strings.Split(capture, "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": all})
}

func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target   string `json:"target"`
		Observer string `json:"observer"`
		TimeoutS int    `json:"timeout_s"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	target, err := s.core.Registry.Resolve(req.Target)
	if err != nil {
		writeError(w, err)
		return
	}
	observer, err := s.core.Registry.Resolve(req.Observer)
	if err != nil {
		writeError(w, err)
		return
	}
	timeout := time.Duration(req.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if err := s.core.Watch.Watch(target.ID, observer.ID, timeout); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "watching"})
}

// hookPayload is the agent callback shape. Unknown fields are ignored;
// both "event" and Claude's "hook_event_name" key are accepted.
type hookPayload struct {
	Event          string `json:"event"`
	HookEventName  string `json:"hook_event_name"`
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	ToolName       string `json:"tool_name"`
	TargetFile     string `json:"target_file"`
	BashCommand    string `json:"bash_command"`
	TokensUsed     int    `json:"tokens_used"`
	ContextLimit   int    `json:"context_limit"`
	Notification   string `json:"notification"`
}

func (p hookPayload) event() string {
	if p.Event != "" {
		return p.Event
	}
	return p.HookEventName
}

func (s *Server) hook(w http.ResponseWriter, r *http.Request) {
	var p hookPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	sess, ok := s.core.ResolveHookSession(p.SessionID, p.TranscriptPath)
	if !ok {
		// A hook for an unknown session is not an error worth failing
		// the agent's hook command over.
		slog.Debug("hook for unknown session", "session", p.SessionID, "event", p.event())
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	switch p.event() {
	case "PreToolUse", "PostToolUse":
		s.core.OnToolUse(sess, p.ToolName, p.TargetFile, p.BashCommand)
	case "Stop":
		s.core.OnStop(sess, p.TranscriptPath)
	case "Notification":
		// Only the idle-prompt notification is an idle signal: named
		// "idle_prompt", worded as "waiting", or carrying no text.
		if p.Notification == "" || strings.Contains(p.Notification, "waiting") || p.Notification == "idle_prompt" {
			s.core.OnStop(sess, p.TranscriptPath)
		}
	case "SessionStart":
		s.core.OnSessionStart(sess, p.TranscriptPath)
	case "context_usage":
		s.core.OnContextUsage(sess, p.TokensUsed, p.ContextLimit)
	case "compaction":
		s.core.OnCompaction(sess)
	case "compaction_complete":
		s.core.OnCompactionComplete(sess)
	case "context_reset":
		s.core.OnContextReset(sess)
	default:
		slog.Debug("unknown hook event", "event", p.event(), "session", sess.ID)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListenAndServe runs the control plane on addr until the server fails.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

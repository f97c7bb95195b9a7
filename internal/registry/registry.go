// Package registry owns session identity: the authoritative in-memory
// table of sessions plus a durable JSON snapshot on disk.
//
// Nothing else in the process creates or destroys sessions. Mutating
// operations are serialized by a single writer lock and write through to
// the snapshot before returning.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound  = errors.New("session not found")
	ErrAmbiguous = errors.New("identifier matches multiple sessions")
	ErrStopped   = errors.New("session is stopped")
)

// Provider identifies which agent runtime backs a session. It determines
// which idle signals are available: claude_tmux has hooks and a prompt
// glyph, codex_tmux has only the prompt glyph, codex_app has only the
// turn-complete RPC.
type Provider string

const (
	ProviderClaudeTmux Provider = "claude_tmux"
	ProviderCodexTmux  Provider = "codex_tmux"
	ProviderCodexApp   Provider = "codex_app"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderClaudeTmux, ProviderCodexTmux, ProviderCodexApp:
		return true
	}
	return false
}

// HasPane reports whether the provider runs inside a tmux pane.
func (p Provider) HasPane() bool {
	return p == ProviderClaudeTmux || p == ProviderCodexTmux
}

// Status is the externally visible session state. STOPPED is terminal.
type Status string

const (
	StatusRunning Status = "running"
	StatusIdle    Status = "idle"
	StatusStopped Status = "stopped"
)

// Session is one live (or stopped) agent session.
//
// Fields with json:"-" are runtime-only and never persisted; they are
// rebuilt empty after a crash.
type Session struct {
	ID           string    `json:"id"`
	Provider     Provider  `json:"provider"`
	TmuxName     string    `json:"tmux_name,omitempty"`
	ParentID     string    `json:"parent_id,omitempty"`
	WorkingDir   string    `json:"working_dir,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	Status       Status    `json:"status"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	LastToolCall time.Time `json:"last_tool_call,omitempty"`
	LastToolName string    `json:"last_tool_name,omitempty"`
	TokensUsed   int       `json:"tokens_used,omitempty"`
	IsEM         bool      `json:"is_em,omitempty"`

	Compacting          bool   `json:"-"`
	ContextWarningSent  bool   `json:"-"`
	ContextCriticalSent bool   `json:"-"`
	PendingHandoffPath  string `json:"-"`
}

// EMTopic is the external-chat forum thread inherited by successive EM
// sessions.
type EMTopic struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id"`
}

// snapshot is the on-disk layout. Missing fields decode to defaults.
type snapshot struct {
	Sessions []*Session `json:"sessions"`
	EMTopic  *EMTopic   `json:"em_topic,omitempty"`
}

// Registry is the session table. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	emTopic  *EMTopic
	path     string
	lock     *flock.Flock
}

// Open loads (or initializes) a registry backed by the snapshot at path.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	r := &Registry{
		sessions: make(map[string]*Session),
		path:     path,
		lock:     flock.New(path + ".lock"),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	for _, s := range snap.Sessions {
		r.sessions[s.ID] = s
	}
	r.emTopic = snap.EMTopic

	return r, nil
}

// save writes the snapshot atomically; caller must hold mu.
func (r *Registry) save() error {
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	data, err := json.MarshalIndent(snapshot{Sessions: sessions, EMTopic: r.emTopic}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("locking snapshot: %w", err)
	}
	defer func() { _ = r.lock.Unlock() }()

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// NewID returns a fresh 8-hex-char session id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// CreateParams describes a new session.
type CreateParams struct {
	Provider     Provider
	TmuxName     string
	ParentID     string
	WorkingDir   string
	FriendlyName string
	IsEM         bool
}

// Create registers a new session and persists the snapshot.
func (r *Registry) Create(p CreateParams) (*Session, error) {
	if !p.Provider.Valid() {
		return nil, fmt.Errorf("unknown provider %q", p.Provider)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Session{
		ID:           NewID(),
		Provider:     p.Provider,
		TmuxName:     p.TmuxName,
		ParentID:     p.ParentID,
		WorkingDir:   p.WorkingDir,
		CreatedAt:    time.Now(),
		FriendlyName: p.FriendlyName,
		Status:       StatusRunning,
		LastActivity: time.Now(),
		IsEM:         p.IsEM,
	}
	r.sessions[s.ID] = s

	if err := r.save(); err != nil {
		delete(r.sessions, s.ID)
		return nil, err
	}
	return s, nil
}

// Get returns a session by exact id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns all sessions sorted by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Resolve accepts a session id, an unambiguous id prefix, or a friendly
// name, and returns the matching session. Exact id match wins; then
// friendly name (exact); then id prefix, which must match exactly one
// session.
func (r *Registry) Resolve(identifier string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessions[identifier]; ok {
		return s, nil
	}

	for _, s := range r.sessions {
		if s.FriendlyName != "" && s.FriendlyName == identifier {
			return s, nil
		}
	}

	var matches []*Session
	for _, s := range r.sessions {
		if strings.HasPrefix(s.ID, identifier) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguous, identifier)
	}
}

// UpdateStatus transitions a session's status and persists. Transitions
// out of STOPPED are rejected: stopped is terminal.
func (r *Registry) UpdateStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.Status == StatusStopped {
		if status == StatusStopped {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrStopped, id)
	}
	s.Status = status
	return r.save()
}

// Update applies fn to the session under the writer lock and persists.
// Used for telemetry fields (last_activity, last_tool_call, tokens_used)
// and runtime flags.
func (r *Registry) Update(id string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(s)
	return r.save()
}

// Remove deletes a session from the table and persists.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sessions, id)
	return r.save()
}

// EMTopic returns the stored external-chat topic, or nil.
func (r *Registry) EMTopic() *EMTopic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emTopic
}

// SetEMTopic stores the external-chat topic inherited by EM sessions.
func (r *Registry) SetEMTopic(t *EMTopic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emTopic = t
	return r.save()
}

// EM returns the current EM session, if any.
func (r *Registry) EM() (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.IsEM && s.Status != StatusStopped {
			return s, true
		}
	}
	return nil, false
}

// ReconcilePanes marks every session whose backing pane no longer exists
// as STOPPED. paneExists is queried once per pane-backed session. Returns
// the ids that transitioned.
func (r *Registry) ReconcilePanes(paneExists func(name string) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stopped []string
	for _, s := range r.sessions {
		if s.Status == StatusStopped || !s.Provider.HasPane() {
			continue
		}
		if !paneExists(s.TmuxName) {
			s.Status = StatusStopped
			stopped = append(stopped, s.ID)
		}
	}
	if len(stopped) > 0 {
		if err := r.save(); err != nil {
			// Next mutation retries the write; in-memory state is already correct.
			return stopped
		}
	}
	return stopped
}

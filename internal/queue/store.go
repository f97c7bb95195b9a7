// Package queue is the durable message queue backing the delivery engine.
//
// Messages live in a single sqlite table so enqueued work survives a
// process restart. Rows are deleted after successful delivery; a row with
// delivered_at NULL either has a live target or is garbage-collected when
// the target is removed.
package queue

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Mode selects the delivery behavior for a message. Sequential and
// important differ only in the user-visible prefix; urgent preempts.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeImportant  Mode = "important"
	ModeUrgent     Mode = "urgent"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSequential, ModeImportant, ModeUrgent:
		return true
	}
	return false
}

// CategoryContextMonitor marks system-origin compaction/warning notices.
// It is the only category used for selective cancellation; user traffic
// always has an empty category.
const CategoryContextMonitor = "context_monitor"

// Message is one queued delivery.
type Message struct {
	ID          string
	TargetID    string
	SenderID    string // empty for operator/system sends
	ParentID    string // wake-up pairing
	Text        string
	Mode        Mode
	Category    string // empty or CategoryContextMonitor
	QueuedAt    time.Time
	DeliveredAt *time.Time
}

// Store wraps the sqlite queue database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the queue database at path and runs
// schema migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating queue dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening queue db: %w", err)
	}
	// sqlite serializes writers itself; a single connection avoids
	// SQLITE_BUSY churn under concurrent enqueuers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the table and applies idempotent column additions.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS message_queue (
			id           TEXT PRIMARY KEY,
			target_id    TEXT NOT NULL,
			sender_id    TEXT,
			parent_id    TEXT,
			text         TEXT NOT NULL,
			mode         TEXT NOT NULL,
			queued_at    TIMESTAMP NOT NULL,
			delivered_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_queue_target ON message_queue(target_id, queued_at);
	`)
	if err != nil {
		return fmt.Errorf("creating message_queue: %w", err)
	}

	// Older databases predate the category column.
	if err := s.ensureColumn("message_queue", "category", "TEXT"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not exist yet.
func (s *Store) ensureColumn(table, column, typ string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ))
	if err != nil {
		return fmt.Errorf("adding %s.%s: %w", table, column, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue inserts a message. A zero ID or QueuedAt is filled in.
func (s *Store) Enqueue(m *Message) error {
	if m.ID == "" {
		m.ID = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if m.QueuedAt.IsZero() {
		m.QueuedAt = time.Now()
	}
	if !m.Mode.Valid() {
		return fmt.Errorf("invalid mode %q", m.Mode)
	}

	_, err := s.db.Exec(`
		INSERT INTO message_queue (id, target_id, sender_id, parent_id, text, mode, category, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TargetID, nullable(m.SenderID), nullable(m.ParentID),
		m.Text, string(m.Mode), nullable(m.Category), m.QueuedAt)
	if err != nil {
		return fmt.Errorf("enqueuing message: %w", err)
	}
	return nil
}

// Pending returns undelivered messages for a target, FIFO by queued_at.
func (s *Store) Pending(target string) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT id, target_id, sender_id, parent_id, text, mode, category, queued_at, delivered_at
		FROM message_queue
		WHERE target_id = ? AND delivered_at IS NULL
		ORDER BY queued_at, id`, target)
	if err != nil {
		return nil, fmt.Errorf("listing pending: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// PendingCount returns the number of undelivered messages for a target.
func (s *Store) PendingCount(target string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM message_queue
		WHERE target_id = ? AND delivered_at IS NULL`, target).Scan(&n)
	return n, err
}

// Delete removes a message after delivery.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM message_queue WHERE id = ?`, id)
	return err
}

// CancelContextMonitorFrom deletes undelivered context-monitor messages
// from one sender. Rows with a NULL category (user traffic) are never
// touched.
func (s *Store) CancelContextMonitorFrom(sender string) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM message_queue
		WHERE sender_id = ? AND category = ? AND delivered_at IS NULL`,
		sender, CategoryContextMonitor)
	if err != nil {
		return 0, fmt.Errorf("cancelling context-monitor messages: %w", err)
	}
	return res.RowsAffected()
}

// DiscardForTarget deletes every undelivered message for a target. Used
// when a target is killed or found dead during crash recovery.
func (s *Store) DiscardForTarget(target string) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM message_queue
		WHERE target_id = ? AND delivered_at IS NULL`, target)
	if err != nil {
		return 0, fmt.Errorf("discarding messages for %s: %w", target, err)
	}
	return res.RowsAffected()
}

// Targets returns the distinct targets with undelivered messages. Used by
// crash recovery to re-arm flushes and discard orphans.
func (s *Store) Targets() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT target_id FROM message_queue WHERE delivered_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing queue targets: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		var m Message
		var sender, parent, category sql.NullString
		var delivered sql.NullTime
		var mode string
		if err := rows.Scan(&m.ID, &m.TargetID, &sender, &parent, &m.Text,
			&mode, &category, &m.QueuedAt, &delivered); err != nil {
			return nil, err
		}
		m.SenderID = sender.String
		m.ParentID = parent.String
		m.Category = category.String
		m.Mode = Mode(mode)
		if delivered.Valid {
			t := delivered.Time
			m.DeliveredAt = &t
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

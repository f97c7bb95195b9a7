// Package obs is the tool-usage observability store. Hook handlers write
// tool-use rows; wake digests and dashboards read them.
package obs

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ToolUse is one recorded tool invocation by an agent.
type ToolUse struct {
	SessionID  string
	ToolName   string
	TargetFile string
	Command    string
	At         time.Time
}

// Store wraps the tool-usage database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the observability database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating obs dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening obs db: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_use (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			tool_name   TEXT NOT NULL,
			target_file TEXT,
			command     TEXT,
			at          TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tool_use_session ON tool_use(session_id, at);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating tool_use: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one tool-use row.
func (s *Store) Record(u ToolUse) error {
	if u.At.IsZero() {
		u.At = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO tool_use (session_id, tool_name, target_file, command, at)
		VALUES (?, ?, ?, ?, ?)`,
		u.SessionID, u.ToolName, u.TargetFile, u.Command, u.At)
	if err != nil {
		return fmt.Errorf("recording tool use: %w", err)
	}
	return nil
}

// LastN returns the most recent n tool uses for a session, newest first.
func (s *Store) LastN(sessionID string, n int) ([]ToolUse, error) {
	rows, err := s.db.Query(`
		SELECT session_id, tool_name, target_file, command, at
		FROM tool_use
		WHERE session_id = ?
		ORDER BY at DESC, id DESC
		LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("listing tool use: %w", err)
	}
	defer rows.Close()

	var out []ToolUse
	for rows.Next() {
		var u ToolUse
		var target, command sql.NullString
		if err := rows.Scan(&u.SessionID, &u.ToolName, &target, &command, &u.At); err != nil {
			return nil, err
		}
		u.TargetFile = target.String
		u.Command = command.String
		out = append(out, u)
	}
	return out, rows.Err()
}

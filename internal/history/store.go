// Package history keeps an audit log of finished executions in a local
// SQLite database. It records metadata only; conversation content stays
// in memory and dies with the session.
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/seongjae-dev/agentrelay/internal/agent"
	"github.com/seongjae-dev/agentrelay/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	agent       TEXT NOT NULL,
	command     TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	duration_ms INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	error_kind  TEXT NOT NULL DEFAULT '',
	events      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id);
CREATE INDEX IF NOT EXISTS idx_executions_user ON executions(user_id);
`

// Entry is one recorded execution.
type Entry struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Agent      string    `json:"agent"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Outcome    string    `json:"outcome"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Events     int       `json:"events"`
}

// Store is the SQLite-backed execution log.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db %s: %w", path, err)
	}
	// The driver is not safe for concurrent writers on one connection
	// pool beyond this; a single connection keeps writes serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db, log: logging.ForComponent(logging.CompHistory)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record inserts one execution record.
func (s *Store) Record(rec agent.ExecutionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO executions
		 (session_id, user_id, agent, command, started_at, duration_ms, outcome, error_kind, events)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.UserID, rec.Agent, rec.Command,
		rec.StartedAt.UTC(), rec.Duration.Milliseconds(),
		rec.Outcome, string(rec.ErrorKind), rec.Events,
	)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// Observe adapts the store to the manager's observer hook. Failures are
// logged and never interrupt the event stream.
func (s *Store) Observe(rec agent.ExecutionRecord) {
	if err := s.Record(rec); err != nil {
		s.log.Warn("history_write_failed", slog.Any("error", err))
	}
}

// Recent returns up to limit entries, newest first. sessionID and userID
// narrow the query when non-empty.
func (s *Store) Recent(sessionID, userID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, user_id, agent, command, started_at, duration_ms, outcome, error_kind, events
		 FROM executions
		 WHERE (? = '' OR session_id = ?) AND (? = '' OR user_id = ?)
		 ORDER BY id DESC LIMIT ?`,
		sessionID, sessionID, userID, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.UserID, &e.Agent, &e.Command,
			&e.StartedAt, &e.DurationMS, &e.Outcome, &e.ErrorKind, &e.Events); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

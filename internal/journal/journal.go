// Package journal records terminal events (pattern matches, bells, exits)
// in a sqlite database next to the session store, so operators can inspect
// what fired after the fact. Journal failures are never fatal to the
// serving path.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shelltender/shelltender/internal/logger"
	"github.com/shelltender/shelltender/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	type         TEXT NOT NULL,
	pattern_name TEXT NOT NULL DEFAULT '',
	match        TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL DEFAULT '{}',
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
`

// Journal is the sqlite-backed event log.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// Append records one event. Errors are logged and swallowed.
func (j *Journal) Append(ev models.TerminalEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("journal marshal failed", "error", err)
		return
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = j.db.Exec(
		`INSERT INTO events (session_id, type, pattern_name, match, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Type, ev.PatternName, ev.Match, string(payload), ts,
	)
	if err != nil {
		logger.Warn("journal append failed", "session", ev.SessionID, "error", err)
	}
}

// Recent returns up to limit most recent events for a session, newest
// first.
func (j *Journal) Recent(sessionID string, limit int) ([]models.TerminalEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := j.db.Query(
		`SELECT payload FROM events WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []models.TerminalEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev models.TerminalEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			logger.Warn("journal decode failed", "session", sessionID, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes events older than the retention window.
func (j *Journal) Prune(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	if _, err := j.db.Exec(`DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
		logger.Warn("journal prune failed", "error", err)
	}
}

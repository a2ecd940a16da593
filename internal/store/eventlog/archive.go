// Package eventlog archives session events into SQLite so past sessions can
// be queried by type without replaying JSONL files.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sessionpilot/internal/events"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	ts INTEGER NOT NULL,
	payload TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_session_events_seq ON session_events(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_session_events_type ON session_events(session_id, type);
`

// Archive is an events.Listener that mirrors every event into SQLite.
type Archive struct {
	mu        sync.Mutex
	db        *sql.DB
	path      string
	sessionID string
}

func Open(path, sessionID string) (*Archive, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("event archive: path 不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("event archive: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event archive: migrate: %w", err)
	}
	return &Archive{db: db, path: path, sessionID: sessionID}, nil
}

func (a *Archive) Name() string { return "event_archive" }

func (a *Archive) OnEvent(evt events.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("event archive: encode payload: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return fmt.Errorf("event archive closed")
	}
	_, err = a.db.Exec(
		`INSERT INTO session_events(session_id, seq, type, ts, payload) VALUES(?, ?, ?, ?, ?)`,
		a.sessionID, evt.Seq, string(evt.Type), evt.Timestamp.UnixNano(), string(payload),
	)
	return err
}

// Query returns the archived events of a session in sequence order,
// optionally restricted to the given types.
func (a *Archive) Query(ctx context.Context, sessionID string, types ...events.Type) ([]events.Event, error) {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("event archive closed")
	}
	query := `SELECT seq, type, ts, payload FROM session_events WHERE session_id = ?`
	args := []any{sessionID}
	if len(types) > 0 {
		marks := make([]string, len(types))
		for i, t := range types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		query += " AND type IN (" + strings.Join(marks, ",") + ")"
	}
	query += " ORDER BY seq ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []events.Event
	for rows.Next() {
		var (
			evt     events.Event
			typ     string
			ts      int64
			payload string
		)
		if err := rows.Scan(&evt.Seq, &typ, &ts, &payload); err != nil {
			return nil, err
		}
		evt.Type = events.Type(typ)
		evt.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return nil, fmt.Errorf("event archive: decode #%d: %w", evt.Seq, err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Sessions lists archived session ids, most recent activity first.
func (a *Archive) Sessions(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("event archive closed")
	}
	rows, err := db.QueryContext(ctx, `SELECT session_id, MAX(ts) AS last FROM session_events GROUP BY session_id ORDER BY last DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		var last int64
		if err := rows.Scan(&id, &last); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

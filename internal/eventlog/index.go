package eventlog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/Okohedeki/sialockd/internal/model"
)

// sqliteIndex provides fast queries over the event log using SQLite. The
// JSONL files are the source of truth; the index is a queryable
// projection that could be rebuilt from them if lost.
type sqliteIndex struct {
	db *sql.DB
}

func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			type          TEXT NOT NULL,
			ts            TEXT NOT NULL,
			agent_id      TEXT NOT NULL DEFAULT '',
			work_unit_id  TEXT NOT NULL DEFAULT '',
			resource_path TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

func (idx *sqliteIndex) insert(e *model.Event) {
	_, err := idx.db.Exec(
		`INSERT INTO events (type, ts, agent_id, work_unit_id, resource_path) VALUES (?, ?, ?, ?, ?)`,
		string(e.Type), e.Timestamp.UTC().Format(time.RFC3339Nano), e.AgentID, e.WorkUnitID, e.ResourcePath,
	)
	if err != nil {
		slog.Error("event log index insert failed", "type", e.Type, "error", err)
	}
}

func (idx *sqliteIndex) query(params QueryParams) ([]model.Event, error) {
	query := "SELECT type, ts, agent_id, work_unit_id, resource_path FROM events WHERE 1=1"
	var args []any

	if params.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, params.AgentID)
	}
	if params.Type != "" {
		query += " AND type = ?"
		args = append(args, params.Type)
	}
	if params.Since != "" {
		query += " AND ts >= ?"
		args = append(args, params.Since)
	}

	query += " ORDER BY id DESC"

	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying event log index: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var typ, ts string
		if err := rows.Scan(&typ, &ts, &e.AgentID, &e.WorkUnitID, &e.ResourcePath); err != nil {
			return nil, fmt.Errorf("scanning event log row: %w", err)
		}
		e.Type = model.EventType(typ)
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err == nil {
			e.Timestamp = parsed
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}

// Package registry persists the worker table and a lifecycle event journal
// in SQLite. The registry is what lets stop, status, and cleanup run as
// separate CLI invocations after the supervising process has exited: every
// spawn is recorded with its PID, process group, and launch ID before the
// worker serves traffic, and removed when the worker is torn down.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Lifecycle event types recorded in the journal.
type EventType string

const (
	EventSpawned      EventType = "spawned"
	EventHealthy      EventType = "healthy"
	EventUnhealthy    EventType = "unhealthy"
	EventUnreachable  EventType = "unreachable"
	EventReplaced     EventType = "replaced"
	EventExited       EventType = "exited"
	EventStopped      EventType = "stopped"
	EventKilled       EventType = "killed"
	EventOrphanKilled EventType = "orphan_killed"
	EventDegraded     EventType = "degraded"
)

// WorkerRow is one live worker as recorded in the registry.
type WorkerRow struct {
	LaunchID  string `db:"launch_id"`
	Service   string `db:"service"`
	Port      int    `db:"port"`
	PID       int    `db:"pid"`
	PGID      int    `db:"pgid"`
	State     string `db:"state"`
	StartedAt int64  `db:"started_at"`
	UpdatedAt int64  `db:"updated_at"`
}

// Event is one journal entry.
type Event struct {
	ID        string `db:"id"`
	Timestamp int64  `db:"timestamp"`
	Service   string `db:"service"`
	Port      int    `db:"port"`
	PID       int    `db:"pid"`
	EventType string `db:"event_type"`
	Detail    string `db:"detail"`
}

// Registry wraps the SQLite database holding worker rows and the journal.
type Registry struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the registry database at path.
func Open(path string) (*Registry, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening registry database: %w", err)
	}
	if err := dbInit(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Registry{db: db}, nil
}

// dbInit creates the registry tables and indexes.
func dbInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS workers (
		launch_id TEXT PRIMARY KEY,
		service TEXT NOT NULL,
		port INTEGER NOT NULL,
		pid INTEGER NOT NULL,
		pgid INTEGER NOT NULL,
		state TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_workers_service ON workers(service)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		service TEXT NOT NULL,
		port INTEGER NOT NULL,
		pid INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		detail TEXT
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_service ON events(service)`)
	return err
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Record inserts or replaces a worker row.
func (r *Registry) Record(row WorkerRow) error {
	now := time.Now().UTC().Unix()
	if row.StartedAt == 0 {
		row.StartedAt = now
	}
	row.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO workers (
			launch_id, service, port, pid, pgid, state, started_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.LaunchID, row.Service, row.Port, row.PID, row.PGID,
		row.State, row.StartedAt, row.UpdatedAt,
	)
	return err
}

// UpdateState updates a worker row's recorded state.
func (r *Registry) UpdateState(launchID, state string) error {
	_, err := r.db.Exec(
		`UPDATE workers SET state = $1, updated_at = $2 WHERE launch_id = $3`,
		state, time.Now().UTC().Unix(), launchID,
	)
	return err
}

// Delete removes a worker row once the process is gone.
func (r *Registry) Delete(launchID string) error {
	_, err := r.db.Exec(`DELETE FROM workers WHERE launch_id = $1`, launchID)
	return err
}

// ListAll returns every recorded worker, ordered by service then port.
func (r *Registry) ListAll() ([]WorkerRow, error) {
	var rows []WorkerRow
	err := r.db.Select(&rows, `SELECT * FROM workers ORDER BY service, port`)
	return rows, err
}

// ListService returns the recorded workers for one service.
func (r *Registry) ListService(service string) ([]WorkerRow, error) {
	var rows []WorkerRow
	err := r.db.Select(&rows,
		`SELECT * FROM workers WHERE service = $1 ORDER BY port`, service)
	return rows, err
}

// AppendEvent records one lifecycle event in the journal.
func (r *Registry) AppendEvent(service string, port, pid int, eventType EventType, detail string) error {
	_, err := r.db.Exec(`
		INSERT INTO events (id, timestamp, service, port, pid, event_type, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(),
		time.Now().UTC().UnixNano(),
		service, port, pid, string(eventType), detail,
	)
	return err
}

// RecentEvents returns the most recent journal entries, newest first.
func (r *Registry) RecentEvents(limit int) ([]Event, error) {
	var events []Event
	err := r.db.Select(&events,
		`SELECT * FROM events ORDER BY timestamp DESC LIMIT $1`, limit)
	return events, err
}

// ServiceEvents returns the journal entries for one service, oldest first.
func (r *Registry) ServiceEvents(service string, limit int) ([]Event, error) {
	var events []Event
	err := r.db.Select(&events,
		`SELECT * FROM events WHERE service = $1 ORDER BY timestamp ASC LIMIT $2`,
		service, limit)
	return events, err
}

// PruneEvents deletes journal entries older than the given age and returns
// how many were removed.
func (r *Registry) PruneEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixNano()
	result, err := r.db.Exec(`DELETE FROM events WHERE timestamp < $1`, threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

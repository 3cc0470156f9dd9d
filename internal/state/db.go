package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database connection holding snapshots and outcome history.
type DB struct {
	conn   *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// DefaultDir returns the project-local state directory.
func DefaultDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".switchyard")
}

// DBPath returns the SQLite database path inside a state directory.
func DBPath(stateDir string) string {
	return filepath.Join(stateDir, "state.db")
}

// Open opens an SQLite database at the given path.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// OpenAndMigrate opens the database and applies pending migrations.
func OpenAndMigrate(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Snapshots},
		{2, migrationV2Outcomes},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Snapshots = `
CREATE TABLE IF NOT EXISTS snapshots (
	name TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`

const migrationV2Outcomes = `
CREATE TABLE IF NOT EXISTS outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	backend TEXT NOT NULL,
	task_type TEXT NOT NULL,
	success INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	tokens INTEGER NOT NULL DEFAULT 0,
	recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_backend_type ON outcomes(backend, task_type, recorded_at);
`

// Snapshot returns a Store persisting one named document in the snapshots table.
func (db *DB) Snapshot(name string) Store {
	return &snapshotStore{db: db, name: name}
}

// snapshotStore adapts one row of the snapshots table to the Store port.
type snapshotStore struct {
	db   *DB
	name string
}

func (s *snapshotStore) Load(v any) (bool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	if s.db.closed {
		return false, ErrClosed
	}

	var body string
	err := s.db.conn.QueryRow("SELECT body FROM snapshots WHERE name = ?", s.name).Scan(&body)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load snapshot %s: %w", s.name, err)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return false, fmt.Errorf("decode snapshot %s: %w", s.name, err)
	}
	return true, nil
}

func (s *snapshotStore) Save(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", s.name, err)
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.closed {
		return ErrClosed
	}

	_, err = s.db.conn.Exec(`
		INSERT INTO snapshots (name, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, s.name, string(body), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", s.name, err)
	}
	return nil
}

// RecordOutcome appends one execution outcome.
func (db *DB) RecordOutcome(o Outcome) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now()
	}
	success := 0
	if o.Success {
		success = 1
	}
	_, err := db.conn.Exec(`
		INSERT INTO outcomes (backend, task_type, success, duration_ms, tokens, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, o.Backend, o.TaskType, success, o.Duration.Milliseconds(), o.Tokens, o.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// RecentOutcomes returns up to limit outcomes for a backend and task type, newest first.
// An empty taskType matches every type.
func (db *DB) RecentOutcomes(backend, taskType string, limit int) ([]Outcome, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT backend, task_type, success, duration_ms, tokens, recorded_at
		FROM outcomes WHERE backend = ?`
	args := []any{backend}
	if taskType != "" {
		query += " AND task_type = ?"
		args = append(args, taskType)
	}
	query += " ORDER BY recorded_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var success int
		var durationMs int64
		if err := rows.Scan(&o.Backend, &o.TaskType, &success, &durationMs, &o.Tokens, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Success = success == 1
		o.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, o)
	}
	return out, rows.Err()
}

// LastSuccess returns the most recent successful outcome time for a backend.
func (db *DB) LastSuccess(backend string) (time.Time, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return time.Time{}, false, ErrClosed
	}

	var ts time.Time
	err := db.conn.QueryRow(`
		SELECT recorded_at FROM outcomes WHERE backend = ? AND success = 1
		ORDER BY recorded_at DESC, id DESC LIMIT 1
	`, backend).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last success: %w", err)
	}
	return ts, true, nil
}

// Package state provides the persistence port used by the queue, breaker,
// governor and budget ledger, with JSON-file and SQLite implementations.
package state

import (
	"errors"
	"io"
	"time"
)

// ErrClosed is returned by stores whose underlying database has been closed.
var ErrClosed = errors.New("state store closed")

// Store persists one snapshot document. Owners call Save on every mutation
// and Load once at construction. Load reports false when nothing has been
// saved yet, leaving v untouched.
type Store interface {
	Load(v any) (bool, error)
	Save(v any) error
}

// Outcome is one recorded backend execution used for adaptive scoring.
type Outcome struct {
	Backend    string
	TaskType   string
	Success    bool
	Duration   time.Duration
	Tokens     int
	RecordedAt time.Time
}

// OutcomeStore records and queries execution outcomes.
type OutcomeStore interface {
	RecordOutcome(o Outcome) error
	RecentOutcomes(backend, taskType string, limit int) ([]Outcome, error)
	LastSuccess(backend string) (time.Time, bool, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Database is the full SQLite-backed state surface.
type Database interface {
	io.Closer
	Migrator
	OutcomeStore
	Snapshot(name string) Store
}

// Compile-time verification that the implementations satisfy the ports.
var (
	_ Database     = (*DB)(nil)
	_ Store        = (*FileStore)(nil)
	_ Store        = (*snapshotStore)(nil)
	_ Store        = (*MemoryStore)(nil)
	_ OutcomeStore = (*DB)(nil)
)

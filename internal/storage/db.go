package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the local history database shared by poll runs and benchmarks
type DB struct {
	*sql.DB
}

// New opens (and creates if needed) the SQLite file at dbPath
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Parallel polls record from several goroutines; serialize writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate creates the history schema. It is safe to run on every open.
func (db *DB) Migrate(ctx context.Context) error {
	schema := []string{
		migrationPollRuns,
		migrationBenchmarkResults,
		migrationIndexes,
	}

	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("history migration %d failed: %w", i+1, err)
		}
	}

	// Columns added after the first release; reruns report a duplicate column
	for _, stmt := range []string{migrationPollRunsMatchMode} {
		if _, err := db.ExecContext(ctx, stmt); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("history column migration failed: %w", err)
		}
	}

	return nil
}

// isDuplicateColumn reports whether an ALTER TABLE ADD COLUMN failed only
// because the column already exists
func isDuplicateColumn(err error) bool {
	return strings.Contains(err.Error(), "duplicate column name")
}

// Close releases the connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationPollRuns = `
CREATE TABLE IF NOT EXISTS poll_runs (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	instance_name TEXT NOT NULL,
	instance_id TEXT,
	target_status TEXT NOT NULL,
	outcome TEXT NOT NULL,
	last_status TEXT,

	-- Budget accounting
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 0,
	transitions INTEGER NOT NULL DEFAULT 0,
	transient_errors INTEGER NOT NULL DEFAULT 0,
	already_converged INTEGER NOT NULL DEFAULT 0,
	error TEXT,

	-- Timestamps
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationBenchmarkResults = `
CREATE TABLE IF NOT EXISTS benchmark_results (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	model TEXT NOT NULL,
	batch_size INTEGER NOT NULL,
	rounds INTEGER NOT NULL,
	requests INTEGER NOT NULL,
	failed_requests INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	tokens_per_second REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_poll_runs_instance_name ON poll_runs(instance_name);
CREATE INDEX IF NOT EXISTS idx_poll_runs_started_at ON poll_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_poll_runs_outcome ON poll_runs(outcome);
CREATE INDEX IF NOT EXISTS idx_benchmark_results_run_id ON benchmark_results(run_id);
CREATE INDEX IF NOT EXISTS idx_benchmark_results_model ON benchmark_results(model);
`

const migrationPollRunsMatchMode = `
ALTER TABLE poll_runs ADD COLUMN prefix_match INTEGER NOT NULL DEFAULT 0;
`

package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Register driver
)

// DB wraps the sql.DB connection.
type DB struct {
	*sql.DB
	path string
}

// Init opens the job database and runs migrations.
func Init(path string) (*DB, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Enable WAL mode for better concurrency and set busy timeout
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=30000;"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	d := &DB{DB: db, path: path}
	// Enforce single connection to avoid SQLITE_BUSY errors when several
	// orchestrator workers write at once
	db.SetMaxOpenConns(1)

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return d, nil
}

// Path returns the absolute backing file path, as handed to the
// compute sub-process.
func (d *DB) Path() string {
	abs, err := filepath.Abs(d.path)
	if err != nil {
		return d.path
	}
	return abs
}

func (d *DB) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			date_from TEXT NOT NULL,
			date_to TEXT NOT NULL,
			geometry TEXT NOT NULL,
			original_request TEXT,
			status TEXT NOT NULL,
			error_message TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_dates ON jobs (date_from, date_to);`,
		// The dedup key. Concurrent identical requests race past the
		// lookup; the index makes the second insert fail instead of
		// minting a second identifier for the same tuple.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedup ON jobs (date_from, date_to, geometry);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);`,
	}

	for _, q := range queries {
		if _, err := d.Exec(q); err != nil {
			return fmt.Errorf("exec error: %w query: %s", err, q)
		}
	}
	return nil
}

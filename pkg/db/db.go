// Package db provides the SQLite-backed order journal.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB *sql.DB
}

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	return &Database{DB: db}, nil
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

// ApplyMigrations creates the journal tables.
func ApplyMigrations(d *Database) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pending_orders (
			idempotency_key TEXT PRIMARY KEY,
			instrument      TEXT NOT NULL,
			action          TEXT NOT NULL,
			lots            INTEGER NOT NULL,
			broker_id       TEXT NOT NULL DEFAULT '',
			submitted_at    TIMESTAMP NOT NULL,
			http_status     INTEGER NOT NULL DEFAULT 0,
			attempts        INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'pending'
		)`,
		`CREATE TABLE IF NOT EXISTS filled_orders (
			idempotency_key TEXT PRIMARY KEY,
			instrument      TEXT NOT NULL,
			action          TEXT NOT NULL,
			lots            INTEGER NOT NULL,
			broker_id       TEXT NOT NULL DEFAULT '',
			fill_price      REAL NOT NULL,
			filled_at       TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_orders(status)`,
	}
	for _, stmt := range stmts {
		if _, err := d.DB.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

// Package storage opens the SQLite database backing the exit journal.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if _, err := CheckJournalPath(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The journal is written from the supervisor goroutine and read by the
	// CLI; one connection keeps SQLite locking out of the picture.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS child_exits (
  id          TEXT PRIMARY KEY,
  run_id      TEXT NOT NULL,
  task        TEXT NOT NULL,
  grp         TEXT NOT NULL,
  pid         INTEGER NOT NULL,
  kind        TEXT NOT NULL,
  exit_code   INTEGER NOT NULL DEFAULT 0,
  term_signal INTEGER NOT NULL DEFAULT 0,
  stop_signal INTEGER NOT NULL DEFAULT 0,
  started_at  TEXT NOT NULL,
  ended_at    TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS child_exits_ended_at_idx ON child_exits(ended_at);`,
		`CREATE INDEX IF NOT EXISTS child_exits_grp_idx ON child_exits(grp, ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS hookflow_runs (
		run_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		workflow_type TEXT NOT NULL,
		task_queue TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		result TEXT,
		error_kind TEXT NOT NULL DEFAULT '',
		error_type TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		last_seq INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS hookflow_runs_one_active
		ON hookflow_runs (workflow_id) WHERE status = 'RUNNING'`,
	`CREATE INDEX IF NOT EXISTS hookflow_runs_by_workflow
		ON hookflow_runs (workflow_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS hookflow_events (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		at INTEGER NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
}

// OpenSQLite opens a SQLite database with the pragmas the event log relies
// on. path may be ":memory:", in which case the pool is pinned to a single
// connection so every caller sees the same database.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("hookflow: open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewSQLiteLog initializes the schema in db and returns an EventLog.
//
// db must use the "modernc.org/sqlite" driver; OpenSQLite returns one.
func NewSQLiteLog(ctx context.Context, db *sql.DB) (*SQLLog, error) {
	return newSQLLog(ctx, db, sqlDialect{
		name:              "sqlite",
		schema:            sqliteSchema,
		isUniqueViolation: isSQLiteUniqueViolation,
	})
}

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

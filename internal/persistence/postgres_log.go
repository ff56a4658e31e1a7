package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresSchema = []string{
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
		last_seq BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS hookflow_runs_one_active
		ON hookflow_runs (workflow_id) WHERE status = 'RUNNING'`,
	`CREATE INDEX IF NOT EXISTS hookflow_runs_by_workflow
		ON hookflow_runs (workflow_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS hookflow_events (
		run_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		type TEXT NOT NULL,
		at BIGINT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
}

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// OpenPostgres opens a pool through the pgx database/sql driver.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("hookflow: open postgres: %w", err)
	}
	return db, nil
}

// NewPostgresLog initializes the schema in db and returns an EventLog.
//
// The caller is responsible for opening db with a PostgreSQL driver; the
// "pgx" driver from github.com/jackc/pgx/v5/stdlib is registered by this
// package.
func NewPostgresLog(ctx context.Context, db *sql.DB) (*SQLLog, error) {
	return newSQLLog(ctx, db, sqlDialect{
		name:              "postgres",
		schema:            postgresSchema,
		numbered:          true,
		isUniqueViolation: isPostgresUniqueViolation,
	})
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

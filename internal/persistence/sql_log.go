package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/hookflow/pkg/api"
)

// sqlDialect captures what differs between the SQL backends.
type sqlDialect struct {
	name              string
	schema            []string
	numbered          bool // $1, $2 instead of ?
	isUniqueViolation func(error) bool
}

// SQLLog is an EventLog backed by a database/sql connection pool. Runs live
// in hookflow_runs and their histories in hookflow_events keyed by
// (run_id, seq). A partial unique index on running rows enforces at most
// one active run per workflow id.
//
// Use NewSQLiteLog or NewPostgresLog to construct one.
type SQLLog struct {
	db      *sql.DB
	dialect sqlDialect
}

var _ EventLog = (*SQLLog)(nil)

func newSQLLog(ctx context.Context, db *sql.DB, d sqlDialect) (*SQLLog, error) {
	s := &SQLLog{db: db, dialect: d}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("hookflow: init %s schema: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLLog) initSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying pool, mainly for tests and health checks.
func (s *SQLLog) DB() *sql.DB { return s.db }

// q rewrites ? placeholders for dialects that number them.
func (s *SQLLog) q(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const runColumns = `run_id, workflow_id, workflow_type, task_queue, status, result,
	error_kind, error_type, error_message, last_seq, created_at, updated_at`

func (s *SQLLog) CreateRun(ctx context.Context, rec RunRecord, first api.Event) error {
	if err := validateFirst(rec, first); err != nil {
		return err
	}
	rec, first = prepareFirst(rec, first)

	body, err := json.Marshal(first)
	if err != nil {
		return fmt.Errorf("hookflow: encode event: %w", err)
	}
	result, err := encodeResult(rec.Result)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("hookflow: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO hookflow_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.RunID,
		rec.WorkflowID,
		rec.WorkflowType,
		rec.TaskQueue,
		string(rec.Status),
		result,
		string(rec.ErrorKind),
		rec.ErrorType,
		rec.ErrorMessage,
		rec.LastSeq,
		rec.CreatedAt.UnixNano(),
		rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			_ = tx.Rollback()
			existing, gerr := s.CurrentRun(ctx, rec.WorkflowID)
			if gerr != nil {
				return fmt.Errorf("hookflow: create run: %w", err)
			}
			return &RunExistsError{Run: existing}
		}
		return fmt.Errorf("hookflow: create run: %w", err)
	}

	if err := s.insertEvent(ctx, tx, rec.RunID, first, body); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("hookflow: commit: %w", err)
	}
	return nil
}

func (s *SQLLog) insertEvent(ctx context.Context, tx *sql.Tx, runID string, ev api.Event, body []byte) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO hookflow_events (run_id, seq, type, at, body)
		VALUES (?, ?, ?, ?, ?)`),
		runID,
		ev.Seq,
		string(ev.Type),
		ev.At.UnixNano(),
		string(body),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("%w: seq %d of run %s already written", ErrConcurrentAppend, ev.Seq, runID)
		}
		return fmt.Errorf("hookflow: insert event: %w", err)
	}
	return nil
}

func (s *SQLLog) Append(ctx context.Context, runID string, expectedSeq int64, ev api.Event) (int64, error) {
	seq := expectedSeq + 1
	ev = stampEvent(ev, seq)
	body, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("hookflow: encode event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("hookflow: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The guarded UPDATE is the compare-and-append: it is the first write of
	// the transaction, so the row is locked before the event is inserted.
	var res sql.Result
	if st, ok := ev.Type.TerminalStatus(); ok {
		closed := applyEvent(RunRecord{}, seq, ev)
		result, encErr := encodeResult(closed.Result)
		if encErr != nil {
			return 0, encErr
		}
		res, err = tx.ExecContext(ctx, s.q(`
			UPDATE hookflow_runs
			SET last_seq = ?, updated_at = ?, status = ?, result = ?, error_kind = ?, error_type = ?, error_message = ?
			WHERE run_id = ? AND last_seq = ? AND status = ?`),
			seq, ev.At.UnixNano(), string(st), result,
			string(closed.ErrorKind), closed.ErrorType, closed.ErrorMessage,
			runID, expectedSeq, string(api.StatusRunning),
		)
	} else {
		res, err = tx.ExecContext(ctx, s.q(`
			UPDATE hookflow_runs
			SET last_seq = ?, updated_at = ?
			WHERE run_id = ? AND last_seq = ? AND status = ?`),
			seq, ev.At.UnixNano(),
			runID, expectedSeq, string(api.StatusRunning),
		)
	}
	if err != nil {
		return 0, fmt.Errorf("hookflow: append: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("hookflow: append: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		rec, gerr := s.GetRun(ctx, runID)
		if gerr != nil {
			return 0, gerr
		}
		if cerr := classifyAppend(rec, expectedSeq); cerr != nil {
			return 0, cerr
		}
		return 0, fmt.Errorf("%w: run %s", ErrConcurrentAppend, runID)
	}

	if err := s.insertEvent(ctx, tx, runID, ev, body); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("hookflow: commit: %w", err)
	}
	return seq, nil
}

// Read pages through the history so no connection is held while the
// caller consumes events.
func (s *SQLLog) Read(ctx context.Context, runID string) iter.Seq2[api.Event, error] {
	return func(yield func(api.Event, error) bool) {
		var after int64
		for {
			page, err := s.readPage(ctx, runID, after)
			if err != nil {
				yield(api.Event{}, err)
				return
			}
			if after == 0 && len(page) == 0 {
				if _, err := s.GetRun(ctx, runID); err != nil {
					yield(api.Event{}, err)
				}
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
				after = ev.Seq
			}
			if len(page) < readPageSize {
				return
			}
		}
	}
}

func (s *SQLLog) readPage(ctx context.Context, runID string, after int64) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT body FROM hookflow_events
		WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`), runID, after, readPageSize)
	if err != nil {
		return nil, fmt.Errorf("hookflow: read events: %w", err)
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ev api.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("hookflow: decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLLog) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM hookflow_runs WHERE run_id = ?`), runID)
	return scanRun(row)
}

func (s *SQLLog) CurrentRun(ctx context.Context, workflowID string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+runColumns+` FROM hookflow_runs
		WHERE workflow_id = ?
		ORDER BY created_at DESC, run_id DESC
		LIMIT 1`), workflowID)
	return scanRun(row)
}

func (s *SQLLog) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT run_id FROM hookflow_runs WHERE status = ? ORDER BY run_id`),
		string(api.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("hookflow: list active: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRun(row *sql.Row) (RunRecord, error) {
	var (
		rec                RunRecord
		status, kind       string
		result             sql.NullString
		created, updated   int64
		errType, errString sql.NullString
	)
	err := row.Scan(&rec.RunID, &rec.WorkflowID, &rec.WorkflowType, &rec.TaskQueue, &status, &result,
		&kind, &errType, &errString, &rec.LastSeq, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, ErrRunNotFound
		}
		return RunRecord{}, fmt.Errorf("hookflow: load run: %w", err)
	}
	rec.Status = api.Status(status)
	rec.ErrorKind = api.ErrorKind(kind)
	rec.ErrorType = errType.String
	rec.ErrorMessage = errString.String
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &rec.Result); err != nil {
			return RunRecord{}, fmt.Errorf("hookflow: decode result: %w", err)
		}
	}
	return rec, nil
}

func encodeResult(p api.Payload) (sql.NullString, error) {
	if p.IsEmpty() {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("hookflow: encode result: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

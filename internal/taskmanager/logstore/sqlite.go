package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// schema contains the DDL for the log table. Each statement uses IF NOT
// EXISTS so migrating is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS log_lines (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id    TEXT NOT NULL,
		line       TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_log_lines_task_id ON log_lines(task_id, id)`,
}

// SQLiteStore keeps every log line as a row in a single SQLite table.
//
// Row ids are assigned by AUTOINCREMENT under SQLite's single writer, so id
// order is append order. A tailer's position is the last row id it has seen.
type SQLiteStore struct {
	db           *sql.DB
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
// ":memory:" gives a private in-memory database.
func NewSQLiteStore(
	dbPath string,
	pollInterval time.Duration,
	logger *slog.Logger,
) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = fmt.Sprintf(
			"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
			dbPath,
		)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	s := &SQLiteStore{
		db:           db,
		pollInterval: pollInterval,
		logger:       logger.With("component", "logstore"),
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, &StorageError{Op: "migrate", Err: err}
	}

	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQLiteStore) Log(taskID string) Log {
	return &sqliteLog{s: s, taskID: taskID}
}

func (s *SQLiteStore) TaskIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT DISTINCT task_id FROM log_lines ORDER BY task_id`,
	)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &StorageError{Op: "list", Err: err}
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}

	return ids, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteLog struct {
	s      *SQLiteStore
	taskID string
}

func (l *sqliteLog) Append(line string) error {
	if _, err := l.s.db.Exec(
		`INSERT INTO log_lines (task_id, line, created_at) VALUES (?, ?, ?)`,
		l.taskID,
		sanitise(line),
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return &StorageError{Op: "append", TaskID: l.taskID, Err: err}
	}

	return nil
}

func (l *sqliteLog) Tail(ctx context.Context) iter.Seq[string] {
	var (
		count  int64
		lastID int64
	)

	if err := l.s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*), COALESCE(MAX(id), 0) FROM log_lines WHERE task_id = ?`,
		l.taskID,
	).Scan(&count, &lastID); err != nil {
		return single(diagnostic(err))
	}

	if count == 0 {
		return single(NoLogsLine)
	}

	var used atomic.Bool

	return func(yield func(string) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}

		for ctx.Err() == nil {
			batch, err := l.since(ctx, lastID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}

				yield(diagnostic(err))
				return
			}

			for _, r := range batch {
				lastID = r.id

				if !yield(r.line) {
					return
				}
			}

			if len(batch) == 0 && !sleep(ctx, l.s.pollInterval) {
				return
			}
		}
	}
}

type logRow struct {
	id   int64
	line string
}

// since reads every row after lastID. Rows are collected before returning so
// the connection is released before any of them reach a subscriber.
func (l *sqliteLog) since(ctx context.Context, lastID int64) ([]logRow, error) {
	rows, err := l.s.db.QueryContext(
		ctx,
		`SELECT id, line FROM log_lines WHERE task_id = ? AND id > ? ORDER BY id`,
		l.taskID,
		lastID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []logRow

	for rows.Next() {
		var r logRow
		if err := rows.Scan(&r.id, &r.line); err != nil {
			return nil, err
		}

		batch = append(batch, r)
	}

	return batch, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TaskHistoryRow mirrors the task_history table (spec.md §6). An interrupted
// host leaves FinishedAt nil; readers must tolerate that.
type TaskHistoryRow struct {
	ID         string
	ScriptName string
	StartedAt  time.Time
	FinishedAt *time.Time
	ExitCode   *int
	Output     *string
}

// TaskHistoryStore persists TaskRecord rows across run-start and completion.
type TaskHistoryStore struct {
	db *DB
}

// NewTaskHistoryStore builds a TaskHistoryStore backed by db.
func NewTaskHistoryStore(db *DB) *TaskHistoryStore {
	return &TaskHistoryStore{db: db}
}

// Insert records a task's run-start, per spec.md §6 ("inserted on run-start").
func (s *TaskHistoryStore) Insert(ctx context.Context, id, scriptName string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_history (id, script_name, started_at) VALUES (?, ?, ?)",
		id, scriptName, startedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: insert task history %q: %w", id, err)
	}
	return nil
}

// Complete records a task's completion, per spec.md §6 ("updated on
// completion").
func (s *TaskHistoryStore) Complete(ctx context.Context, id string, finishedAt time.Time, exitCode int, output string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE task_history SET finished_at = ?, exit_code = ?, output = ? WHERE id = ?",
		finishedAt.Unix(), exitCode, output, id,
	)
	if err != nil {
		return fmt.Errorf("store: complete task history %q: %w", id, err)
	}
	return nil
}

// Get returns a single task history row.
func (s *TaskHistoryStore) Get(ctx context.Context, id string) (*TaskHistoryRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, script_name, started_at, finished_at, exit_code, output
		FROM task_history WHERE id = ?
	`, id)
	return scanTaskRow(row)
}

func scanTaskRow(row *sql.Row) (*TaskHistoryRow, error) {
	var (
		r          TaskHistoryRow
		startedAt  int64
		finishedAt sql.NullInt64
		exitCode   sql.NullInt64
		output     sql.NullString
	)

	if err := row.Scan(&r.ID, &r.ScriptName, &startedAt, &finishedAt, &exitCode, &output); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: task history not found")
		}
		return nil, fmt.Errorf("store: scan task history: %w", err)
	}

	r.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		r.FinishedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	if output.Valid {
		r.Output = &output.String
	}
	return &r, nil
}

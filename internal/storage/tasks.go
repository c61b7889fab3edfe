package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ultron-agent/ultrond/internal/model"
)

var (
	// ErrTaskNotFound is returned when a scheduled task does not exist
	ErrTaskNotFound = errors.New("scheduled task not found")

	// ErrDuplicateTask is returned when inserting a task whose id exists
	ErrDuplicateTask = errors.New("scheduled task already exists")
)

// TaskStore defines the interface for scheduled task persistence
type TaskStore interface {
	// CreateTask inserts a new scheduled task
	CreateTask(ctx context.Context, task *model.ScheduledTask) error

	// UpdateTask rewrites an existing scheduled task
	UpdateTask(ctx context.Context, task *model.ScheduledTask) error

	// GetTask retrieves a scheduled task by ID
	GetTask(ctx context.Context, id string) (*model.ScheduledTask, error)

	// ListTasks retrieves all scheduled tasks
	ListTasks(ctx context.Context) ([]*model.ScheduledTask, error)

	// DeleteTask removes a scheduled task
	DeleteTask(ctx context.Context, id string) error
}

// CreateTask implements TaskStore.CreateTask
func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.ScheduledTask) error {
	historyJSON, err := marshalHistory(task.History)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (
			id, name, schedule, command_type, payload, enabled,
			run_count, failure_count, consecutive_failures, last_result,
			last_run_time, next_run_time, created_at, updated_at, history
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.Name,
		task.Schedule,
		task.CommandType,
		nullString(string(task.Payload)),
		task.Enabled,
		task.RunCount,
		task.FailureCount,
		task.ConsecutiveFailures,
		nullString(task.LastResult),
		nullTime(task.LastRunTime),
		nullTime(task.NextRunTime),
		task.CreatedAt,
		task.UpdatedAt,
		nullString(historyJSON),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// UpdateTask implements TaskStore.UpdateTask
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *model.ScheduledTask) error {
	historyJSON, err := marshalHistory(task.History)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET
			name = ?,
			schedule = ?,
			command_type = ?,
			payload = ?,
			enabled = ?,
			run_count = ?,
			failure_count = ?,
			consecutive_failures = ?,
			last_result = ?,
			last_run_time = ?,
			next_run_time = ?,
			updated_at = ?,
			history = ?
		WHERE id = ?`,
		task.Name,
		task.Schedule,
		task.CommandType,
		nullString(string(task.Payload)),
		task.Enabled,
		task.RunCount,
		task.FailureCount,
		task.ConsecutiveFailures,
		nullString(task.LastResult),
		nullTime(task.LastRunTime),
		nullTime(task.NextRunTime),
		task.UpdatedAt,
		nullString(historyJSON),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
	}
	return nil
}

const taskColumns = `
	id, name, schedule, command_type, payload, enabled,
	run_count, failure_count, consecutive_failures, last_result,
	last_run_time, next_run_time, created_at, updated_at, history`

// GetTask implements TaskStore.GetTask
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+taskColumns+" FROM scheduled_tasks WHERE id = ?", id)

	task, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return task, nil
}

// ListTasks implements TaskStore.ListTasks
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+taskColumns+" FROM scheduled_tasks ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}

// DeleteTask implements TaskStore.DeleteTask
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.ScheduledTask, error) {
	var task model.ScheduledTask
	var payload, lastResult, history sql.NullString
	var lastRun, nextRun sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.Name,
		&task.Schedule,
		&task.CommandType,
		&payload,
		&task.Enabled,
		&task.RunCount,
		&task.FailureCount,
		&task.ConsecutiveFailures,
		&lastResult,
		&lastRun,
		&nextRun,
		&task.CreatedAt,
		&task.UpdatedAt,
		&history,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		task.Payload = json.RawMessage(payload.String)
	}
	if lastResult.Valid {
		task.LastResult = lastResult.String
	}
	if lastRun.Valid {
		task.LastRunTime = &lastRun.Time
	}
	if nextRun.Valid {
		task.NextRunTime = &nextRun.Time
	}
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &task.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task history: %w", err)
		}
	}

	return &task, nil
}

func marshalHistory(history []model.TaskRun) (string, error) {
	if len(history) == 0 {
		return "", nil
	}
	data, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task history: %w", err)
	}
	return string(data), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

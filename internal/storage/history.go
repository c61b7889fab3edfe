package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/model"
)

// ExecutionRecord represents a historical command execution
type ExecutionRecord struct {
	ID          string              `json:"id"`
	CommandID   string              `json:"command_id"`
	Type        string              `json:"type"`
	Source      string              `json:"source,omitempty"`
	Status      model.CommandStatus `json:"status"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
	Result      json.RawMessage     `json:"result,omitempty"`
	Error       string              `json:"error,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Duration    time.Duration       `json:"duration,omitempty"`
}

// HistoryStore defines the interface for execution history storage
type HistoryStore interface {
	// StoreExecution stores a command execution record
	StoreExecution(ctx context.Context, rec *ExecutionRecord) error

	// UpdateExecution updates an existing execution record
	UpdateExecution(ctx context.Context, rec *ExecutionRecord) error

	// GetExecution retrieves an execution record by ID
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)

	// ListExecutions retrieves execution records with pagination and filters
	ListExecutions(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*ExecutionRecord, error)

	// CountExecutions returns the number of records matching the filters
	CountExecutions(ctx context.Context, filters map[string]interface{}) (int, error)

	// DeleteExecutionsBefore deletes records older than the specified time
	DeleteExecutionsBefore(ctx context.Context, before time.Time) error
}

// StoreExecution implements HistoryStore.StoreExecution
func (s *SQLiteStore) StoreExecution(ctx context.Context, rec *ExecutionRecord) error {
	var payloadStr string
	if len(rec.Payload) > 0 {
		payloadStr = string(rec.Payload)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_history (
			id, command_id, type, source, status, payload, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.CommandID,
		rec.Type,
		rec.Source,
		rec.Status,
		payloadStr,
		rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store execution record: %w", err)
	}
	return nil
}

// UpdateExecution implements HistoryStore.UpdateExecution
func (s *SQLiteStore) UpdateExecution(ctx context.Context, rec *ExecutionRecord) error {
	var resultStr string
	if len(rec.Result) > 0 {
		resultStr = string(rec.Result)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_history SET
			status = ?,
			result = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		rec.Status,
		sql.NullString{String: resultStr, Valid: len(resultStr) > 0},
		sql.NullString{String: rec.Error, Valid: rec.Error != ""},
		nullTime(rec.CompletedAt),
		sql.NullInt64{Int64: int64(rec.Duration), Valid: rec.Duration != 0},
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution record: %w", err)
	}
	return nil
}

const executionColumns = `
	id, command_id, type, source, status, payload, result, error,
	started_at, completed_at, duration`

// GetExecution implements HistoryStore.GetExecution
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+executionColumns+" FROM execution_history WHERE id = ?", id)

	rec, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan execution record: %w", err)
	}
	return rec, nil
}

// ListExecutions implements HistoryStore.ListExecutions
func (s *SQLiteStore) ListExecutions(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*ExecutionRecord, error) {
	query := "SELECT" + executionColumns + " FROM execution_history"
	query, args := applyFilters(query, filters)
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution history: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// CountExecutions implements HistoryStore.CountExecutions
func (s *SQLiteStore) CountExecutions(ctx context.Context, filters map[string]interface{}) (int, error) {
	query, args := applyFilters("SELECT COUNT(*) FROM execution_history", filters)

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count execution history: %w", err)
	}
	return count, nil
}

// DeleteExecutionsBefore implements HistoryStore.DeleteExecutionsBefore
func (s *SQLiteStore) DeleteExecutionsBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM execution_history WHERE started_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete execution history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

func applyFilters(query string, filters map[string]interface{}) (string, []interface{}) {
	args := make([]interface{}, 0, len(filters))
	if len(filters) > 0 {
		query += " WHERE"
		first := true
		for key, value := range filters {
			if !first {
				query += " AND"
			}
			query += fmt.Sprintf(" %s = ?", key)
			args = append(args, value)
			first = false
		}
	}
	return query, args
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	var payload, result, errorStr, source sql.NullString
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := row.Scan(
		&rec.ID,
		&rec.CommandID,
		&rec.Type,
		&source,
		&rec.Status,
		&payload,
		&result,
		&errorStr,
		&rec.StartedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return nil, err
	}

	if source.Valid {
		rec.Source = source.String
	}
	if payload.Valid && payload.String != "" {
		rec.Payload = json.RawMessage(payload.String)
	}
	if result.Valid && result.String != "" {
		rec.Result = json.RawMessage(result.String)
	}
	if errorStr.Valid {
		rec.Error = errorStr.String
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		rec.Duration = time.Duration(durationNanos.Int64)
	}

	return rec, nil
}

package model

import (
	"encoding/json"
	"time"
)

// TaskRun is one recorded execution of a scheduled task.
type TaskRun struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// ScheduledTask represents a recurring task managed by the scheduler.
// Schedule holds a schedule descriptor string (see internal/schedule);
// CommandType and Payload describe the command submitted on each fire.
type ScheduledTask struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Schedule    string          `json:"schedule"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
	Enabled     bool            `json:"enabled"`

	RunCount     int `json:"run_count"`
	FailureCount int `json:"failure_count"`
	// ConsecutiveFailures drives the failure-threshold breaker; it resets
	// on any successful run.
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastResult          string `json:"last_result,omitempty"`

	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// History holds the most recent runs, newest first, capped by the
	// scheduler's history limit.
	History []TaskRun `json:"history,omitempty"`
}

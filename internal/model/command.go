package model

import (
	"encoding/json"
	"time"
)

// CommandStatus represents the current status of a command
type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusRunning   CommandStatus = "running"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
	CommandStatusCanceled  CommandStatus = "canceled"
)

// Command represents a unit of work dispatched to a command handler.
// Type selects the handler (shell, http, chat, container, file, event);
// Payload carries the handler-specific arguments.
type Command struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Source   string          `json:"source,omitempty"` // "api", "scheduler", "chat"
	Status   CommandStatus   `json:"status"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	LastAttempt  time.Time `json:"last_attempt,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Result       []byte    `json:"result,omitempty"`
}

// CommandResult represents the result of a command execution
type CommandResult struct {
	CommandID   string        `json:"command_id"`
	Type        string        `json:"type"`
	Status      CommandStatus `json:"status"`
	Result      []byte        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Transient   bool          `json:"transient,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}

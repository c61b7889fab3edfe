// Package handler contains the built-in command handlers.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/model"
)

// ShellPayload represents the payload for shell commands
type ShellPayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
}

// ShellHandler handles shell command execution
type ShellHandler struct {
	logger *zap.Logger
}

// NewShellHandler creates a new shell command handler
func NewShellHandler(logger *zap.Logger) *ShellHandler {
	return &ShellHandler{
		logger: logger,
	}
}

// Execute runs the shell command
func (h *ShellHandler) Execute(ctx context.Context, cmd *model.Command) (*model.CommandResult, error) {
	var payload ShellPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.Command == "" {
		return &model.CommandResult{
			Status:      model.CommandStatusFailed,
			Error:       "shell payload requires a command",
			CompletedAt: time.Now(),
		}, nil
	}

	cmdCtx := ctx
	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	proc := exec.CommandContext(cmdCtx, payload.Command, payload.Args...)

	if payload.WorkingDir != "" {
		proc.Dir = payload.WorkingDir
	}

	if len(payload.Env) > 0 {
		env := make([]string, 0, len(payload.Env))
		for k, v := range payload.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		proc.Env = append(proc.Env, env...)
	}

	h.logger.Info("Executing shell command",
		zap.String("command", payload.Command),
		zap.Strings("args", payload.Args))

	output, err := proc.CombinedOutput()

	result := &model.CommandResult{
		CompletedAt: time.Now(),
		Result:      output,
	}

	if err != nil {
		result.Status = model.CommandStatusFailed
		if cmdCtx.Err() == context.DeadlineExceeded {
			result.Error = "command execution timed out"
			result.Transient = true
		} else {
			result.Error = strings.TrimSpace(string(output))
			if result.Error == "" {
				result.Error = err.Error()
			}
		}
	} else {
		result.Status = model.CommandStatusCompleted
	}

	return result, nil
}

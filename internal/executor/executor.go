// Package executor dispatches commands to registered handlers and
// records every execution.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/events"
	"github.com/ultron-agent/ultrond/internal/metrics"
	"github.com/ultron-agent/ultrond/internal/model"
	"github.com/ultron-agent/ultrond/internal/storage"
)

const (
	commandStreamName    = "COMMANDS"
	commandSubmitSubject = "command.submit"
	commandResultPrefix  = "command.result."
	deadLetterSubject    = "command.deadletter"
)

// CommandHandler executes one type of command
type CommandHandler interface {
	Execute(ctx context.Context, cmd *model.Command) (*model.CommandResult, error)
}

// Submit publishes a command for execution
func Submit(js nats.JetStreamContext, cmd *model.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if _, err := js.Publish(commandSubmitSubject, data); err != nil {
		return fmt.Errorf("failed to submit command: %w", err)
	}
	return nil
}

// ResultSubject returns the subject a command's result is published on
func ResultSubject(commandID string) string {
	return commandResultPrefix + commandID
}

// Config defines executor limits
type Config struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	return c
}

// Executor consumes submitted commands from the bus, runs them through
// the matching handler, and publishes results.
type Executor struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	history storage.HistoryStore
	bus     *events.Bus
	cfg     Config
	retry   *RetryManager

	mu       sync.RWMutex
	handlers map[string]CommandHandler

	running sync.Map
	sem     chan struct{}
	sub     *nats.Subscription
}

// New creates an executor. The bus and retry manager are optional.
func New(js nats.JetStreamContext, history storage.HistoryStore, bus *events.Bus, cfg Config, logger *zap.Logger) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		logger:   logger.Named("executor"),
		js:       js,
		history:  history,
		bus:      bus,
		cfg:      cfg,
		handlers: make(map[string]CommandHandler),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// SetRetryManager wires a retry manager for transient failures
func (e *Executor) SetRetryManager(rm *RetryManager) {
	e.retry = rm
}

// RegisterHandler registers a command handler by type name
func (e *Executor) RegisterHandler(name string, handler CommandHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = handler
}

// HandlerTypes returns the registered command type names
func (e *Executor) HandlerTypes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	return names
}

// Start subscribes to command submissions
func (e *Executor) Start(ctx context.Context) error {
	if err := e.ensureStream(); err != nil {
		return err
	}

	sub, err := e.js.QueueSubscribe(
		commandSubmitSubject,
		"command_executors",
		func(msg *nats.Msg) {
			var cmd model.Command
			if err := json.Unmarshal(msg.Data, &cmd); err != nil {
				e.logger.Error("Failed to unmarshal command", zap.Error(err))
				msg.Ack()
				return
			}

			go func() {
				if err := e.Execute(ctx, &cmd); err != nil {
					e.logger.Error("Failed to execute command",
						zap.String("command_id", cmd.ID),
						zap.Error(err))
				}
			}()

			if err := msg.Ack(); err != nil {
				e.logger.Error("Failed to acknowledge message", zap.Error(err))
			}
		},
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(3),
		nats.DeliverNew(),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}
	e.sub = sub
	return nil
}

// Stop stops consuming commands
func (e *Executor) Stop() {
	e.logger.Info("Stopping executor")
	if e.sub != nil {
		e.sub.Unsubscribe()
	}
}

func (e *Executor) ensureStream() error {
	_, err := e.js.StreamInfo(commandStreamName)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = e.js.AddStream(&nats.StreamConfig{
		Name:     commandStreamName,
		Subjects: []string{"command.>"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create command stream: %w", err)
	}
	return nil
}

// Execute runs a command through its handler and publishes the result
func (e *Executor) Execute(ctx context.Context, cmd *model.Command) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	metrics.CommandsRunning.Inc()
	defer metrics.CommandsRunning.Dec()

	handler := e.handler(cmd.Type)
	startTime := time.Now()

	historyID := uuid.New().String()
	rec := &storage.ExecutionRecord{
		ID:        historyID,
		CommandID: cmd.ID,
		Type:      cmd.Type,
		Source:    cmd.Source,
		Status:    model.CommandStatusRunning,
		Payload:   cmd.Payload,
		StartedAt: startTime,
	}
	if err := e.history.StoreExecution(ctx, rec); err != nil {
		e.logger.Error("Failed to store execution record",
			zap.String("command_id", cmd.ID),
			zap.Error(err))
	}

	e.running.Store(cmd.ID, cmd)
	defer e.running.Delete(cmd.ID)

	var result *model.CommandResult
	if handler == nil {
		result = &model.CommandResult{
			CommandID:   cmd.ID,
			Type:        cmd.Type,
			Status:      model.CommandStatusFailed,
			Error:       fmt.Sprintf("unknown command type: %s", cmd.Type),
			CompletedAt: time.Now(),
		}
	} else {
		runCtx, cancel := context.WithTimeout(ctx, e.cfg.DefaultTimeout)
		var err error
		result, err = handler.Execute(runCtx, cmd)
		cancel()

		switch {
		case err != nil:
			result = &model.CommandResult{
				Status:      model.CommandStatusFailed,
				Error:       err.Error(),
				Transient:   isTransientErr(err),
				CompletedAt: time.Now(),
			}
		case result == nil:
			result = &model.CommandResult{
				Status:      model.CommandStatusCompleted,
				CompletedAt: time.Now(),
			}
		}
		result.CommandID = cmd.ID
		result.Type = cmd.Type
	}

	endTime := time.Now()
	duration := endTime.Sub(startTime)

	rec.Status = result.Status
	rec.Result = result.Result
	rec.Error = result.Error
	rec.CompletedAt = &endTime
	rec.Duration = duration
	if err := e.history.UpdateExecution(ctx, rec); err != nil {
		e.logger.Error("Failed to update execution record",
			zap.String("command_id", cmd.ID),
			zap.Error(err))
	}

	metrics.RecordCommand(cmd.Type, string(result.Status), duration)

	if err := e.publishResult(result); err != nil {
		e.logger.Error("Failed to publish command result",
			zap.String("command_id", cmd.ID),
			zap.Error(err))
		return err
	}

	switch result.Status {
	case model.CommandStatusCompleted:
		e.emit(ctx, "command.completed", map[string]string{
			"command_id": cmd.ID,
			"type":       cmd.Type,
		})
	case model.CommandStatusFailed:
		e.emit(ctx, "command.failed", map[string]string{
			"command_id": cmd.ID,
			"type":       cmd.Type,
			"error":      result.Error,
		})
		if e.retry != nil && result.Transient {
			e.retry.AddRetry(cmd, result.Error)
		}
	}

	return nil
}

// RunningCommands returns the commands currently executing
func (e *Executor) RunningCommands() []*model.Command {
	var cmds []*model.Command
	e.running.Range(func(key, value interface{}) bool {
		if cmd, ok := value.(*model.Command); ok {
			cmds = append(cmds, cmd)
		}
		return true
	})
	return cmds
}

// isTransientErr classifies errors a handler returned instead of a
// result. Network failures and timeouts are worth retrying; anything
// else (bad payloads, invalid arguments) will fail the same way again.
func isTransientErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (e *Executor) handler(name string) CommandHandler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[name]
}

func (e *Executor) publishResult(result *model.CommandResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = e.js.Publish(commandResultPrefix+result.CommandID, data)
	return err
}

func (e *Executor) emit(ctx context.Context, name string, data interface{}) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Emit(ctx, name, data); err != nil {
		e.logger.Error("Failed to emit event",
			zap.String("event", name),
			zap.Error(err))
	}
}

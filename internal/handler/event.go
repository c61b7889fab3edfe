package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/events"
	"github.com/ultron-agent/ultrond/internal/model"
)

// EventPayload represents the payload for event commands
type EventPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EventHandler emits an event on the bus
type EventHandler struct {
	logger *zap.Logger
	bus    *events.Bus
}

// NewEventHandler creates a new event handler
func NewEventHandler(logger *zap.Logger, bus *events.Bus) *EventHandler {
	return &EventHandler{
		logger: logger,
		bus:    bus,
	}
}

// Execute emits the event described by the payload
func (h *EventHandler) Execute(ctx context.Context, cmd *model.Command) (*model.CommandResult, error) {
	var payload EventPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.Name == "" {
		return failedResult("event name is required"), nil
	}

	var data interface{}
	if len(payload.Data) > 0 {
		data = payload.Data
	}
	if err := h.bus.Emit(ctx, payload.Name, data); err != nil {
		return &model.CommandResult{
			Status:      model.CommandStatusFailed,
			Error:       err.Error(),
			CompletedAt: time.Now(),
		}, nil
	}

	h.logger.Debug("Emitted event from command",
		zap.String("event", payload.Name),
		zap.String("command_id", cmd.ID))

	return &model.CommandResult{
		Status:      model.CommandStatusCompleted,
		CompletedAt: time.Now(),
	}, nil
}

package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/llm"
	"github.com/ultron-agent/ultrond/internal/model"
)

// ChatPayload represents the payload for chat commands
type ChatPayload struct {
	Prompt   string        `json:"prompt"`
	System   string        `json:"system,omitempty"`
	Messages []llm.Message `json:"messages,omitempty"`
	Model    string        `json:"model,omitempty"`
}

// ChatResult is the structured result of a chat command
type ChatResult struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model,omitempty"`
	Reply    string        `json:"reply"`
	ToolCall *llm.ToolCall `json:"tool_call,omitempty"`
}

// SubmitFunc submits a follow-up command for execution
type SubmitFunc func(ctx context.Context, cmd *model.Command) error

// ChatHandler routes chat prompts through the LLM router and turns
// structured tool calls in replies into follow-up commands.
type ChatHandler struct {
	logger       *zap.Logger
	router       *llm.Router
	submit       SubmitFunc
	allowedTools map[string]bool
}

// NewChatHandler creates a new chat handler. submit may be nil, in
// which case extracted tool calls are reported but not executed.
func NewChatHandler(logger *zap.Logger, router *llm.Router, submit SubmitFunc, allowedTools []string) *ChatHandler {
	allowed := make(map[string]bool, len(allowedTools))
	for _, t := range allowedTools {
		allowed[t] = true
	}
	return &ChatHandler{
		logger:       logger,
		router:       router,
		submit:       submit,
		allowedTools: allowed,
	}
}

// Execute sends the prompt through the router
func (h *ChatHandler) Execute(ctx context.Context, cmd *model.Command) (*model.CommandResult, error) {
	var payload ChatPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	messages := payload.Messages
	if len(messages) == 0 {
		if payload.Prompt == "" {
			return failedResult("prompt or messages is required"), nil
		}
		if payload.System != "" {
			messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: payload.System})
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: payload.Prompt})
	}

	resp, err := h.router.Chat(ctx, llm.Request{
		Messages: messages,
		Model:    payload.Model,
	})
	if err != nil {
		return &model.CommandResult{
			Status:      model.CommandStatusFailed,
			Error:       err.Error(),
			Transient:   llm.IsTransient(err),
			CompletedAt: time.Now(),
		}, nil
	}

	chatResult := ChatResult{
		Provider: resp.Provider,
		Model:    resp.Model,
		Reply:    resp.Content,
	}

	if call, ok := llm.ExtractToolCall(resp.Content); ok {
		chatResult.ToolCall = call
		if err := h.dispatch(ctx, cmd, call); err != nil {
			h.logger.Warn("Failed to dispatch tool call",
				zap.String("tool", call.Tool),
				zap.Error(err))
		}
	}

	result, err := json.Marshal(chatResult)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &model.CommandResult{
		Status:      model.CommandStatusCompleted,
		Result:      result,
		CompletedAt: time.Now(),
	}, nil
}

func (h *ChatHandler) dispatch(ctx context.Context, parent *model.Command, call *llm.ToolCall) error {
	if h.submit == nil {
		return nil
	}
	if !h.allowedTools[call.Tool] {
		return fmt.Errorf("tool %q is not allowed", call.Tool)
	}

	payload := call.Args
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	followUp := &model.Command{
		ID:        uuid.New().String(),
		Type:      call.Tool,
		Source:    "chat:" + parent.ID,
		Status:    model.CommandStatusPending,
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	h.logger.Info("Dispatching tool call from chat reply",
		zap.String("tool", call.Tool),
		zap.String("command_id", followUp.ID))

	return h.submit(ctx, followUp)
}

func failedResult(msg string) *model.CommandResult {
	return &model.CommandResult{
		Status:      model.CommandStatusFailed,
		Error:       msg,
		CompletedAt: time.Now(),
	}
}

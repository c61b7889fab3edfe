package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/model"
)

// HTTPPayload represents the payload for HTTP request commands
type HTTPPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// HTTPHandler handles HTTP request commands
type HTTPHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPHandler creates a new HTTP request handler
func NewHTTPHandler(logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Execute performs the HTTP request
func (h *HTTPHandler) Execute(ctx context.Context, cmd *model.Command) (*model.CommandResult, error) {
	var payload HTTPPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	method := payload.Method
	if method == "" {
		method = http.MethodGet
	}

	reqCtx := ctx
	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	var body io.Reader
	if payload.Body != "" {
		body = strings.NewReader(payload.Body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, payload.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range payload.Headers {
		req.Header.Add(key, value)
	}

	h.logger.Info("Executing HTTP request",
		zap.String("method", method),
		zap.String("url", payload.URL))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return &model.CommandResult{
			Status:      model.CommandStatusFailed,
			Error:       err.Error(),
			Transient:   true,
			CompletedAt: time.Now(),
		}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &model.CommandResult{
		Status:      model.CommandStatusCompleted,
		CompletedAt: time.Now(),
		Result:      respBody,
	}

	if resp.StatusCode >= 400 {
		result.Status = model.CommandStatusFailed
		result.Error = fmt.Sprintf("HTTP request failed with status: %d", resp.StatusCode)
		result.Transient = resp.StatusCode == 429 || resp.StatusCode >= 500
	}

	return result, nil
}

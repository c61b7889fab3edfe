package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/executor"
	"github.com/ultron-agent/ultrond/internal/llm"
	"github.com/ultron-agent/ultrond/internal/model"
	"github.com/ultron-agent/ultrond/internal/scheduler"
)

// CommandRequest is the body of POST /command
type CommandRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	// Wait, in seconds, makes the request block for the result.
	Wait int `json:"wait,omitempty"`
}

// StatusResponse is the body of GET /agent/status
type StatusResponse struct {
	model.AgentStats
	HandlerTypes []string                     `json:"handler_types"`
	Providers    map[string]llm.ProviderStats `json:"providers,omitempty"`
}

// CreateTaskRequest is the body of POST /agent/tasks
type CreateTaskRequest struct {
	Name        string          `json:"name"`
	Schedule    string          `json:"schedule"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeError(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	if s.deps.NATS != nil && !s.deps.NATS.IsConnected() {
		writeError(w, "nats disconnected", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		writeError(w, "command type is required", http.StatusBadRequest)
		return
	}
	// Keep waits inside the server write timeout.
	if req.Wait > 55 {
		req.Wait = 55
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	cmd := &model.Command{
		ID:        uuid.New().String(),
		Type:      req.Type,
		Source:    "api",
		Status:    model.CommandStatusPending,
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	// Subscribe for the result before submitting so it cannot be missed.
	var results chan *nats.Msg
	var sub *nats.Subscription
	if req.Wait > 0 {
		results = make(chan *nats.Msg, 1)
		var err error
		sub, err = s.deps.JetStream.ChanSubscribe(executor.ResultSubject(cmd.ID), results)
		if err != nil {
			s.logger.Error("Failed to subscribe for command result", zap.Error(err))
			writeError(w, "failed to await result", http.StatusInternalServerError)
			return
		}
		defer sub.Unsubscribe()
	}

	if err := executor.Submit(s.deps.JetStream, cmd); err != nil {
		s.logger.Error("Failed to submit command", zap.Error(err))
		writeError(w, "failed to submit command", http.StatusInternalServerError)
		return
	}

	if req.Wait <= 0 {
		writeJSON(w, http.StatusAccepted, cmd)
		return
	}

	select {
	case msg := <-results:
		var result model.CommandResult
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			writeError(w, "invalid command result", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case <-time.After(time.Duration(req.Wait) * time.Second):
		writeJSON(w, http.StatusAccepted, cmd)
	case <-r.Context().Done():
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Config.Redacted())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	resp := StatusResponse{
		AgentStats: model.AgentStats{
			StartedAt: s.startedAt,
		},
	}
	if s.deps.Executor != nil {
		resp.RunningCommands = len(s.deps.Executor.RunningCommands())
		resp.HandlerTypes = s.deps.Executor.HandlerTypes()
	}
	if s.deps.Scheduler != nil {
		resp.ScheduledTasks = len(s.deps.Scheduler.List())
	}
	if s.deps.Bus != nil {
		resp.EventsSeen = s.deps.Bus.Seen()
	}
	if s.deps.Monitor != nil {
		resp.System = s.deps.Monitor.Latest()
	}
	if s.deps.LLM != nil {
		resp.Providers = s.deps.LLM.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.deps.Bus.Recent(limit))
}

// historyFilters are the query parameters forwarded to the history
// store. Anything else is rejected.
var historyFilters = map[string]bool{
	"type":       true,
	"status":     true,
	"command_id": true,
	"source":     true,
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	filters := make(map[string]interface{})
	offset, limit := 0, 50
	for key, values := range r.URL.Query() {
		switch key {
		case "offset":
			offset, _ = strconv.Atoi(values[0])
		case "limit":
			limit, _ = strconv.Atoi(values[0])
		default:
			if !historyFilters[key] {
				writeError(w, "unknown filter: "+key, http.StatusBadRequest)
				return
			}
			filters[key] = values[0]
		}
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	recs, err := s.deps.History.ListExecutions(r.Context(), filters, offset, limit)
	if err != nil {
		s.logger.Error("Failed to list executions", zap.Error(err))
		writeError(w, "failed to list executions", http.StatusInternalServerError)
		return
	}
	total, err := s.deps.History.CountExecutions(r.Context(), filters)
	if err != nil {
		s.logger.Error("Failed to count executions", zap.Error(err))
		writeError(w, "failed to list executions", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":      total,
		"offset":     offset,
		"executions": recs,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.deps.Scheduler.List())
	case http.MethodPost:
		s.createTask(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Schedule == "" || req.CommandType == "" {
		writeError(w, "name, schedule and command_type are required", http.StatusBadRequest)
		return
	}

	task := &model.ScheduledTask{
		Name:        req.Name,
		Schedule:    req.Schedule,
		CommandType: req.CommandType,
		Payload:     req.Payload,
	}
	if err := s.deps.Scheduler.Add(r.Context(), task); err != nil {
		s.taskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/agent/tasks/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, "task ID is required", http.StatusBadRequest)
		return
	}

	if action != "" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var err error
		switch action {
		case "run":
			err = s.deps.Scheduler.RunNow(r.Context(), id)
		case "enable":
			err = s.deps.Scheduler.Enable(r.Context(), id)
		case "disable":
			err = s.deps.Scheduler.Disable(r.Context(), id)
		default:
			writeError(w, "unknown action: "+action, http.StatusNotFound)
			return
		}
		if err != nil {
			s.taskError(w, err)
			return
		}
		task, err := s.deps.Scheduler.Get(id)
		if err != nil {
			s.taskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, err := s.deps.Scheduler.Get(id)
		if err != nil {
			s.taskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodDelete:
		if err := s.deps.Scheduler.Remove(r.Context(), id); err != nil {
			s.taskError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) taskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, scheduler.ErrDuplicateTask):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, scheduler.ErrTaskDisabled):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusBadRequest)
	}
}

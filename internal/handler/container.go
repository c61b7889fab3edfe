package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/model"
)

// ContainerOperation defines the type of container operation
type ContainerOperation string

const (
	ContainerOperationStart   ContainerOperation = "start"
	ContainerOperationStop    ContainerOperation = "stop"
	ContainerOperationRestart ContainerOperation = "restart"
	ContainerOperationInspect ContainerOperation = "inspect"
	ContainerOperationLogs    ContainerOperation = "logs"
)

// ContainerPayload represents the payload for container commands
type ContainerPayload struct {
	Operation   ContainerOperation `json:"operation"`
	ContainerID string             `json:"container_id"`
	Timeout     int                `json:"timeout,omitempty"` // seconds, stop/restart
	Tail        string             `json:"tail,omitempty"`    // logs
}

// ContainerHandler manages Docker containers
type ContainerHandler struct {
	logger *zap.Logger
	docker *client.Client
}

// NewContainerHandler creates a new container handler. The Docker client
// is configured from the environment with API version negotiation.
func NewContainerHandler(logger *zap.Logger) (*ContainerHandler, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &ContainerHandler{
		logger: logger,
		docker: docker,
	}, nil
}

// Execute performs the container operation
func (h *ContainerHandler) Execute(ctx context.Context, cmd *model.Command) (*model.CommandResult, error) {
	var payload ContainerPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.ContainerID == "" {
		return failedResult("container_id is required"), nil
	}

	h.logger.Info("Executing container operation",
		zap.String("operation", string(payload.Operation)),
		zap.String("container_id", payload.ContainerID))

	var (
		result []byte
		err    error
	)
	switch payload.Operation {
	case ContainerOperationStart:
		err = h.docker.ContainerStart(ctx, payload.ContainerID, container.StartOptions{})

	case ContainerOperationStop:
		err = h.docker.ContainerStop(ctx, payload.ContainerID, stopOptions(payload.Timeout))

	case ContainerOperationRestart:
		err = h.docker.ContainerRestart(ctx, payload.ContainerID, stopOptions(payload.Timeout))

	case ContainerOperationInspect:
		var info types.ContainerJSON
		info, err = h.docker.ContainerInspect(ctx, payload.ContainerID)
		if err == nil {
			result, err = json.Marshal(info)
		}

	case ContainerOperationLogs:
		result, err = h.collectLogs(ctx, payload)

	default:
		return nil, fmt.Errorf("unknown container operation: %s", payload.Operation)
	}

	res := &model.CommandResult{
		CompletedAt: time.Now(),
		Result:      result,
	}
	if err != nil {
		res.Status = model.CommandStatusFailed
		res.Error = err.Error()
		res.Transient = client.IsErrConnectionFailed(err)
	} else {
		res.Status = model.CommandStatusCompleted
	}
	return res, nil
}

func (h *ContainerHandler) collectLogs(ctx context.Context, payload ContainerPayload) ([]byte, error) {
	tail := payload.Tail
	if tail == "" {
		tail = "100"
	}

	reader, err := h.docker.ContainerLogs(ctx, payload.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer reader.Close()

	// Container logs are multiplexed; demux stdout and stderr together.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	return buf.Bytes(), nil
}

func stopOptions(timeout int) container.StopOptions {
	opts := container.StopOptions{}
	if timeout > 0 {
		opts.Timeout = &timeout
	}
	return opts
}

package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/model"
)

// FileOperation defines the type of file operation
type FileOperation string

const (
	FileOperationRead   FileOperation = "read"
	FileOperationWrite  FileOperation = "write"
	FileOperationDelete FileOperation = "delete"
	FileOperationMove   FileOperation = "move"
	FileOperationCopy   FileOperation = "copy"
	FileOperationList   FileOperation = "list"
)

// FilePayload represents the payload for file operation commands
type FilePayload struct {
	Operation  FileOperation `json:"operation"`
	SourcePath string        `json:"source_path"`
	TargetPath string        `json:"target_path,omitempty"`
	Content    []byte        `json:"content,omitempty"`
}

// FileHandler handles file operations confined to a base directory
type FileHandler struct {
	logger  *zap.Logger
	baseDir string
}

// NewFileHandler creates a new file operation handler
func NewFileHandler(logger *zap.Logger, baseDir string) *FileHandler {
	return &FileHandler{
		logger:  logger,
		baseDir: baseDir,
	}
}

// Execute performs the file operation
func (h *FileHandler) Execute(ctx context.Context, cmd *model.Command) (*model.CommandResult, error) {
	var payload FilePayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	sourcePath, err := h.resolve(payload.SourcePath)
	if err != nil {
		return nil, err
	}

	var targetPath string
	if payload.TargetPath != "" {
		targetPath, err = h.resolve(payload.TargetPath)
		if err != nil {
			return nil, err
		}
	}

	h.logger.Info("Executing file operation",
		zap.String("operation", string(payload.Operation)),
		zap.String("source", sourcePath))

	var result []byte
	switch payload.Operation {
	case FileOperationRead:
		result, err = os.ReadFile(sourcePath)

	case FileOperationWrite:
		if err = os.MkdirAll(filepath.Dir(sourcePath), 0o755); err == nil {
			err = os.WriteFile(sourcePath, payload.Content, 0o644)
		}

	case FileOperationDelete:
		err = os.Remove(sourcePath)

	case FileOperationMove:
		if targetPath == "" {
			return nil, fmt.Errorf("move requires a target path")
		}
		err = os.Rename(sourcePath, targetPath)

	case FileOperationCopy:
		if targetPath == "" {
			return nil, fmt.Errorf("copy requires a target path")
		}
		err = copyFile(sourcePath, targetPath)

	case FileOperationList:
		var entries []os.DirEntry
		entries, err = os.ReadDir(sourcePath)
		if err == nil {
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			result, err = json.Marshal(names)
		}

	default:
		return nil, fmt.Errorf("unknown file operation: %s", payload.Operation)
	}

	res := &model.CommandResult{
		CompletedAt: time.Now(),
		Result:      result,
	}
	if err != nil {
		res.Status = model.CommandStatusFailed
		res.Error = err.Error()
	} else {
		res.Status = model.CommandStatusCompleted
	}
	return res, nil
}

// resolve joins a relative path onto the base directory and rejects
// escapes.
func (h *FileHandler) resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Clean(filepath.Join(h.baseDir, p))
	if full != h.baseDir && !strings.HasPrefix(full, h.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path must be within base directory")
	}
	return full, nil
}

func copyFile(source, target string) error {
	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

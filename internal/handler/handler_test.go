package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/llm"
	"github.com/ultron-agent/ultrond/internal/model"
)

func testCommand(t *testing.T, cmdType string, payload interface{}) *model.Command {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	return &model.Command{
		ID:        "cmd-1",
		Type:      cmdType,
		Status:    model.CommandStatusPending,
		Payload:   raw,
		CreatedAt: time.Now(),
	}
}

func TestShellHandler(t *testing.T) {
	h := NewShellHandler(zap.NewNop())

	cmd := testCommand(t, "shell", ShellPayload{
		Command: "echo",
		Args:    []string{"hello"},
	})

	result, err := h.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusCompleted, result.Status)
	assert.Contains(t, string(result.Result), "hello")
}

func TestShellHandlerFailure(t *testing.T) {
	h := NewShellHandler(zap.NewNop())

	cmd := testCommand(t, "shell", ShellPayload{
		Command: "sh",
		Args:    []string{"-c", "echo broken >&2; exit 3"},
	})

	result, err := h.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusFailed, result.Status)
	assert.Contains(t, result.Error, "broken")
	assert.False(t, result.Transient)
}

func TestShellHandlerTimeout(t *testing.T) {
	h := NewShellHandler(zap.NewNop())

	cmd := testCommand(t, "shell", ShellPayload{
		Command: "sleep",
		Args:    []string{"10"},
		Timeout: 100 * time.Millisecond,
	})

	result, err := h.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusFailed, result.Status)
	assert.True(t, result.Transient)
}

func TestShellHandlerMissingCommand(t *testing.T) {
	h := NewShellHandler(zap.NewNop())

	result, err := h.Execute(context.Background(), testCommand(t, "shell", ShellPayload{}))
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusFailed, result.Status)
}

func TestHTTPHandler(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "value", r.Header.Get("X-Test"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	h := NewHTTPHandler(zap.NewNop())

	cmd := testCommand(t, "http", HTTPPayload{
		URL:     server.URL,
		Headers: map[string]string{"X-Test": "value"},
	})

	result, err := h.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusCompleted, result.Status)
	assert.JSONEq(t, `{"ok":true}`, string(result.Result))
}

func TestHTTPHandlerStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		transient bool
	}{
		{"bad request", http.StatusBadRequest, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer server.Close()

			h := NewHTTPHandler(zap.NewNop())

			result, err := h.Execute(context.Background(), testCommand(t, "http", HTTPPayload{URL: server.URL}))
			require.NoError(t, err)
			assert.Equal(t, model.CommandStatusFailed, result.Status)
			assert.Equal(t, tt.transient, result.Transient)
		})
	}
}

func TestHTTPHandlerConnectionRefused(t *testing.T) {
	h := NewHTTPHandler(zap.NewNop())

	cmd := testCommand(t, "http", HTTPPayload{
		URL:     "http://127.0.0.1:1/unreachable",
		Timeout: time.Second,
	})

	result, err := h.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusFailed, result.Status)
	assert.True(t, result.Transient)
}

func TestFileHandler(t *testing.T) {
	base := t.TempDir()
	h := NewFileHandler(zap.NewNop(), base)
	ctx := context.Background()

	// Write then read back.
	result, err := h.Execute(ctx, testCommand(t, "file", FilePayload{
		Operation:  FileOperationWrite,
		SourcePath: "notes/today.txt",
		Content:    []byte("remember the milk"),
	}))
	require.NoError(t, err)
	require.Equal(t, model.CommandStatusCompleted, result.Status)

	result, err = h.Execute(ctx, testCommand(t, "file", FilePayload{
		Operation:  FileOperationRead,
		SourcePath: "notes/today.txt",
	}))
	require.NoError(t, err)
	require.Equal(t, model.CommandStatusCompleted, result.Status)
	assert.Equal(t, "remember the milk", string(result.Result))

	// Copy keeps the original, move does not.
	result, err = h.Execute(ctx, testCommand(t, "file", FilePayload{
		Operation:  FileOperationCopy,
		SourcePath: "notes/today.txt",
		TargetPath: "notes/backup.txt",
	}))
	require.NoError(t, err)
	require.Equal(t, model.CommandStatusCompleted, result.Status)
	assert.FileExists(t, filepath.Join(base, "notes/today.txt"))

	result, err = h.Execute(ctx, testCommand(t, "file", FilePayload{
		Operation:  FileOperationMove,
		SourcePath: "notes/today.txt",
		TargetPath: "notes/archived.txt",
	}))
	require.NoError(t, err)
	require.Equal(t, model.CommandStatusCompleted, result.Status)
	assert.NoFileExists(t, filepath.Join(base, "notes/today.txt"))

	// List the directory.
	result, err = h.Execute(ctx, testCommand(t, "file", FilePayload{
		Operation:  FileOperationList,
		SourcePath: "notes",
	}))
	require.NoError(t, err)
	require.Equal(t, model.CommandStatusCompleted, result.Status)

	var names []string
	require.NoError(t, json.Unmarshal(result.Result, &names))
	assert.ElementsMatch(t, []string{"archived.txt", "backup.txt"}, names)

	// Delete.
	result, err = h.Execute(ctx, testCommand(t, "file", FilePayload{
		Operation:  FileOperationDelete,
		SourcePath: "notes/backup.txt",
	}))
	require.NoError(t, err)
	require.Equal(t, model.CommandStatusCompleted, result.Status)
	assert.NoFileExists(t, filepath.Join(base, "notes/backup.txt"))
}

func TestFileHandlerRejectsEscape(t *testing.T) {
	base := t.TempDir()
	outside := filepath.Join(filepath.Dir(base), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	h := NewFileHandler(zap.NewNop(), base)

	_, err := h.Execute(context.Background(), testCommand(t, "file", FilePayload{
		Operation:  FileOperationRead,
		SourcePath: "../outside.txt",
	}))
	assert.Error(t, err)

	_, err = h.Execute(context.Background(), testCommand(t, "file", FilePayload{
		Operation:  FileOperationRead,
		SourcePath: "/etc/passwd",
	}))
	assert.Error(t, err)
}

func TestFileHandlerReadMissing(t *testing.T) {
	h := NewFileHandler(zap.NewNop(), t.TempDir())

	result, err := h.Execute(context.Background(), testCommand(t, "file", FilePayload{
		Operation:  FileOperationRead,
		SourcePath: "missing.txt",
	}))
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusFailed, result.Status)
}

type scriptedClient struct {
	name  string
	reply string
	err   error
}

func (c *scriptedClient) Name() string { return c.name }

func (c *scriptedClient) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Provider: c.name, Content: c.reply}, nil
}

func TestChatHandler(t *testing.T) {
	router := llm.NewRouter([]llm.Client{
		&scriptedClient{name: "local", reply: "The answer is 42."},
	}, zap.NewNop())

	h := NewChatHandler(zap.NewNop(), router, nil, nil)

	result, err := h.Execute(context.Background(), testCommand(t, "chat", ChatPayload{
		Prompt: "What is the answer?",
	}))
	require.NoError(t, err)
	require.Equal(t, model.CommandStatusCompleted, result.Status)

	var chat ChatResult
	require.NoError(t, json.Unmarshal(result.Result, &chat))
	assert.Equal(t, "local", chat.Provider)
	assert.Equal(t, "The answer is 42.", chat.Reply)
	assert.Nil(t, chat.ToolCall)
}

func TestChatHandlerDispatchesToolCall(t *testing.T) {
	router := llm.NewRouter([]llm.Client{
		&scriptedClient{
			name:  "local",
			reply: "Running it now:\n```json\n{\"tool\": \"shell\", \"args\": {\"command\": \"uptime\"}}\n```",
		},
	}, zap.NewNop())

	var submitted *model.Command
	submit := func(ctx context.Context, cmd *model.Command) error {
		submitted = cmd
		return nil
	}

	h := NewChatHandler(zap.NewNop(), router, submit, []string{"shell"})

	parent := testCommand(t, "chat", ChatPayload{Prompt: "check load"})
	result, err := h.Execute(context.Background(), parent)
	require.NoError(t, err)
	require.Equal(t, model.CommandStatusCompleted, result.Status)

	var chat ChatResult
	require.NoError(t, json.Unmarshal(result.Result, &chat))
	require.NotNil(t, chat.ToolCall)
	assert.Equal(t, "shell", chat.ToolCall.Tool)

	require.NotNil(t, submitted)
	assert.Equal(t, "shell", submitted.Type)
	assert.Equal(t, "chat:"+parent.ID, submitted.Source)

	var shellPayload ShellPayload
	require.NoError(t, json.Unmarshal(submitted.Payload, &shellPayload))
	assert.Equal(t, "uptime", shellPayload.Command)
}

func TestChatHandlerBlocksUnknownTool(t *testing.T) {
	router := llm.NewRouter([]llm.Client{
		&scriptedClient{name: "local", reply: `{"tool": "shell", "args": {"command": "rm"}}`},
	}, zap.NewNop())

	submitted := false
	submit := func(ctx context.Context, cmd *model.Command) error {
		submitted = true
		return nil
	}

	// Only http is allowed, so the shell tool call must not be dispatched.
	h := NewChatHandler(zap.NewNop(), router, submit, []string{"http"})

	result, err := h.Execute(context.Background(), testCommand(t, "chat", ChatPayload{Prompt: "hi"}))
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusCompleted, result.Status)
	assert.False(t, submitted)
}

func TestChatHandlerProviderFailure(t *testing.T) {
	router := llm.NewRouter([]llm.Client{
		&scriptedClient{name: "local", err: &llm.ProviderError{
			Provider: "local", StatusCode: 503, Message: "overloaded", Transient: true,
		}},
	}, zap.NewNop())

	h := NewChatHandler(zap.NewNop(), router, nil, nil)

	result, err := h.Execute(context.Background(), testCommand(t, "chat", ChatPayload{Prompt: "hi"}))
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusFailed, result.Status)
	assert.True(t, result.Transient)
}

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/model"
	"github.com/ultron-agent/ultrond/internal/storage"
	"github.com/ultron-agent/ultrond/internal/testutil"
)

type fakeHandler struct {
	mu     sync.Mutex
	calls  int
	result *model.CommandResult
	err    error
}

func (h *fakeHandler) Execute(ctx context.Context, cmd *model.Command) (*model.CommandResult, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	return h.result, nil
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func newTestExecutor(t *testing.T, js nats.JetStreamContext, cfg Config) (*Executor, *storage.SQLiteStore) {
	t.Helper()

	store, err := storage.NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return New(js, store, nil, cfg, zap.NewNop()), store
}

func collectResults(t *testing.T, js nats.JetStreamContext) (<-chan model.CommandResult, func()) {
	t.Helper()

	ch := make(chan model.CommandResult, 16)
	sub, err := js.Subscribe(commandResultPrefix+">", func(msg *nats.Msg) {
		var res model.CommandResult
		if err := json.Unmarshal(msg.Data, &res); err == nil {
			ch <- res
		}
		msg.Ack()
	})
	require.NoError(t, err)

	return ch, func() { sub.Unsubscribe() }
}

func submitCommand(t *testing.T, js nats.JetStreamContext, cmd *model.Command) {
	t.Helper()

	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	_, err = js.Publish(commandSubmitSubject, data)
	require.NoError(t, err)
}

func waitResult(t *testing.T, ch <-chan model.CommandResult) model.CommandResult {
	t.Helper()

	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for command result")
		return model.CommandResult{}
	}
}

// waitResultFor drains the channel until the result for the given
// command arrives, skipping results replayed from the stream.
func waitResultFor(t *testing.T, ch <-chan model.CommandResult, commandID string) model.CommandResult {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case res := <-ch:
			if res.CommandID == commandID {
				return res
			}
		case <-deadline:
			t.Fatalf("timed out waiting for result of %s", commandID)
			return model.CommandResult{}
		}
	}
}

func TestExecutorRunsCommand(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	exec, _ := newTestExecutor(t, js, Config{})
	handler := &fakeHandler{result: &model.CommandResult{
		Status:      model.CommandStatusCompleted,
		Result:      []byte(`"done"`),
		CompletedAt: time.Now(),
	}}
	exec.RegisterHandler("fake", handler)

	ctx := context.Background()
	require.NoError(t, exec.Start(ctx))
	defer exec.Stop()

	results, stop := collectResults(t, js)
	defer stop()

	submitCommand(t, js, &model.Command{
		ID:        "cmd-run",
		Type:      "fake",
		Status:    model.CommandStatusPending,
		Payload:   json.RawMessage(`{}`),
		CreatedAt: time.Now(),
	})

	res := waitResult(t, results)
	assert.Equal(t, "cmd-run", res.CommandID)
	assert.Equal(t, "fake", res.Type)
	assert.Equal(t, model.CommandStatusCompleted, res.Status)
	assert.Equal(t, 1, handler.callCount())
}

func TestExecutorUnknownType(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	exec, _ := newTestExecutor(t, js, Config{})

	ctx := context.Background()
	require.NoError(t, exec.Start(ctx))
	defer exec.Stop()

	results, stop := collectResults(t, js)
	defer stop()

	submitCommand(t, js, &model.Command{
		ID:      "cmd-unknown",
		Type:    "nonexistent",
		Payload: json.RawMessage(`{}`),
	})

	res := waitResult(t, results)
	assert.Equal(t, model.CommandStatusFailed, res.Status)
	assert.Contains(t, res.Error, "unknown command type")
}

func TestExecutorHandlerError(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	exec, _ := newTestExecutor(t, js, Config{})
	exec.RegisterHandler("fake", &fakeHandler{err: errors.New("handler blew up")})

	ctx := context.Background()
	require.NoError(t, exec.Start(ctx))
	defer exec.Stop()

	results, stop := collectResults(t, js)
	defer stop()

	submitCommand(t, js, &model.Command{
		ID:      "cmd-err",
		Type:    "fake",
		Payload: json.RawMessage(`{}`),
	})

	res := waitResult(t, results)
	assert.Equal(t, model.CommandStatusFailed, res.Status)
	assert.Contains(t, res.Error, "handler blew up")
	// A plain handler error is permanent; retrying a bad payload or an
	// invalid argument would just fail again.
	assert.False(t, res.Transient)
}

func TestExecutorTimeoutErrorTransient(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	exec, _ := newTestExecutor(t, js, Config{})
	exec.RegisterHandler("fake", &fakeHandler{err: context.DeadlineExceeded})

	ctx := context.Background()
	require.NoError(t, exec.Start(ctx))
	defer exec.Stop()

	results, stop := collectResults(t, js)
	defer stop()

	submitCommand(t, js, &model.Command{
		ID:      "cmd-timeout",
		Type:    "fake",
		Payload: json.RawMessage(`{}`),
	})

	res := waitResult(t, results)
	assert.Equal(t, model.CommandStatusFailed, res.Status)
	assert.True(t, res.Transient)
}

func TestExecutorRestartDoesNotReplay(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	first, _ := newTestExecutor(t, js, Config{})
	h1 := &fakeHandler{result: &model.CommandResult{
		Status:      model.CommandStatusCompleted,
		CompletedAt: time.Now(),
	}}
	first.RegisterHandler("fake", h1)

	ctx := context.Background()
	require.NoError(t, first.Start(ctx))

	results, stop := collectResults(t, js)
	defer stop()

	submitCommand(t, js, &model.Command{
		ID:      "cmd-once",
		Type:    "fake",
		Payload: json.RawMessage(`{}`),
	})
	waitResultFor(t, results, "cmd-once")
	require.Equal(t, 1, h1.callCount())
	first.Stop()

	// A fresh executor on the same stream must pick up where the old
	// one left off, not re-run commands that already completed.
	second, _ := newTestExecutor(t, js, Config{})
	h2 := &fakeHandler{result: &model.CommandResult{
		Status:      model.CommandStatusCompleted,
		CompletedAt: time.Now(),
	}}
	second.RegisterHandler("fake", h2)
	require.NoError(t, second.Start(ctx))
	defer second.Stop()

	submitCommand(t, js, &model.Command{
		ID:      "cmd-next",
		Type:    "fake",
		Payload: json.RawMessage(`{}`),
	})
	res := waitResultFor(t, results, "cmd-next")
	assert.Equal(t, model.CommandStatusCompleted, res.Status)

	assert.Equal(t, 1, h2.callCount())
	assert.Equal(t, 1, h1.callCount())
}

func TestExecutorRecordsHistory(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	exec, store := newTestExecutor(t, js, Config{})
	exec.RegisterHandler("fake", &fakeHandler{result: &model.CommandResult{
		Status:      model.CommandStatusCompleted,
		Result:      []byte(`{"n":1}`),
		CompletedAt: time.Now(),
	}})

	ctx := context.Background()
	require.NoError(t, exec.Start(ctx))
	defer exec.Stop()

	results, stop := collectResults(t, js)
	defer stop()

	submitCommand(t, js, &model.Command{
		ID:      "cmd-hist",
		Type:    "fake",
		Source:  "api",
		Payload: json.RawMessage(`{}`),
	})
	waitResult(t, results)

	require.Eventually(t, func() bool {
		recs, err := store.ListExecutions(ctx, map[string]interface{}{"command_id": "cmd-hist"}, 0, 10)
		if err != nil || len(recs) != 1 {
			return false
		}
		return recs[0].Status == model.CommandStatusCompleted && recs[0].CompletedAt != nil
	}, 3*time.Second, 50*time.Millisecond)
}

func TestExecutorRetriesTransientFailure(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	exec, _ := newTestExecutor(t, js, Config{})
	rm := NewRetryManager(js, &ExponentialBackoff{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	}, 5, zap.NewNop())
	exec.SetRetryManager(rm)

	handler := &fakeHandler{result: &model.CommandResult{
		Status:      model.CommandStatusFailed,
		Error:       "temporarily unavailable",
		Transient:   true,
		CompletedAt: time.Now(),
	}}
	exec.RegisterHandler("fake", handler)

	ctx := context.Background()
	require.NoError(t, exec.Start(ctx))
	defer exec.Stop()
	require.NoError(t, rm.Start(ctx))
	defer rm.Stop()

	submitCommand(t, js, &model.Command{
		ID:      "cmd-retry",
		Type:    "fake",
		Payload: json.RawMessage(`{}`),
	})

	// The retry loop runs once a second, so a second attempt proves the
	// command was resubmitted.
	require.Eventually(t, func() bool {
		return handler.callCount() >= 2
	}, 10*time.Second, 100*time.Millisecond)
}

func TestExponentialBackoff(t *testing.T) {
	s := &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}

	assert.Equal(t, time.Second, s.NextRetry(1))
	assert.Equal(t, 2*time.Second, s.NextRetry(2))
	assert.Equal(t, 4*time.Second, s.NextRetry(3))
	assert.Equal(t, 10*time.Second, s.NextRetry(10))
}

func TestRetryManagerDeadLetter(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	// Dead letter subject lives on the command stream.
	exec, _ := newTestExecutor(t, js, Config{})
	require.NoError(t, exec.Start(context.Background()))
	defer exec.Stop()

	deadCh := make(chan []byte, 1)
	sub, err := js.Subscribe(deadLetterSubject, func(msg *nats.Msg) {
		deadCh <- msg.Data
		msg.Ack()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	rm := NewRetryManager(js, &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		Multiplier:   2,
	}, 2, zap.NewNop())

	cmd := &model.Command{
		ID:       "cmd-dead",
		Type:     "fake",
		Attempts: 1,
		Payload:  json.RawMessage(`{}`),
	}
	rm.AddRetry(cmd, "still failing")

	assert.Equal(t, 0, rm.PendingCount())

	select {
	case data := <-deadCh:
		var dead struct {
			Command *model.Command `json:"command"`
			Error   string         `json:"error"`
		}
		require.NoError(t, json.Unmarshal(data, &dead))
		assert.Equal(t, "cmd-dead", dead.Command.ID)
		assert.Equal(t, "still failing", dead.Error)
		assert.Equal(t, 2, dead.Command.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dead letter")
	}
}

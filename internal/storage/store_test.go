package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestTask() *model.ScheduledTask {
	now := time.Now().Truncate(time.Second)
	return &model.ScheduledTask{
		ID:          uuid.New().String(),
		Name:        "nightly-report",
		Schedule:    "daily:02:00",
		CommandType: "shell",
		Payload:     json.RawMessage(`{"command":"report.sh"}`),
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestTaskCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := newTestTask()
	require.NoError(t, store.CreateTask(ctx, task))

	t.Run("duplicate insert rejected", func(t *testing.T) {
		err := store.CreateTask(ctx, task)
		assert.ErrorIs(t, err, ErrDuplicateTask)
	})

	t.Run("get returns stored fields", func(t *testing.T) {
		got, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.Name, got.Name)
		assert.Equal(t, task.Schedule, got.Schedule)
		assert.Equal(t, task.CommandType, got.CommandType)
		assert.JSONEq(t, string(task.Payload), string(got.Payload))
		assert.True(t, got.Enabled)
	})

	t.Run("update counters and history", func(t *testing.T) {
		lastRun := time.Now().Truncate(time.Second)
		task.RunCount = 3
		task.FailureCount = 1
		task.ConsecutiveFailures = 1
		task.LastResult = "exit status 1"
		task.LastRunTime = &lastRun
		task.History = []model.TaskRun{
			{StartedAt: lastRun, Duration: time.Second, Success: false, Error: "exit status 1"},
		}
		task.UpdatedAt = time.Now()
		require.NoError(t, store.UpdateTask(ctx, task))

		got, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.RunCount)
		assert.Equal(t, 1, got.FailureCount)
		assert.Equal(t, 1, got.ConsecutiveFailures)
		assert.Equal(t, "exit status 1", got.LastResult)
		require.NotNil(t, got.LastRunTime)
		require.Len(t, got.History, 1)
		assert.False(t, got.History[0].Success)
	})

	t.Run("list", func(t *testing.T) {
		second := newTestTask()
		second.Name = "weekly-cleanup"
		require.NoError(t, store.CreateTask(ctx, second))

		tasks, err := store.ListTasks(ctx)
		require.NoError(t, err)
		assert.Len(t, tasks, 2)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.DeleteTask(ctx, task.ID))

		_, err := store.GetTask(ctx, task.ID)
		assert.ErrorIs(t, err, ErrTaskNotFound)

		err = store.DeleteTask(ctx, task.ID)
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})
}

func TestUpdateUnknownTask(t *testing.T) {
	store := newTestStore(t)

	task := newTestTask()
	err := store.UpdateTask(context.Background(), task)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestExecutionHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute).Truncate(time.Second)
	rec := &ExecutionRecord{
		ID:        uuid.New().String(),
		CommandID: uuid.New().String(),
		Type:      "shell",
		Source:    "scheduler",
		Status:    model.CommandStatusRunning,
		Payload:   json.RawMessage(`{"command":"echo"}`),
		StartedAt: started,
	}
	require.NoError(t, store.StoreExecution(ctx, rec))

	completed := started.Add(2 * time.Second)
	rec.Status = model.CommandStatusCompleted
	rec.Result = json.RawMessage(`{"output":"hello"}`)
	rec.CompletedAt = &completed
	rec.Duration = 2 * time.Second
	require.NoError(t, store.UpdateExecution(ctx, rec))

	got, err := store.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.CommandStatusCompleted, got.Status)
	assert.Equal(t, 2*time.Second, got.Duration)
	require.NotNil(t, got.CompletedAt)

	missing, err := store.GetExecution(ctx, "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestExecutionFiltersAndCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	for i, status := range []model.CommandStatus{
		model.CommandStatusCompleted,
		model.CommandStatusCompleted,
		model.CommandStatusFailed,
	} {
		startedAt := time.Now().Add(-time.Duration(i) * time.Minute)
		if i == 2 {
			startedAt = old
		}
		require.NoError(t, store.StoreExecution(ctx, &ExecutionRecord{
			ID:        uuid.New().String(),
			CommandID: uuid.New().String(),
			Type:      "http",
			Status:    status,
			StartedAt: startedAt,
		}))
	}

	count, err := store.CountExecutions(ctx, map[string]interface{}{"status": string(model.CommandStatusCompleted)})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	records, err := store.ListExecutions(ctx, map[string]interface{}{"type": "http"}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	// Newest first.
	assert.True(t, records[0].StartedAt.After(records[1].StartedAt))

	records, err = store.ListExecutions(ctx, nil, 0, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	require.NoError(t, store.DeleteExecutionsBefore(ctx, time.Now().Add(-24*time.Hour)))

	total, err := store.CountExecutions(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

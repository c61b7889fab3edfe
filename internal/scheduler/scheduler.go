// Package scheduler runs recurring tasks against their schedule
// descriptors and submits the resulting commands to the executor over
// the message bus.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/events"
	"github.com/ultron-agent/ultrond/internal/metrics"
	"github.com/ultron-agent/ultrond/internal/model"
	"github.com/ultron-agent/ultrond/internal/schedule"
	"github.com/ultron-agent/ultrond/internal/storage"
)

// Config controls scheduler behavior
type Config struct {
	// HistoryLimit caps the per-task run history. Zero means the default.
	HistoryLimit int

	// FailureThreshold disables a task after this many consecutive
	// failures. Zero means the default; negative disables the breaker.
	FailureThreshold int
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit == 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// ConditionFunc gates a conditional task. The task fires on its recheck
// tick only when the condition reports true.
type ConditionFunc func(ctx context.Context) bool

type pendingRun struct {
	taskID  string
	firedAt time.Time
}

// Scheduler manages scheduled tasks. All schedule kinds share a single
// tick loop driven by Spec.Next, so interval, calendar, cron, and
// conditional tasks get uniform semantics. Missed runs while the agent
// was down are not backfilled: next_run is recomputed from now on load.
type Scheduler struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	store  storage.TaskStore
	bus    *events.Bus
	cfg    Config

	mu         sync.RWMutex
	tasks      map[string]*model.ScheduledTask
	specs      map[string]schedule.Spec
	conditions map[string]ConditionFunc
	pending    map[string]pendingRun

	started bool
	stop    chan struct{}
	done    chan struct{}
	sub     *nats.Subscription
}

// New creates a scheduler. The bus is optional; when nil no lifecycle
// events are emitted.
func New(js nats.JetStreamContext, store storage.TaskStore, bus *events.Bus, cfg Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:     logger.Named("scheduler"),
		js:         js,
		store:      store,
		bus:        bus,
		cfg:        cfg.withDefaults(),
		tasks:      make(map[string]*model.ScheduledTask),
		specs:      make(map[string]schedule.Spec),
		conditions: make(map[string]ConditionFunc),
		pending:    make(map[string]pendingRun),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start loads persisted tasks and begins the tick loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.ensureStream(); err != nil {
		return err
	}

	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	for _, task := range tasks {
		spec, err := schedule.Parse(task.Schedule)
		if err != nil {
			s.logger.Error("Skipping task with invalid schedule",
				zap.String("id", task.ID),
				zap.String("schedule", task.Schedule),
				zap.Error(err))
			continue
		}

		next := spec.Next(now)
		task.NextRunTime = &next
		s.tasks[task.ID] = task
		s.specs[task.ID] = spec
	}
	count := len(s.tasks)
	s.mu.Unlock()

	metrics.TasksScheduled.Set(float64(count))
	s.logger.Info("Loaded scheduled tasks", zap.Int("count", count))

	sub, err := s.js.Subscribe(commandResultPrefix+">", s.handleResult, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to command results: %w", err)
	}
	s.sub = sub

	go s.loop(ctx)
	return nil
}

// Stop stops the tick loop
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
}

func (s *Scheduler) ensureStream() error {
	_, err := s.js.StreamInfo(commandStreamName)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = s.js.AddStream(&nats.StreamConfig{
		Name:     commandStreamName,
		Subjects: []string{"command.>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
	})
	if err != nil {
		return fmt.Errorf("failed to create command stream: %w", err)
	}
	s.logger.Info("Created command stream", zap.String("name", commandStreamName))
	return nil
}

// Add registers and persists a new scheduled task
func (s *Scheduler) Add(ctx context.Context, task *model.ScheduledTask) error {
	spec, err := schedule.Parse(task.Schedule)
	if err != nil {
		return err
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
		task.Enabled = true
	}
	task.UpdatedAt = time.Now()

	next := spec.Next(time.Now())
	task.NextRunTime = &next

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	s.mu.Unlock()

	if err := s.store.CreateTask(ctx, task); err != nil {
		return err
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.specs[task.ID] = spec
	count := len(s.tasks)
	s.mu.Unlock()

	metrics.TasksScheduled.Set(float64(count))
	s.emit(ctx, "task.added", map[string]string{"task_id": task.ID, "name": task.Name})

	s.logger.Info("Added scheduled task",
		zap.String("id", task.ID),
		zap.String("name", task.Name),
		zap.String("schedule", task.Schedule),
		zap.Time("next_run", next))
	return nil
}

// Remove deletes a scheduled task
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(s.tasks, id)
	delete(s.specs, id)
	delete(s.conditions, id)
	count := len(s.tasks)
	s.mu.Unlock()

	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}

	metrics.TasksScheduled.Set(float64(count))
	s.emit(ctx, "task.removed", map[string]string{"task_id": id})

	s.logger.Info("Removed scheduled task", zap.String("id", id))
	return nil
}

// Enable re-enables a task and resets its failure breaker
func (s *Scheduler) Enable(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, true)
}

// Disable stops a task from firing without removing it
func (s *Scheduler) Disable(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, false)
}

func (s *Scheduler) setEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	task.Enabled = enabled
	task.UpdatedAt = time.Now()
	if enabled {
		task.ConsecutiveFailures = 0
		next := s.specs[id].Next(time.Now())
		task.NextRunTime = &next
	}
	snapshot := *task
	s.mu.Unlock()

	return s.store.UpdateTask(ctx, &snapshot)
}

// Get returns a copy of a scheduled task
func (s *Scheduler) Get(id string) (*model.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	snapshot := *task
	return &snapshot, nil
}

// List returns copies of all scheduled tasks
func (s *Scheduler) List() []*model.ScheduledTask {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*model.ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		snapshot := *task
		tasks = append(tasks, &snapshot)
	}
	return tasks
}

// SetCondition registers the predicate for a conditional task. Without
// one, a conditional task fires on every recheck.
func (s *Scheduler) SetCondition(id string, fn ConditionFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	s.conditions[id] = fn
	return nil
}

// RunNow fires a task immediately, outside its schedule
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !task.Enabled {
		return fmt.Errorf("%w: %s", ErrTaskDisabled, id)
	}
	return s.fireLocked(ctx, task)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range s.tasks {
		if !task.Enabled || task.NextRunTime == nil || task.NextRunTime.After(now) {
			continue
		}

		spec := s.specs[task.ID]
		if spec.Kind == schedule.KindConditional {
			if cond, ok := s.conditions[task.ID]; ok && !cond(ctx) {
				// Condition not met; just advance the recheck time.
				next := spec.Next(now)
				task.NextRunTime = &next
				continue
			}
		}

		if err := s.fireLocked(ctx, task); err != nil {
			s.logger.Error("Failed to fire task",
				zap.String("id", task.ID),
				zap.Error(err))
		}
	}
}

// fireLocked submits the task's command and advances its schedule.
// Callers must hold s.mu.
func (s *Scheduler) fireLocked(ctx context.Context, task *model.ScheduledTask) error {
	now := time.Now()

	cmd := &model.Command{
		ID:        uuid.New().String(),
		Type:      task.CommandType,
		Source:    "scheduler",
		Status:    model.CommandStatusPending,
		Payload:   task.Payload,
		CreatedAt: now,
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if _, err := s.js.Publish(commandSubmitSubject, data); err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}

	s.pending[cmd.ID] = pendingRun{taskID: task.ID, firedAt: now}

	task.RunCount++
	task.LastRunTime = &now
	next := s.specs[task.ID].Next(now)
	task.NextRunTime = &next
	task.UpdatedAt = now

	snapshot := *task
	if err := s.store.UpdateTask(ctx, &snapshot); err != nil {
		s.logger.Error("Failed to persist task after fire",
			zap.String("id", task.ID),
			zap.Error(err))
	}

	s.emit(ctx, "task.fired", map[string]string{
		"task_id":    task.ID,
		"command_id": cmd.ID,
	})

	s.logger.Info("Fired scheduled task",
		zap.String("id", task.ID),
		zap.String("name", task.Name),
		zap.String("command_id", cmd.ID),
		zap.Time("next_run", next))
	return nil
}

// handleResult updates task counters from command results
func (s *Scheduler) handleResult(msg *nats.Msg) {
	var result model.CommandResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		s.logger.Error("Failed to unmarshal command result", zap.Error(err))
		return
	}

	ctx := context.Background()

	s.mu.Lock()
	run, ok := s.pending[result.CommandID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, result.CommandID)

	task, ok := s.tasks[run.taskID]
	if !ok {
		s.mu.Unlock()
		return
	}

	success := result.Status == model.CommandStatusCompleted
	entry := model.TaskRun{
		StartedAt: run.firedAt,
		Duration:  result.CompletedAt.Sub(run.firedAt),
		Success:   success,
		Error:     result.Error,
	}
	task.History = append([]model.TaskRun{entry}, task.History...)
	if len(task.History) > s.cfg.HistoryLimit {
		task.History = task.History[:s.cfg.HistoryLimit]
	}

	disabled := false
	if success {
		task.ConsecutiveFailures = 0
		task.LastResult = summarize(result.Result)
	} else {
		task.FailureCount++
		task.ConsecutiveFailures++
		task.LastResult = result.Error
		if s.cfg.FailureThreshold > 0 && task.ConsecutiveFailures >= s.cfg.FailureThreshold {
			task.Enabled = false
			disabled = true
		}
	}
	task.UpdatedAt = time.Now()
	snapshot := *task
	s.mu.Unlock()

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	metrics.TaskRuns.WithLabelValues(snapshot.Name, outcome).Inc()

	if err := s.store.UpdateTask(ctx, &snapshot); err != nil {
		s.logger.Error("Failed to persist task result",
			zap.String("id", snapshot.ID),
			zap.Error(err))
	}

	if disabled {
		metrics.TasksDisabled.Inc()
		s.emit(ctx, "task.disabled", map[string]interface{}{
			"task_id":              snapshot.ID,
			"consecutive_failures": snapshot.ConsecutiveFailures,
		})
		s.logger.Warn("Task disabled after repeated failures",
			zap.String("id", snapshot.ID),
			zap.Int("consecutive_failures", snapshot.ConsecutiveFailures))
	}
}

func (s *Scheduler) emit(ctx context.Context, name string, data interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Emit(ctx, name, data); err != nil {
		s.logger.Error("Failed to emit event",
			zap.String("event", name),
			zap.Error(err))
	}
}

// summarize trims a command result for the task's last_result field
func summarize(result []byte) string {
	s := strings.TrimSpace(string(result))
	if len(s) > 500 {
		s = s[:500]
	}
	if s == "" {
		s = "ok"
	}
	return s
}

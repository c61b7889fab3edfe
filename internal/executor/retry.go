package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/metrics"
	"github.com/ultron-agent/ultrond/internal/model"
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry calculates the delay before the given attempt
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry delay using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= s.Multiplier
	}

	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// RetryManager resubmits transiently failed commands with backoff and
// moves commands that exhaust their attempts to the dead letter subject.
type RetryManager struct {
	logger      *zap.Logger
	js          nats.JetStreamContext
	strategy    RetryStrategy
	maxAttempts int

	mu      sync.Mutex
	pending map[string]*model.Command

	stop chan struct{}
	done chan struct{}
}

// NewRetryManager creates a retry manager
func NewRetryManager(js nats.JetStreamContext, strategy RetryStrategy, maxAttempts int, logger *zap.Logger) *RetryManager {
	return &RetryManager{
		logger:      logger.Named("retry-manager"),
		js:          js,
		strategy:    strategy,
		maxAttempts: maxAttempts,
		pending:     make(map[string]*model.Command),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start starts the retry loop
func (rm *RetryManager) Start(ctx context.Context) error {
	rm.logger.Info("Starting retry manager")
	go rm.retryLoop(ctx)
	return nil
}

// Stop stops the retry loop
func (rm *RetryManager) Stop() {
	rm.logger.Info("Stopping retry manager")
	close(rm.stop)
	<-rm.done
}

// AddRetry queues a failed command for retry. Commands past the attempt
// limit go to the dead letter subject instead.
func (rm *RetryManager) AddRetry(cmd *model.Command, errMsg string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	cmd.Attempts++
	cmd.LastAttempt = time.Now()
	cmd.ErrorMessage = errMsg

	if cmd.Attempts >= rm.maxAttempts {
		rm.moveToDeadLetter(cmd, errMsg)
		delete(rm.pending, cmd.ID)
		return
	}

	rm.pending[cmd.ID] = cmd
	metrics.CommandsRetried.WithLabelValues(cmd.Type).Inc()

	rm.logger.Info("Command queued for retry",
		zap.String("command_id", cmd.ID),
		zap.Int("attempt", cmd.Attempts),
		zap.Duration("delay", rm.strategy.NextRetry(cmd.Attempts)))
}

// PendingCount returns the number of commands waiting for retry
func (rm *RetryManager) PendingCount() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.pending)
}

// moveToDeadLetter publishes an exhausted command to the dead letter
// subject. Callers must hold rm.mu.
func (rm *RetryManager) moveToDeadLetter(cmd *model.Command, errMsg string) {
	deadLetter := struct {
		Command *model.Command `json:"command"`
		Error   string         `json:"error"`
	}{
		Command: cmd,
		Error:   errMsg,
	}

	data, err := json.Marshal(deadLetter)
	if err != nil {
		rm.logger.Error("Failed to marshal dead letter", zap.Error(err))
		return
	}

	if _, err := rm.js.Publish(deadLetterSubject, data); err != nil {
		rm.logger.Error("Failed to publish to dead letter subject", zap.Error(err))
		return
	}

	metrics.CommandsDeadLettered.WithLabelValues(cmd.Type).Inc()
	rm.logger.Warn("Command moved to dead letter subject",
		zap.String("command_id", cmd.ID),
		zap.Int("attempts", cmd.Attempts))
}

func (rm *RetryManager) retryLoop(ctx context.Context) {
	defer close(rm.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rm.stop:
			return
		case <-ticker.C:
			rm.processRetries()
		}
	}
}

func (rm *RetryManager) processRetries() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	now := time.Now()
	for id, cmd := range rm.pending {
		nextRetry := cmd.LastAttempt.Add(rm.strategy.NextRetry(cmd.Attempts))
		if !now.After(nextRetry) {
			continue
		}

		resubmit := *cmd
		resubmit.Status = model.CommandStatusPending
		data, err := json.Marshal(&resubmit)
		if err != nil {
			rm.logger.Error("Failed to marshal retry command",
				zap.String("command_id", id),
				zap.Error(err))
			delete(rm.pending, id)
			continue
		}

		if _, err := rm.js.Publish(commandSubmitSubject, data); err != nil {
			rm.logger.Error("Failed to resubmit command",
				zap.String("command_id", id),
				zap.Error(err))
			continue
		}

		delete(rm.pending, id)
		rm.logger.Info("Command retry submitted",
			zap.String("command_id", id),
			zap.Int("attempt", cmd.Attempts))
	}
}

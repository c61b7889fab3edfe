package scheduler

import "time"

const (
	commandStreamName    = "COMMANDS"
	commandSubmitSubject = "command.submit"
	commandResultPrefix  = "command.result."

	streamMaxAge  = 24 * time.Hour
	streamMaxMsgs = -1

	// tickInterval bounds how late a due task can fire.
	tickInterval = time.Second

	// DefaultHistoryLimit caps per-task run history.
	DefaultHistoryLimit = 20

	// DefaultFailureThreshold is the consecutive-failure count at which
	// the breaker disables a task.
	DefaultFailureThreshold = 5
)

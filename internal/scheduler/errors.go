package scheduler

import (
	"errors"

	"github.com/ultron-agent/ultrond/internal/storage"
)

var (
	// ErrTaskNotFound aliases the storage sentinel so callers can match it
	// with errors.Is regardless of whether the scheduler or the store
	// raised it.
	ErrTaskNotFound = storage.ErrTaskNotFound

	// ErrDuplicateTask aliases the storage sentinel, see ErrTaskNotFound.
	ErrDuplicateTask = storage.ErrDuplicateTask

	// ErrTaskDisabled is returned when running a disabled task explicitly
	ErrTaskDisabled = errors.New("scheduled task is disabled")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("scheduler already started")
)

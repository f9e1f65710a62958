package pipeline

import (
	"errors"

	"github.com/dyike/PolishGo/internal/storage"
)

var (
	ErrNotFound = storage.ErrNotFound
	// ErrInvalidState is returned when an operation does not apply to the
	// session's current status.
	ErrInvalidState   = errors.New("invalid session state")
	ErrConfigChanged  = errors.New("stage configuration changed since the session was created")
	ErrAlreadyRunning = errors.New("session is already running")
	ErrQueueFull      = errors.New("dispatch queue is full")
	ErrCancelled      = errors.New("session cancelled")
	ErrClosed         = errors.New("dispatcher is shut down")
)

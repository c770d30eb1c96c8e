package pvm

import "errors"

var (
	// ErrUnknownOperation is returned for a pending-operation marker that names
	// no registered operation.
	ErrUnknownOperation = errors.New("unknown atomic operation")

	ErrUnknownActivity   = errors.New("unknown activity")
	ErrUnknownTransition = errors.New("unknown transition")
	ErrNoBehavior        = errors.New("no behavior registered for activity type")

	// ErrNotWaiting is returned when a signal reaches an execution that is
	// neither waiting nor below a scope listening for the signal.
	ErrNotWaiting = errors.New("execution is not waiting for a signal")
)

package coordinator

import "errors"

var (
	// ErrDeadlineExceeded fails the running step when the saga outlives its
	// overall timeout.
	ErrDeadlineExceeded = errors.New("coordinator: saga deadline exceeded")
	// ErrSagaLocked means another worker owns the saga.
	ErrSagaLocked   = errors.New("coordinator: saga is owned by another worker")
	ErrSagaNotFound = errors.New("coordinator: saga not found")
	// ErrLeaseLost means another worker took the saga over while this one
	// was running it. Nothing was written after the loss was noticed.
	ErrLeaseLost = errors.New("coordinator: saga lease lost to another worker")
	// ErrInterrupted marks a step that was running when its worker died and
	// cannot safely be run again.
	ErrInterrupted = errors.New("coordinator: step interrupted before completion")
)

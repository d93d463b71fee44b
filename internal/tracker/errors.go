package tracker

import "errors"

var (
	// ErrJobNotFound is returned when a job id is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrBatchNotFound is returned when a batch id is unknown.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrTargetBusy is returned when a target already has a running job.
	ErrTargetBusy = errors.New("target already has a running job")

	// ErrNotPending is returned when a job cannot start because it is not
	// in the pending state.
	ErrNotPending = errors.New("job is not pending")

	// ErrAlreadyTerminal is returned when an operation needs a live job.
	ErrAlreadyTerminal = errors.New("job is already terminal")
)

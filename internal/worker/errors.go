package worker

import "errors"

var (
	// ErrAllJobsFailed is returned with the report when every job failed.
	ErrAllJobsFailed = errors.New("every scan job failed")
	// ErrCancelled is the cause recorded on jobs cut short by request
	// cancellation.
	ErrCancelled = errors.New("scan request cancelled")
	// ErrInvalidTransition means a job state change out of order. It is a
	// programming error and fails the job.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

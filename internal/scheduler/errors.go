package scheduler

import "errors"

// Error taxonomy for job execution.
var (
	// ErrTaskFailed wraps a user-code or invocation failure reported by a
	// worker. Retried up to the configured attempts before it surfaces.
	ErrTaskFailed = errors.New("scheduler: task failed")

	// ErrTaskCancelled is the cooperative cancellation outcome of a task
	// attempt. Never retried.
	ErrTaskCancelled = errors.New("scheduler: task cancelled")

	// ErrNoWorkers means a stage had tasks to run but no worker could ever
	// be chosen for one of them.
	ErrNoWorkers = errors.New("scheduler: no workers available")

	// ErrUnknownMethod means a task named a method the executing worker's
	// registry doesn't have.
	ErrUnknownMethod = errors.New("scheduler: unknown task method")
)

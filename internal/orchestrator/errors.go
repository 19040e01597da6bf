package orchestrator

import "errors"

var (
	// ErrRunFailed is returned when at least one node failed or was denied.
	// The first root cause is wrapped alongside it.
	ErrRunFailed = errors.New("run failed")
	// ErrStopped is returned when the pause controller was stopped.
	ErrStopped = errors.New("orchestrator stopped")
	// ErrAlreadyRunning is returned when Run or Resume is called while a run
	// is in progress.
	ErrAlreadyRunning = errors.New("orchestrator already running")
	// ErrBudgetDenied is the cause recorded for nodes refused admission.
	ErrBudgetDenied = errors.New("budget denied")
	// ErrNoVariantSucceeded is returned by FirstSuccess when every variant failed.
	ErrNoVariantSucceeded = errors.New("no fork variant succeeded")
	// ErrCheckpointMismatch is returned when a checkpoint names nodes the
	// graph does not contain.
	ErrCheckpointMismatch = errors.New("checkpoint does not match graph")
)

package subagent

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTaskNotFound indicates the registry holds no task with the id.
	ErrTaskNotFound = errors.New("subagent task not found")
	// ErrTaskTerminal indicates the task already reached a terminal status.
	ErrTaskTerminal = errors.New("subagent task already finished")
	// ErrRegistryClosed indicates Close has been called.
	ErrRegistryClosed = errors.New("subagent registry closed")
	// ErrCancelled is the error recorded on cancelled tasks.
	ErrCancelled = errors.New("subagent task cancelled")
	// ErrIDCollision indicates the id generator kept returning ids in use.
	ErrIDCollision = errors.New("could not allocate unique subagent id")
)

// DepthExceededError is returned by Dispatch when the child would sit
// deeper than the allowed maximum. The registry is not modified.
type DepthExceededError struct {
	Depth    int
	MaxDepth int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("subagent depth %d exceeds maximum %d", e.Depth, e.MaxDepth)
}

// AwaitTimeoutError is returned by Await when the caller's wait expires
// before the task finishes. The task keeps running.
type AwaitTimeoutError struct {
	ID      string
	Timeout time.Duration
}

func (e *AwaitTimeoutError) Error() string {
	return fmt.Sprintf("await %s: not finished after %s", e.ID, e.Timeout)
}

// BudgetDeniedError is recorded on tasks refused by budget admission.
type BudgetDeniedError struct {
	ID    string
	Ratio float64
}

func (e *BudgetDeniedError) Error() string {
	return fmt.Sprintf("subagent %s denied by budget (projected ratio %.2f)", e.ID, e.Ratio)
}

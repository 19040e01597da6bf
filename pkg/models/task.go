package models

import "time"

// SubagentStatus is the lifecycle state of an asynchronously dispatched
// child task.
type SubagentStatus string

const (
	// SubagentQueued indicates the task is waiting for a pool slot.
	SubagentQueued SubagentStatus = "queued"
	// SubagentRunning indicates the executor has been invoked.
	SubagentRunning SubagentStatus = "running"
	// SubagentStreaming indicates partial output is arriving.
	SubagentStreaming SubagentStatus = "streaming"
	// SubagentCompleted indicates the task finished successfully.
	SubagentCompleted SubagentStatus = "completed"
	// SubagentFailed indicates the executor returned an error.
	SubagentFailed SubagentStatus = "failed"
	// SubagentTimeout indicates the dispatch deadline expired.
	SubagentTimeout SubagentStatus = "timeout"
	// SubagentCancelled indicates the task was cancelled by a caller.
	SubagentCancelled SubagentStatus = "cancelled"
	// SubagentNotFound is reported by polls for ids the registry does not hold.
	SubagentNotFound SubagentStatus = "not_found"
)

// Valid returns true if the status is a known value.
func (s SubagentStatus) Valid() bool {
	switch s {
	case SubagentQueued, SubagentRunning, SubagentStreaming,
		SubagentCompleted, SubagentFailed, SubagentTimeout, SubagentCancelled,
		SubagentNotFound:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for absorbing states.
func (s SubagentStatus) IsTerminal() bool {
	switch s {
	case SubagentCompleted, SubagentFailed, SubagentTimeout, SubagentCancelled:
		return true
	default:
		return false
	}
}

// IsActive returns true for states that occupy a pool slot.
func (s SubagentStatus) IsActive() bool {
	return s == SubagentRunning || s == SubagentStreaming
}

// NodeStatus is the outcome of a graph node within one orchestration run.
type NodeStatus string

const (
	// NodeStatusPending indicates the node has not been released yet.
	NodeStatusPending NodeStatus = "pending"
	// NodeStatusRunning indicates the node is executing.
	NodeStatusRunning NodeStatus = "running"
	// NodeStatusDone indicates the node completed successfully.
	NodeStatusDone NodeStatus = "done"
	// NodeStatusFailed indicates the node's execution failed.
	NodeStatusFailed NodeStatus = "failed"
	// NodeStatusDenied indicates budget admission was refused.
	NodeStatusDenied NodeStatus = "denied"
	// NodeStatusBlocked indicates an upstream node did not complete.
	NodeStatusBlocked NodeStatus = "blocked"
	// NodeStatusCancelled indicates the run stopped before the node ran.
	NodeStatusCancelled NodeStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusPending, NodeStatusRunning, NodeStatusDone, NodeStatusFailed,
		NodeStatusDenied, NodeStatusBlocked, NodeStatusCancelled:
		return true
	default:
		return false
	}
}

// IsSuccess returns true only for NodeStatusDone.
func (s NodeStatus) IsSuccess() bool {
	return s == NodeStatusDone
}

// SubagentView is a point-in-time copy of a subagent task as seen by
// pollers. Output is set only for completed tasks; Error only for
// failed, timed out, and cancelled ones.
type SubagentView struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Depth     int            `json:"depth"`
	Status    SubagentStatus `json:"status"`
	Partial   string         `json:"partial,omitempty"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Usage     TokenUsage     `json:"usage"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
}

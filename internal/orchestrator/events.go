package orchestrator

import (
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventNodeReady indicates a node's dependencies are all complete.
	EventNodeReady EventType = "node_ready"
	// EventNodeStarted indicates a node was admitted and handed to a worker.
	EventNodeStarted EventType = "node_started"
	// EventNodeThrottled indicates a node is waiting out a soft-limit delay.
	EventNodeThrottled EventType = "node_throttled"
	// EventNodeCompleted indicates a node finished successfully.
	EventNodeCompleted EventType = "node_completed"
	// EventNodeFailed indicates a node's execution failed.
	EventNodeFailed EventType = "node_failed"
	// EventNodeDenied indicates budget admission was refused for good.
	EventNodeDenied EventType = "node_denied"
	// EventNodeBlocked indicates an upstream node did not complete.
	EventNodeBlocked EventType = "node_blocked"
	// EventRunDone indicates the run has finished.
	EventRunDone EventType = "run_done"
)

// Event represents an event emitted by the orchestrator.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// RunID identifies the run.
	RunID string
	// NodeID is the related node, if applicable.
	NodeID string
	// Cause is the upstream node for blocked events.
	Cause string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Usage is the node's token usage for completion events.
	Usage models.TokenUsage
	// Delay is the throttle delay for throttled events.
	Delay time.Duration
	// Ratio is the projected budget ratio at admission.
	Ratio float64
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// Package agent defines the contract between the orchestration core and
// whatever actually runs a model invocation.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Executor runs one agent invocation to completion. Implementations must
// honor ctx cancellation and must call tools only through
// Request.InvokeTool so middleware can observe and gate every call.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*models.AgentResult, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *Request) (*models.AgentResult, error)

// Execute calls f(ctx, req).
func (f ExecutorFunc) Execute(ctx context.Context, req *Request) (*models.AgentResult, error) {
	return f(ctx, req)
}

// ToolInvoker executes a named tool with raw JSON arguments.
type ToolInvoker func(ctx context.Context, name string, args json.RawMessage) (models.ToolResult, error)

// Dispatcher spawns asynchronous child work from inside a running agent.
// Implementations are scoped to the calling node, so depth and parent
// bookkeeping happen behind the interface.
type Dispatcher interface {
	// Dispatch queues spec for execution and returns the task id. A zero
	// timeout uses the dispatcher's default.
	Dispatch(ctx context.Context, spec models.AgentSpec, prompt string, timeout time.Duration) (string, error)
	// Poll returns the current view of each id without blocking.
	Poll(ids []string) []models.SubagentView
	// Await blocks until the task is terminal or timeout elapses.
	Await(ctx context.Context, id string, timeout time.Duration) (models.SubagentView, error)
	// Cancel requests cancellation of a task.
	Cancel(id string) error
}

// Request is a single agent invocation. The Prompt, Instructions, and
// Tools fields start as copies of Spec and may have been rewritten by
// middleware; executors should use them rather than Spec's fields.
type Request struct {
	// NodeID is the graph node being executed, or the subagent task id.
	NodeID string
	// RunID identifies the orchestration run.
	RunID string
	// Depth is 0 for graph nodes and increases by one per subagent level.
	Depth int
	// Variant is the fork variant index, 0 for plain nodes.
	Variant int
	// Spec is the node's agent spec as declared.
	Spec models.AgentSpec
	// Prompt is the effective user prompt.
	Prompt string
	// Instructions is the effective system prompt.
	Instructions string
	// Tools is the effective tool list.
	Tools []string
	// InvokeTool runs a tool call. It may be nil when no tools are available.
	InvokeTool ToolInvoker
	// OnPartial receives streamed output chunks. It may be nil.
	OnPartial func(chunk string)
	// Subagents dispatches child work. It may be nil.
	Subagents Dispatcher
}

// NewRequest builds a Request whose effective fields are copied from spec.
func NewRequest(nodeID string, spec models.AgentSpec) *Request {
	return &Request{
		NodeID:       nodeID,
		Spec:         spec,
		Prompt:       spec.Prompt,
		Instructions: spec.Instructions,
		Tools:        append([]string(nil), spec.Tools...),
	}
}

// Clone returns a shallow copy with its own Tools slice.
func (r *Request) Clone() *Request {
	c := *r
	c.Tools = append([]string(nil), r.Tools...)
	return &c
}

// Partial forwards chunk to OnPartial if one is set.
func (r *Request) Partial(chunk string) {
	if r.OnPartial != nil && chunk != "" {
		r.OnPartial(chunk)
	}
}

// Package middleware implements the priority-ordered hook chain that
// wraps every agent call and tool call made during orchestration.
//
// A middleware implements Middleware plus any subset of the hook
// interfaces below. Capabilities are detected once at registration.
// Before hooks run in ascending priority, after hooks in descending
// priority, and ties keep registration order.
package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Middleware is the base interface every registered middleware implements.
type Middleware interface {
	// Name must be unique within a chain.
	Name() string
	// Priority orders the middleware. Lower values run first on the way in.
	Priority() int
}

// AgentCall is the mutable view of one agent invocation seen by hooks.
type AgentCall struct {
	NodeID  string
	RunID   string
	Depth   int
	Variant int
	// Spec is the declared spec. Hooks rewrite the effective fields below.
	Spec         models.AgentSpec
	Prompt       string
	Instructions string
	Tools        []string
	// Values carries data between a middleware's before and after hooks.
	Values map[string]string
}

// ToolCall is the mutable view of one tool invocation seen by hooks.
type ToolCall struct {
	NodeID string
	RunID  string
	Name   string
	Args   json.RawMessage
}

// Verdict is returned by BeforeAgent. Abort skips the remaining before
// hooks, the agent call, and every after hook; Result is returned as is.
type Verdict struct {
	Abort  bool
	Result *models.AgentResult
	Reason string
}

// ToolVerdict is returned by BeforeTool. Skip bypasses the tool and every
// remaining hook; MockResult is returned in its place.
type ToolVerdict struct {
	Skip       bool
	MockResult *models.ToolResult
	Reason     string
}

// Stage names the kind of step an error came from.
type Stage string

const (
	// StageAgent is an agent invocation.
	StageAgent Stage = "agent"
	// StageTool is a tool invocation.
	StageTool Stage = "tool"
)

// ErrorEvent describes a failed step.
type ErrorEvent struct {
	Stage  Stage
	NodeID string
	// Tool is set for StageTool.
	Tool string
	// Hook is empty when the step itself failed, otherwise the name of the
	// hook method that returned the error.
	Hook string
	// Middleware names the middleware whose hook failed.
	Middleware string
	// Attempt counts executions of the step, starting at 1.
	Attempt int
	Err     error
	// Call is set for StageAgent, ToolCall for StageTool.
	Call     *AgentCall
	ToolCall *ToolCall
}

// Recovery is an OnError hook's decision. The first middleware (in after
// order) that sets Suppress or Retry decides; the rest are still notified.
type Recovery struct {
	// Suppress replaces the error with a fallback.
	Suppress bool
	// Fallback is the agent result substituted when Suppress is set.
	Fallback *models.AgentResult
	// ToolFallback is the tool result substituted when Suppress is set.
	ToolFallback *models.ToolResult
	// Retry re-runs the failed step after Delay. Ignored for hook errors.
	Retry bool
	Delay time.Duration
}

func (r Recovery) decided() bool {
	return r.Suppress || r.Retry
}

// BeforeAgentHook runs before an agent call.
type BeforeAgentHook interface {
	BeforeAgent(ctx context.Context, call *AgentCall) (Verdict, error)
}

// AfterAgentHook may rewrite an agent result.
type AfterAgentHook interface {
	AfterAgent(ctx context.Context, call *AgentCall, result *models.AgentResult) (*models.AgentResult, error)
}

// BeforeToolHook runs before a tool call.
type BeforeToolHook interface {
	BeforeTool(ctx context.Context, call *ToolCall) (ToolVerdict, error)
}

// AfterToolHook may rewrite a tool result.
type AfterToolHook interface {
	AfterTool(ctx context.Context, call *ToolCall, result models.ToolResult) (models.ToolResult, error)
}

// ErrorHook observes failed steps and may recover from them.
type ErrorHook interface {
	OnError(ctx context.Context, ev ErrorEvent) Recovery
}

// SetupHook runs once when the chain starts.
type SetupHook interface {
	Setup(ctx context.Context) error
}

// TeardownHook runs once when the chain stops.
type TeardownHook interface {
	Teardown(ctx context.Context) error
}

type capability uint8

const (
	capBeforeAgent capability = 1 << iota
	capAfterAgent
	capBeforeTool
	capAfterTool
	capOnError
	capSetup
	capTeardown
)

func detect(mw Middleware) capability {
	var c capability
	if _, ok := mw.(BeforeAgentHook); ok {
		c |= capBeforeAgent
	}
	if _, ok := mw.(AfterAgentHook); ok {
		c |= capAfterAgent
	}
	if _, ok := mw.(BeforeToolHook); ok {
		c |= capBeforeTool
	}
	if _, ok := mw.(AfterToolHook); ok {
		c |= capAfterTool
	}
	if _, ok := mw.(ErrorHook); ok {
		c |= capOnError
	}
	if _, ok := mw.(SetupHook); ok {
		c |= capSetup
	}
	if _, ok := mw.(TeardownHook); ok {
		c |= capTeardown
	}
	return c
}

func (c capability) has(flag capability) bool {
	return c&flag != 0
}

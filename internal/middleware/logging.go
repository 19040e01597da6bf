package middleware

import (
	"context"
	"math"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Logging writes one debug line per hook. It runs outermost.
type Logging struct {
	logf func(format string, args ...interface{})
}

// NewLogging creates a Logging middleware writing through logf.
func NewLogging(logf func(format string, args ...interface{})) *Logging {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Logging{logf: logf}
}

// Name implements Middleware.
func (l *Logging) Name() string { return "logging" }

// Priority implements Middleware.
func (l *Logging) Priority() int { return math.MinInt32 }

// BeforeAgent implements BeforeAgentHook.
func (l *Logging) BeforeAgent(ctx context.Context, call *AgentCall) (Verdict, error) {
	l.logf("[agent] start node=%s variant=%d depth=%d spec=%s prompt_len=%d tools=%v",
		call.NodeID, call.Variant, call.Depth, call.Spec.Label(), len(call.Prompt), call.Tools)
	return Verdict{}, nil
}

// AfterAgent implements AfterAgentHook.
func (l *Logging) AfterAgent(ctx context.Context, call *AgentCall, result *models.AgentResult) (*models.AgentResult, error) {
	l.logf("[agent] done node=%s tokens=%d tool_calls=%d cached=%v",
		call.NodeID, result.Usage.Total(), len(result.ToolCalls), result.Cached)
	return result, nil
}

// BeforeTool implements BeforeToolHook.
func (l *Logging) BeforeTool(ctx context.Context, call *ToolCall) (ToolVerdict, error) {
	l.logf("[tool] call node=%s tool=%s args=%s", call.NodeID, call.Name, truncate(string(call.Args), 120))
	return ToolVerdict{}, nil
}

// AfterTool implements AfterToolHook.
func (l *Logging) AfterTool(ctx context.Context, call *ToolCall, result models.ToolResult) (models.ToolResult, error) {
	l.logf("[tool] result node=%s tool=%s is_error=%v len=%d", call.NodeID, call.Name, result.IsError, len(result.Content))
	return result, nil
}

// OnError implements ErrorHook.
func (l *Logging) OnError(ctx context.Context, ev ErrorEvent) Recovery {
	l.logf("[error] stage=%s node=%s tool=%s hook=%s attempt=%d: %v",
		ev.Stage, ev.NodeID, ev.Tool, ev.Hook, ev.Attempt, ev.Err)
	return Recovery{}
}

package middleware

import (
	"context"
	"encoding/json"

	"github.com/ShayCichocki/conductor/internal/agent"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Wrap returns an executor that runs every call to next through the
// chain, including every tool call next makes via Request.InvokeTool.
func (c *Chain) Wrap(next agent.Executor) agent.Executor {
	return &chainExecutor{chain: c, next: next}
}

type chainExecutor struct {
	chain *Chain
	next  agent.Executor
}

func (x *chainExecutor) Execute(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
	call := &AgentCall{
		NodeID:       req.NodeID,
		RunID:        req.RunID,
		Depth:        req.Depth,
		Variant:      req.Variant,
		Spec:         req.Spec,
		Prompt:       req.Prompt,
		Instructions: req.Instructions,
		Tools:        append([]string(nil), req.Tools...),
		Values:       make(map[string]string),
	}

	return x.chain.RunAgent(ctx, call, func(ctx context.Context, call *AgentCall) (*models.AgentResult, error) {
		r := req.Clone()
		r.Prompt = call.Prompt
		r.Instructions = call.Instructions
		r.Tools = append([]string(nil), call.Tools...)
		if req.InvokeTool != nil {
			r.InvokeTool = x.mediate(req, req.InvokeTool)
		}
		return x.next.Execute(ctx, r)
	})
}

func (x *chainExecutor) mediate(req *agent.Request, invoke agent.ToolInvoker) agent.ToolInvoker {
	return func(ctx context.Context, name string, args json.RawMessage) (models.ToolResult, error) {
		call := &ToolCall{NodeID: req.NodeID, RunID: req.RunID, Name: name, Args: args}
		return x.chain.RunTool(ctx, call, func(ctx context.Context, call *ToolCall) (models.ToolResult, error) {
			return invoke(ctx, call.Name, call.Args)
		})
	}
}

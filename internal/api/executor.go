package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/conductor/internal/agent"
	"github.com/ShayCichocki/conductor/pkg/models"
)

const (
	// DefaultMaxIterations bounds model calls per request.
	DefaultMaxIterations = 50
	// DefaultMaxTokens is the response cap when neither the spec nor the
	// executor sets one.
	DefaultMaxTokens = 8192
)

// ErrMaxIterations is returned when the tool loop does not finish in time.
var ErrMaxIterations = errors.New("max iterations reached")

// Executor runs agent requests against the Messages API, looping while the
// model asks for tools. It implements agent.Executor.
type Executor struct {
	client        *Client
	tools         ToolCatalog
	maxIterations int
	maxTokens     int64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTools sets the catalog that resolves Request.Tools to definitions.
func WithTools(c ToolCatalog) ExecutorOption {
	return func(e *Executor) { e.tools = c }
}

// WithMaxIterations bounds model calls per request.
func WithMaxIterations(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithMaxTokens sets the default response cap.
func WithMaxTokens(n int64) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// NewExecutor creates an executor using client.
func NewExecutor(client *Client, opts ...ExecutorOption) *Executor {
	e := &Executor{
		client:        client,
		maxIterations: DefaultMaxIterations,
		maxTokens:     DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// model picks the request's model. An explicit model or tier wins over the
// client default.
func (e *Executor) model(spec models.AgentSpec) anthropic.Model {
	if spec.Model == "" && !spec.Tier.Valid() {
		return e.client.Model()
	}
	return e.client.TranslateModel(anthropic.Model(agent.SelectModel(spec)))
}

// Execute runs req to completion.
func (e *Executor) Execute(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
	model := e.model(req.Spec)
	maxTokens := e.maxTokens
	if req.Spec.MaxTokens > 0 {
		maxTokens = req.Spec.MaxTokens
	}

	tools := toolParams(e.definitions(req))

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Tools:     tools,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
	}

	result := &models.AgentResult{}
	for iter := 0; iter < e.maxIterations; iter++ {
		resp, err := e.client.inner.Messages.New(ctx, params)
		if err != nil {
			return result, fmt.Errorf("node %s: messages call: %w", req.NodeID, err)
		}

		usage := models.TokenUsage{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens}
		result.Usage = result.Usage.Add(usage)
		e.client.Tracker().Record(req.NodeID, string(model), usage)

		var text strings.Builder
		var assistantBlocks, toolResults []anthropic.ContentBlockParamUnion
		for _, block := range resp.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				text.WriteString(variant.Text)
				req.Partial(variant.Text)
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(variant.Text))

			case anthropic.ToolUseBlock:
				call := models.ToolCall{ID: variant.ID, Name: variant.Name, Args: variant.Input}
				result.ToolCalls = append(result.ToolCalls, call)
				assistantBlocks = append(assistantBlocks,
					anthropic.NewToolUseBlock(variant.ID, variant.Input, variant.Name))

				tr, err := e.invoke(ctx, req, call)
				if err != nil {
					return result, fmt.Errorf("node %s: tool %s: %w", req.NodeID, call.Name, err)
				}
				toolResults = append(toolResults,
					anthropic.NewToolResultBlock(variant.ID, tr.Content, tr.IsError))
			}
		}

		if resp.StopReason != anthropic.StopReasonToolUse || len(toolResults) == 0 {
			result.Text = text.String()
			return result, nil
		}

		params.Messages = append(params.Messages,
			anthropic.NewAssistantMessage(assistantBlocks...),
			anthropic.NewUserMessage(toolResults...))
	}

	return result, fmt.Errorf("node %s: %w (%d)", req.NodeID, ErrMaxIterations, e.maxIterations)
}

// definitions resolves req.Tools against the catalog, adding the subagent
// tools when the request can dispatch.
func (e *Executor) definitions(req *agent.Request) []models.ToolDefinition {
	if len(req.Tools) == 0 {
		return nil
	}
	var defs []models.ToolDefinition
	if e.tools != nil {
		defs = e.tools.Definitions(req.Tools)
	}
	if req.Subagents != nil {
		defs = append(defs, subagentDefinitions(req.Tools)...)
	}
	return defs
}

func (e *Executor) invoke(ctx context.Context, req *agent.Request, call models.ToolCall) (models.ToolResult, error) {
	if isSubagentTool(call.Name) {
		return runSubagentTool(ctx, req.Subagents, call.Name, call.Args)
	}
	if req.InvokeTool == nil {
		return models.ToolResult{Content: "no tools are available", IsError: true}, nil
	}
	return req.InvokeTool(ctx, call.Name, call.Args)
}

var _ agent.Executor = (*Executor)(nil)

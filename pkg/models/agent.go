package models

import "encoding/json"

// AgentSpec is the opaque agent configuration attached to a graph node.
// The orchestration core never interprets it; it is handed to the agent
// executor after middleware has had a chance to rewrite the prompt,
// instructions, and tool list.
type AgentSpec struct {
	// Name is a human-readable label for logs and events.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Model is the model identifier. Empty means the tier default.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	// Tier selects a default model when Model is empty.
	Tier Tier `json:"tier,omitempty" yaml:"tier,omitempty"`
	// Instructions is the system prompt.
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	// Prompt is the user prompt.
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	// Tools lists the tool names the agent may call.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	// MaxTokens caps the response length. Zero means the executor default.
	MaxTokens int64 `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	// Metadata carries caller-defined values through the pipeline untouched.
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Label returns Name if set, otherwise the model, otherwise "agent".
func (s AgentSpec) Label() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Model != "":
		return s.Model
	default:
		return "agent"
	}
}

// TokenUsage records model token consumption for one unit of work.
type TokenUsage struct {
	// Input is the number of prompt tokens.
	Input int64 `json:"input"`
	// Output is the number of completion tokens.
	Output int64 `json:"output"`
}

// Total returns Input + Output.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{Input: u.Input + other.Input, Output: u.Output + other.Output}
}

// AgentResult is what an agent executor returns for one invocation.
type AgentResult struct {
	// Text is the final assistant text.
	Text string `json:"text"`
	// Usage is the tokens consumed producing Text.
	Usage TokenUsage `json:"usage"`
	// ToolCalls lists every tool call the agent made, in order.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Cached is set when the result was served without calling the model.
	Cached bool `json:"cached,omitempty"`
}

// ToolCall is a single tool invocation requested by an agent.
type ToolCall struct {
	// ID is the provider-assigned call identifier.
	ID string `json:"id,omitempty"`
	// Name is the tool name.
	Name string `json:"name"`
	// Args is the raw JSON argument object.
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	// Content is the textual result returned to the model.
	Content string `json:"content"`
	// IsError marks the content as an error report rather than output.
	IsError bool `json:"is_error,omitempty"`
}

// ToolDefinition describes a tool that can be offered to a model.
type ToolDefinition struct {
	// Name is the tool name the model uses to call it.
	Name string `json:"name"`
	// Description tells the model what the tool does.
	Description string `json:"description,omitempty"`
	// InputSchema is a JSON Schema "properties" object.
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	// Required lists required argument names.
	Required []string `json:"required,omitempty"`
}

package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ShayCichocki/conductor/internal/agent"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Subagent tool names. They are served by the request's Dispatcher rather
// than a ToolCatalog, and are offered only when the request has one.
const (
	ToolSpawnSubagent  = "spawn_subagent"
	ToolPollSubagents  = "poll_subagents"
	ToolAwaitSubagent  = "await_subagent"
	ToolCancelSubagent = "cancel_subagent"

	// ToolSubagents names all four subagent tools in a spec's tool list.
	ToolSubagents = "subagents"
)

var subagentTools = []models.ToolDefinition{
	{
		Name:        ToolSpawnSubagent,
		Description: "Start a subagent working on a prompt in the background. Returns its task id.",
		InputSchema: map[string]interface{}{
			"prompt":          stringProp("Task for the subagent"),
			"instructions":    stringProp("System prompt for the subagent"),
			"model":           stringProp("Model id, empty for the default"),
			"tier":            stringProp("quick, scout, builder, or architect"),
			"tools":           map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Tools the subagent may use"},
			"timeout_seconds": intProp("Execution timeout, 0 for the default"),
		},
		Required: []string{"prompt"},
	},
	{
		Name:        ToolPollSubagents,
		Description: "Return the current status and partial output of subagent tasks without waiting.",
		InputSchema: map[string]interface{}{
			"ids": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		Required: []string{"ids"},
	},
	{
		Name:        ToolAwaitSubagent,
		Description: "Wait for a subagent task to finish and return its result.",
		InputSchema: map[string]interface{}{
			"id":              stringProp("Task id"),
			"timeout_seconds": intProp("How long to wait, 0 to wait indefinitely"),
		},
		Required: []string{"id"},
	},
	{
		Name:        ToolCancelSubagent,
		Description: "Cancel a subagent task.",
		InputSchema: map[string]interface{}{
			"id": stringProp("Task id"),
		},
		Required: []string{"id"},
	},
}

func isSubagentTool(name string) bool {
	switch name {
	case ToolSpawnSubagent, ToolPollSubagents, ToolAwaitSubagent, ToolCancelSubagent:
		return true
	}
	return false
}

// subagentDefinitions returns the subagent tools named in names, in
// declaration order. ToolSubagents selects all of them.
func subagentDefinitions(names []string) []models.ToolDefinition {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if n == ToolSubagents {
			return append([]models.ToolDefinition(nil), subagentTools...)
		}
		want[n] = true
	}
	var defs []models.ToolDefinition
	for _, def := range subagentTools {
		if want[def.Name] {
			defs = append(defs, def)
		}
	}
	return defs
}

// runSubagentTool serves a subagent tool call through d. Only a context
// error from the caller's ctx aborts the request; everything else is
// reported to the model.
func runSubagentTool(ctx context.Context, d agent.Dispatcher, name string, args json.RawMessage) (models.ToolResult, error) {
	if d == nil {
		return errorResult("subagents are not available"), nil
	}

	switch name {
	case ToolSpawnSubagent:
		var p struct {
			Prompt         string   `json:"prompt"`
			Instructions   string   `json:"instructions"`
			Model          string   `json:"model"`
			Tier           string   `json:"tier"`
			Tools          []string `json:"tools"`
			TimeoutSeconds int      `json:"timeout_seconds"`
		}
		if err := decodeArgs(args, &p); err != nil {
			return errorResult("%v", err), nil
		}
		spec := models.AgentSpec{
			Model:        p.Model,
			Tier:         models.Tier(p.Tier),
			Instructions: p.Instructions,
			Prompt:       p.Prompt,
			Tools:        p.Tools,
		}
		id, err := d.Dispatch(ctx, spec, p.Prompt, time.Duration(p.TimeoutSeconds)*time.Second)
		if err != nil {
			return subagentError(ctx, err)
		}
		return jsonResult(map[string]string{"id": id})

	case ToolPollSubagents:
		var p struct {
			IDs []string `json:"ids"`
		}
		if err := decodeArgs(args, &p); err != nil {
			return errorResult("%v", err), nil
		}
		return jsonResult(d.Poll(p.IDs))

	case ToolAwaitSubagent:
		var p struct {
			ID             string `json:"id"`
			TimeoutSeconds int    `json:"timeout_seconds"`
		}
		if err := decodeArgs(args, &p); err != nil {
			return errorResult("%v", err), nil
		}
		view, err := d.Await(ctx, p.ID, time.Duration(p.TimeoutSeconds)*time.Second)
		if err != nil {
			return subagentError(ctx, err)
		}
		res, err := jsonResult(view)
		res.IsError = view.Status != models.SubagentCompleted
		return res, err

	case ToolCancelSubagent:
		var p struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(args, &p); err != nil {
			return errorResult("%v", err), nil
		}
		if err := d.Cancel(p.ID); err != nil {
			return errorResult("%v", err), nil
		}
		return models.ToolResult{Content: "cancelled " + p.ID}, nil
	}
	return errorResult("unknown tool %q", name), nil
}

func subagentError(ctx context.Context, err error) (models.ToolResult, error) {
	if ctx.Err() != nil {
		return models.ToolResult{}, ctx.Err()
	}
	return errorResult("%v", err), nil
}

func jsonResult(v any) (models.ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return models.ToolResult{}, err
	}
	return models.ToolResult{Content: truncateOutput(string(data))}, nil
}

package api

import (
	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ToolCatalog resolves tool names to the definitions offered to the model.
type ToolCatalog interface {
	Definitions(names []string) []models.ToolDefinition
}

// toolParams converts tool definitions to Messages API tool params.
func toolParams(defs []models.ToolDefinition) []anthropic.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	params := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		tool := &anthropic.ToolParam{
			Name: def.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: def.InputSchema,
				Required:   def.Required,
			},
		}
		if def.Description != "" {
			tool.Description = anthropic.String(def.Description)
		}
		params = append(params, anthropic.ToolUnionParam{OfTool: tool})
	}
	return params
}

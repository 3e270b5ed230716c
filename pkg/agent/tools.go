package agent

import "github.com/entrhq/webpilot/pkg/llm"

// Planner tool names.
const (
	ToolAction   = "action"
	ToolQuery    = "query"
	ToolComplete = "complete"
)

// Tools returns the three tool schemas offered to the planner on every turn.
func Tools() []llm.ToolSchema {
	return []llm.ToolSchema{
		{
			Name:        ToolAction,
			Description: "Perform one page-changing interaction, such as clicking, typing, scrolling or opening a URL.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{
						"type":        "string",
						"description": "A single natural-language instruction, e.g. \"Click the Sign in button\".",
					},
					"url": map[string]interface{}{
						"type":        "string",
						"description": "Optional absolute URL to open before performing the command.",
					},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        ToolQuery,
			Description: "Read information from the page without changing it.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "A question about the page, e.g. \"What is the price of the first result?\".",
					},
					"url": map[string]interface{}{
						"type":        "string",
						"description": "Optional absolute URL to open before answering.",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        ToolComplete,
			Description: "Declare the goal reached and finish the task.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"summary": map[string]interface{}{
						"type":        "string",
						"description": "What was accomplished and any information the user asked for.",
					},
				},
			},
		},
	}
}

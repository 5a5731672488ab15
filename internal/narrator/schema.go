package narrator

import "github.com/abhisek/medsim/internal/llm"

// HintSchema defines the JSON schema for attending hint responses.
var HintSchema = &llm.Schema{
	Name:        "attending-hint",
	Description: "A single Socratic hint from the supervising attending",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"hint": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "One short hint that does not name a diagnosis or reveal a result",
			},
			"focus": map[string]any{
				"type":        "string",
				"enum":        []any{"history", "exam", "tests", "treatment"},
				"description": "The area of the workup the hint points at",
			},
		},
		"required":             []any{"hint", "focus"},
		"additionalProperties": false,
	},
}
